// Package journal keeps an sqlite audit trail of every order the process placed.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/eddiefleurent/alert_trader/internal/models"
)

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS orders (
    id INTEGER PRIMARY KEY,
    contract_id INTEGER NOT NULL,
    side TEXT NOT NULL,
    style TEXT NOT NULL,
    limit_price TEXT,
    quantity INTEGER NOT NULL,
    label TEXT NOT NULL DEFAULT '',
    category TEXT NOT NULL DEFAULT '',
    state TEXT NOT NULL,
    filled_quantity INTEGER NOT NULL DEFAULT 0,
    filled_value TEXT,
    avg_fill_price TEXT,
    note TEXT NOT NULL DEFAULT '',
    placed_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_orders_placed_at ON orders(placed_at);
`

// ErrNotFound is returned when an order id has no journal row
var ErrNotFound = errors.New("order not found in journal")

// Entry is one journaled order
type Entry struct {
	models.Order
	Note string `json:"note,omitempty"`
}

// Journal wraps the SQL handle
type Journal struct {
	db *sql.DB
}

// Open opens (and creates if needed) the journal database at path and applies the schema.
func Open(path string) (*Journal, error) {
	if path == "" {
		return nil, errors.New("journal path is empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create journal directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite prefers single writer.
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close releases the underlying DB handle.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// RecordSubmitted inserts a freshly placed order.
func (j *Journal) RecordSubmitted(ctx context.Context, o models.Order) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO orders (
			id, contract_id, side, style, limit_price, quantity, label, category, state, placed_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		o.ID, o.ContractID, string(o.Side), string(o.Style), nullString(o.LimitPrice), o.Quantity,
		o.Label, string(o.Category), string(o.State), o.PlacedAt.UTC(), o.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert order %d: %w", o.ID, err)
	}
	return nil
}

// RecordUpdate stores the order's current state, fill details and a free-form note.
func (j *Journal) RecordUpdate(ctx context.Context, o models.Order, note string) error {
	var qty int64
	var value, avg any
	if o.Fill != nil {
		qty = o.Fill.Quantity
		value = nullString(o.Fill.Value)
		avg = nullString(o.Fill.AvgPrice)
	}
	res, err := j.db.ExecContext(ctx, `
		UPDATE orders
		SET state = ?, filled_quantity = ?, filled_value = COALESCE(?, filled_value),
		    avg_fill_price = COALESCE(?, avg_fill_price), note = ?, updated_at = ?
		WHERE id = ?
	`, string(o.State), qty, value, avg, note, o.UpdatedAt.UTC(), o.ID)
	if err != nil {
		return fmt.Errorf("update order %d: %w", o.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %d", ErrNotFound, o.ID)
	}
	return nil
}

// Get returns one journaled order.
func (j *Journal) Get(ctx context.Context, id int64) (*Entry, error) {
	row := j.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return e, err
}

// Recent returns up to limit orders, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx, selectColumns+` ORDER BY placed_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *e)
	}
	return res, rows.Err()
}

const selectColumns = `
	SELECT id, contract_id, side, style, limit_price, quantity, label, category, state,
	       filled_quantity, filled_value, avg_fill_price, note, placed_at, updated_at
	FROM orders`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*Entry, error) {
	var (
		e                    Entry
		side, style, cat, st string
		limit, value, avg    sql.NullString
		filledQty            int64
	)
	if err := s.Scan(&e.ID, &e.ContractID, &side, &style, &limit, &e.Quantity, &e.Label, &cat, &st,
		&filledQty, &value, &avg, &e.Note, &e.PlacedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Side = models.Side(side)
	e.Style = models.OrderStyle(style)
	e.Category = models.ActionCategory(cat)
	e.State = models.OrderState(st)
	e.LimitPrice = parseNull(limit)
	if filledQty > 0 || value.Valid || avg.Valid {
		e.Fill = &models.Fill{Quantity: filledQty, Value: parseNull(value), AvgPrice: parseNull(avg)}
	}
	return &e, nil
}

func nullString(d decimal.NullDecimal) any {
	if !d.Valid {
		return nil
	}
	return d.Decimal.String()
}

func parseNull(s sql.NullString) decimal.NullDecimal {
	if !s.Valid {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(s.String)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}
