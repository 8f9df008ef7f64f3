// positions audits the broker's open option positions against the local position store.
// It never changes either side; mismatches are printed and reflected in the exit code.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/alert_trader/internal/broker"
	"github.com/eddiefleurent/alert_trader/internal/config"
	"github.com/eddiefleurent/alert_trader/internal/mock"
	"github.com/eddiefleurent/alert_trader/internal/reconcile"
	"github.com/eddiefleurent/alert_trader/internal/storage"
)

// maskAccountID masks all but the last 4 characters of an account ID
func maskAccountID(id string) string {
	if len(id) > 4 {
		return strings.Repeat("*", len(id)-4) + id[len(id)-4:]
	}
	return id
}

func main() {
	var (
		configPath = flag.String("config", "config.yaml", "Path to configuration file")
		jsonOutput = flag.Bool("json", false, "Output results as JSON")
		verbose    = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	if *verbose {
		logger.SetOutput(os.Stderr)
		fmt.Printf("Using config: %s\n", *configPath)
		fmt.Printf("Mode: %s\n", cfg.Environment.Mode)
		fmt.Printf("Account ID: %s\n", maskAccountID(cfg.Broker.AccountID))
		fmt.Printf("Store: %s\n\n", cfg.Storage.Path)
	}

	store, err := storage.NewStorage(cfg.Storage.Path)
	if err != nil {
		log.Fatalf("Failed to open position store: %v", err)
	}

	var gw broker.Broker
	if cfg.IsSimulated() {
		gw = mock.NewSimulatedBroker(clock.New())
	} else {
		gw = broker.NewWebullAPIWithBaseURLs(
			broker.Credentials{
				AccessToken: cfg.Broker.AccessToken,
				TradeToken:  cfg.Broker.TradeToken,
				AccountID:   cfg.Broker.AccountID,
				DeviceID:    cfg.Broker.DeviceID,
			},
			cfg.IsPaperTrading(), cfg.Broker.QuoteURL, cfg.Broker.TradeURL, nil,
		).WithTimeout(cfg.GetBrokerTimeout()).WithLogger(logger)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	inSync, err := audit(ctx, reconcile.NewReconciler(gw, store, logger), os.Stdout, *jsonOutput)
	if err != nil {
		log.Fatalf("Failed to audit positions: %v", err)
	}
	if !inSync {
		os.Exit(2)
	}
}

type jsonPosition struct {
	TickerID int64  `json:"ticker_id"`
	Label    string `json:"label"`
	Quantity int64  `json:"quantity"`
}

type jsonReport struct {
	InSync    bool           `json:"in_sync"`
	Tracked   []int64        `json:"tracked"`
	Held      []jsonPosition `json:"held"`
	Missing   []int64        `json:"missing"`
	Untracked []jsonPosition `json:"untracked"`
}

func audit(ctx context.Context, rec *reconcile.Reconciler, w io.Writer, asJSON bool) (bool, error) {
	rep, err := rec.Audit(ctx)
	if err != nil {
		return false, err
	}
	if asJSON {
		out := jsonReport{
			InSync:    rep.InSync(),
			Tracked:   nonNil(rep.Tracked),
			Held:      toJSON(rep.Held),
			Missing:   nonNil(rep.Missing),
			Untracked: toJSON(rep.Untracked),
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return rep.InSync(), enc.Encode(out)
	}
	printReport(w, rep)
	return rep.InSync(), nil
}

func printReport(w io.Writer, rep *reconcile.Report) {
	fmt.Fprintf(w, "=== POSITION AUDIT ===\n")
	fmt.Fprintf(w, "%s\n\n", reconcile.Summary(rep))
	for _, p := range rep.Held {
		fmt.Fprintf(w, "  OK         %-12d %-28s qty %d\n", p.ContractID, reconcile.Label(p), p.Quantity)
	}
	for _, id := range rep.Missing {
		fmt.Fprintf(w, "  MISSING    %-12d not held at broker\n", id)
	}
	for _, p := range rep.Untracked {
		fmt.Fprintf(w, "  UNTRACKED  %-12d %-28s qty %d\n", p.ContractID, reconcile.Label(p), p.Quantity)
	}
	if rep.InSync() {
		fmt.Fprintf(w, "\nNo obvious issues detected.\n")
		return
	}
	fmt.Fprintf(w, "\nPOTENTIAL ISSUES FOUND:\n")
	if len(rep.Missing) > 0 {
		fmt.Fprintf(w, "  - %d tracked id(s) were closed outside the trader; remove them from the store by hand\n", len(rep.Missing))
	}
	if len(rep.Untracked) > 0 {
		fmt.Fprintf(w, "  - %d broker position(s) are not tracked; trims and exits cannot fall back to them\n", len(rep.Untracked))
	}
}

func toJSON(ps []broker.Position) []jsonPosition {
	out := make([]jsonPosition, 0, len(ps))
	for _, p := range ps {
		out = append(out, jsonPosition{TickerID: p.ContractID, Label: reconcile.Label(p), Quantity: p.Quantity})
	}
	return out
}

func nonNil(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}
