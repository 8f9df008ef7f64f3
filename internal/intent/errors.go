package intent

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Field names reported by MissingValueError
const (
	FieldTicker    = "ticker"
	FieldStrike    = "strike_price"
	FieldDirection = "direction"
	FieldTickerID  = "ticker_id"
)

var (
	// ErrQuoteNotFound is returned when the gateway has no contract for the intent
	ErrQuoteNotFound = errors.New("quote not found")
	// ErrPositionNotFound is returned when no open position matches the ticker id
	ErrPositionNotFound = errors.New("position not found")
	// ErrInvalidLimitPrice is returned when no positive limit price can be determined
	ErrInvalidLimitPrice = errors.New("invalid limit price")
)

// MissingValueError lists the intent fields required to resolve an order that were not parsed
type MissingValueError struct {
	Fields []string
}

func (e *MissingValueError) Error() string {
	return "missing values: " + strings.Join(e.Fields, ", ")
}

// LimitExceededError is returned when one contract costs more than the trade budget
type LimitExceededError struct {
	PerContractCost decimal.Decimal
	Budget          decimal.Decimal
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("cannot use auto quantity: one contract (%s) exceeds your limit (%s)",
		e.PerContractCost.StringFixed(2), e.Budget.StringFixed(2))
}
