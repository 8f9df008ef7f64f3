package orders

import (
	"errors"
	"fmt"
)

// ErrStopped is returned by Monitor.Run when shutdown interrupts polling.
var ErrStopped = errors.New("monitor stopped before the order reached a terminal state")

// OrderFailedError reports an order that ended without a fill.
type OrderFailedError struct {
	OrderID int64
	Reason  string
}

func (e *OrderFailedError) Error() string {
	return fmt.Sprintf("order %d failed: %s", e.OrderID, e.Reason)
}

// ReasonNotFilled is the reason used when the poll budget ran out
const ReasonNotFilled = "not filled"
