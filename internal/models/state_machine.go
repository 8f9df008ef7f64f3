// Package models provides data structures and state management for trigger-driven option orders.
package models

import (
	"fmt"
	"time"
)

// OrderState represents the lifecycle state of a submitted order
type OrderState string

const (
	StatePending         OrderState = "pending"          // Placed, waiting for a fill
	StateFilled          OrderState = "filled"           // Fill observed in order history
	StateCancelRequested OrderState = "cancel_requested" // Poll budget spent, cancel sent to broker
	StateCancelled       OrderState = "cancelled"        // Broker confirmed the cancel
)

// Transition conditions
const (
	ConditionFillObserved      = "fill_observed"
	ConditionAttemptsExhausted = "attempts_exhausted"
	ConditionCancelConfirmed   = "cancel_confirmed"
)

// StateTransition defines valid state transitions
type StateTransition struct {
	From        OrderState
	To          OrderState
	Condition   string
	Description string
}

// ValidTransitions lists every transition an order may take.
// An unfilled SELL has no entry: its monitor stops polling and the order stays pending.
var ValidTransitions = []StateTransition{
	{StatePending, StateFilled, ConditionFillObserved, "Order id found in filled order history"},
	{StatePending, StateCancelRequested, ConditionAttemptsExhausted, "BUY order not filled within the poll budget"},
	{StateCancelRequested, StateCancelled, ConditionCancelConfirmed, "Broker confirmed the cancellation"},
}

// IsValidTransition checks whether from -> to is allowed under condition
func IsValidTransition(from, to OrderState, condition string) error {
	for _, t := range ValidTransitions {
		if t.From == from && t.To == to && t.Condition == condition {
			return nil
		}
	}
	return fmt.Errorf("invalid transition from %s to %s with condition '%s'", from, to, condition)
}

// IsTerminal reports whether no further transition can leave s
func (s OrderState) IsTerminal() bool {
	return s == StateFilled || s == StateCancelled
}

// Transition moves the order to a new state, stamped at.
func (o *Order) Transition(to OrderState, condition string, at time.Time) error {
	if err := IsValidTransition(o.State, to, condition); err != nil {
		return err
	}
	o.State = to
	o.UpdatedAt = at.UTC()
	return nil
}
