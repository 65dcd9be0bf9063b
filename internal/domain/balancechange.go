package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ChangeKind names the ledger operation that produced a BalanceChange.
type ChangeKind string

const (
	ChangeLoad     ChangeKind = "load"
	ChangeDeposit  ChangeKind = "deposit"
	ChangeWithdraw ChangeKind = "withdraw"
	ChangeSet      ChangeKind = "set"
	ChangeEvict    ChangeKind = "evict"
)

// BalanceChange is a domain event emitted after every ledger mutation.
// Uses string fields to avoid float precision issues when consumed by web or broker consumers.
type BalanceChange struct {
	Timestamp time.Time  `json:"ts"`
	Actor     string     `json:"actor"`
	Kind      ChangeKind `json:"kind"`
	Amount    string     `json:"amount,omitempty"`
	Balance   string     `json:"balance"`
}

// NewBalanceChange creates a new BalanceChange.
func NewBalanceChange(timestamp time.Time, actor ActorID, kind ChangeKind, amount, balance decimal.Decimal) BalanceChange {
	change := BalanceChange{
		Timestamp: timestamp,
		Actor:     actor.String(),
		Kind:      kind,
		Balance:   balance.String(),
	}
	if !amount.IsZero() {
		change.Amount = amount.String()
	}

	return change
}
