// Package domain defines core data structures shared by the ledger components.
package domain

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// ErrActorNotPresent is returned when an operation targets an actor
// that has no materialized ledger entry or is unknown to the session layer.
var ErrActorNotPresent = errors.New("actor is not present")

// ErrInsufficientFunds is returned by guarded withdrawals that would leave a negative balance.
var ErrInsufficientFunds = errors.New("cannot afford")

// ActorID stable identity of a session actor.
type ActorID uuid.UUID

// NewActorID returns a random actor identity.
func NewActorID() ActorID {
	return ActorID(uuid.New())
}

// ParseActorID parses the canonical 36-character form.
func ParseActorID(s string) (ActorID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return ActorID{}, errors.Wrapf(err, "invalid actor id %q", s)
	}

	return ActorID(id), nil
}

// String returns the 36-character form used as the store identity.
func (id ActorID) String() string {
	return uuid.UUID(id).String()
}

// IsZero reports whether the id is the nil UUID.
func (id ActorID) IsZero() bool {
	return uuid.UUID(id) == uuid.Nil
}

// Account balance of a single actor.
type Account struct {
	ID      ActorID
	Balance decimal.Decimal
}
