// Package ledger holds the authoritative in-memory balances of active actors.
package ledger

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/orbital/internal/domain"
)

// Listener receives a change after every mutation. It is called outside ledger locks.
type Listener func(domain.BalanceChange)

// Option configures a Ledger.
type Option func(*Ledger)

// WithListener registers fn to receive balance changes.
func WithListener(fn Listener) Option {
	return func(l *Ledger) {
		if fn != nil {
			l.listeners = append(l.listeners, fn)
		}
	}
}

// WithClock overrides the time source used for departure stamps and events.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

type entry struct {
	mu           sync.Mutex
	balance      decimal.Decimal
	materialized bool
	removed      bool
	departedAt   time.Time
	version      uint64
}

// Departure describes an entry whose actor has left.
type Departure struct {
	ID      domain.ActorID
	Balance decimal.Decimal
	Version uint64
	Since   time.Time
}

// Ledger maps actors to balances. Each entry has its own lock, so operations on
// distinct actors never serialize against each other.
type Ledger struct {
	mu        sync.RWMutex
	entries   map[domain.ActorID]*entry
	listeners []Listener
	now       func() time.Time
}

// New creates an empty ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		entries: make(map[domain.ActorID]*entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}

	return l
}

func (l *Ledger) lookup(id domain.ActorID) *entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.entries[id]
}

// Materialize installs a balance loaded from the store unless the actor is
// already materialized, in which case the cached balance wins and is returned
// with false. A provisional entry is replaced.
func (l *Ledger) Materialize(id domain.ActorID, balance decimal.Decimal) (decimal.Decimal, bool) {
	l.mu.Lock()
	e, ok := l.entries[id]
	if !ok {
		e = &entry{}
		l.entries[id] = e
	}
	e.mu.Lock()
	l.mu.Unlock()

	e.departedAt = time.Time{}
	if e.materialized {
		cached := e.balance
		e.mu.Unlock()
		return cached, false
	}

	e.balance = balance
	e.materialized = true
	e.version++
	change := domain.NewBalanceChange(l.now(), id, domain.ChangeLoad, decimal.Zero, balance)
	e.mu.Unlock()

	l.emit(change)

	return balance, true
}

// Get returns the cached balance of a materialized actor.
func (l *Ledger) Get(id domain.ActorID) (decimal.Decimal, error) {
	e := l.lookup(id)
	if e == nil {
		return decimal.Zero, domain.ErrActorNotPresent
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.removed || !e.materialized {
		return decimal.Zero, domain.ErrActorNotPresent
	}

	return e.balance, nil
}

// GetOrDefault returns the cached balance, or zero for an unknown actor.
// An unknown actor gets a provisional zero entry as a side effect; provisional
// entries are never flushed and cannot be mutated until materialized.
func (l *Ledger) GetOrDefault(id domain.ActorID) decimal.Decimal {
	for {
		l.mu.Lock()
		e, ok := l.entries[id]
		if !ok {
			l.entries[id] = &entry{balance: decimal.Zero}
			l.mu.Unlock()
			return decimal.Zero
		}
		l.mu.Unlock()

		e.mu.Lock()
		if e.removed {
			e.mu.Unlock()
			continue
		}
		balance := e.balance
		e.mu.Unlock()

		return balance
	}
}

// Deposit adds amount to the balance and returns the new value.
func (l *Ledger) Deposit(id domain.ActorID, amount decimal.Decimal) (decimal.Decimal, error) {
	return l.mutate(id, domain.ChangeDeposit, amount, func(cur decimal.Decimal) (decimal.Decimal, error) {
		return cur.Add(amount), nil
	})
}

// Withdraw subtracts amount from the balance. The result may go negative.
func (l *Ledger) Withdraw(id domain.ActorID, amount decimal.Decimal) (decimal.Decimal, error) {
	return l.mutate(id, domain.ChangeWithdraw, amount, func(cur decimal.Decimal) (decimal.Decimal, error) {
		return cur.Sub(amount), nil
	})
}

// TryWithdraw subtracts amount only when the balance covers it.
func (l *Ledger) TryWithdraw(id domain.ActorID, amount decimal.Decimal) (decimal.Decimal, error) {
	return l.mutate(id, domain.ChangeWithdraw, amount, func(cur decimal.Decimal) (decimal.Decimal, error) {
		if cur.LessThan(amount) {
			return cur, domain.ErrInsufficientFunds
		}
		return cur.Sub(amount), nil
	})
}

// Set replaces the balance.
func (l *Ledger) Set(id domain.ActorID, amount decimal.Decimal) (decimal.Decimal, error) {
	return l.mutate(id, domain.ChangeSet, amount, func(decimal.Decimal) (decimal.Decimal, error) {
		return amount, nil
	})
}

func (l *Ledger) mutate(id domain.ActorID, kind domain.ChangeKind, amount decimal.Decimal,
	apply func(decimal.Decimal) (decimal.Decimal, error)) (decimal.Decimal, error) {
	e := l.lookup(id)
	if e == nil {
		return decimal.Zero, domain.ErrActorNotPresent
	}

	e.mu.Lock()
	if e.removed || !e.materialized {
		e.mu.Unlock()
		return decimal.Zero, domain.ErrActorNotPresent
	}
	next, err := apply(e.balance)
	if err != nil {
		balance := e.balance
		e.mu.Unlock()
		return balance, err
	}
	e.balance = next
	e.version++
	balance := e.balance
	change := domain.NewBalanceChange(l.now(), id, kind, amount, balance)
	e.mu.Unlock()

	l.emit(change)

	return balance, nil
}

// Has reports whether the actor has a materialized entry.
func (l *Ledger) Has(id domain.ActorID) bool {
	_, err := l.Get(id)
	return err == nil
}

// Len returns the number of materialized entries.
func (l *Ledger) Len() int {
	return len(l.Snapshot())
}

// Snapshot copies every materialized account, ordered by actor id.
func (l *Ledger) Snapshot() []domain.Account {
	l.mu.RLock()
	accounts := make([]domain.Account, 0, len(l.entries))
	for id, e := range l.entries {
		e.mu.Lock()
		if e.materialized && !e.removed {
			accounts = append(accounts, domain.Account{ID: id, Balance: e.balance})
		}
		e.mu.Unlock()
	}
	l.mu.RUnlock()

	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].ID.String() < accounts[j].ID.String()
	})

	return accounts
}

// MarkDeparted stamps the entry as departed. The entry stays cached until evicted.
func (l *Ledger) MarkDeparted(id domain.ActorID) (decimal.Decimal, error) {
	e := l.lookup(id)
	if e == nil {
		return decimal.Zero, domain.ErrActorNotPresent
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.removed || !e.materialized {
		return decimal.Zero, domain.ErrActorNotPresent
	}
	if e.departedAt.IsZero() {
		e.departedAt = l.now()
	}

	return e.balance, nil
}

// Rejoin clears the departed mark of a cached actor. It reports false when
// the actor has no materialized entry and must be loaded from the store.
func (l *Ledger) Rejoin(id domain.ActorID) bool {
	e := l.lookup(id)
	if e == nil {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.removed || !e.materialized {
		return false
	}
	e.departedAt = time.Time{}

	return true
}

// Departed lists entries departed for at least grace.
func (l *Ledger) Departed(grace time.Duration) []Departure {
	now := l.now()

	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Departure, 0)
	for id, e := range l.entries {
		e.mu.Lock()
		if e.materialized && !e.removed && !e.departedAt.IsZero() && now.Sub(e.departedAt) >= grace {
			out = append(out, Departure{ID: id, Balance: e.balance, Version: e.version, Since: e.departedAt})
		}
		e.mu.Unlock()
	}

	return out
}

// EvictIfUnchanged removes a departed entry only if it was not mutated since version.
func (l *Ledger) EvictIfUnchanged(id domain.ActorID, version uint64) bool {
	return l.evict(id, func(e *entry) bool {
		return e.materialized && !e.departedAt.IsZero() && e.version == version
	})
}

func (l *Ledger) evict(id domain.ActorID, allow func(*entry) bool) bool {
	l.mu.Lock()
	e, ok := l.entries[id]
	if !ok {
		l.mu.Unlock()
		return false
	}

	e.mu.Lock()
	if !allow(e) {
		e.mu.Unlock()
		l.mu.Unlock()
		return false
	}
	e.removed = true
	delete(l.entries, id)
	l.mu.Unlock()

	materialized := e.materialized
	change := domain.NewBalanceChange(l.now(), id, domain.ChangeEvict, decimal.Zero, e.balance)
	e.mu.Unlock()

	if materialized {
		l.emit(change)
	}

	return true
}

func (l *Ledger) emit(change domain.BalanceChange) {
	for _, fn := range l.listeners {
		fn(change)
	}
}
