// Package lifecycle decides when an actor's balance is loaded, created or written back,
// and owns the periodic flush and cooldown timers.
package lifecycle

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/orbital/internal/cooldown"
	"github.com/vadiminshakov/orbital/internal/domain"
	"github.com/vadiminshakov/orbital/internal/executor"
	"github.com/vadiminshakov/orbital/internal/ledger"
	"github.com/vadiminshakov/orbital/internal/storage/flushjournal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultSaveInterval = 5 * time.Minute
	defaultTickInterval = time.Second
)

var (
	ErrCooldownActive     = errors.New("cooldown is active")
	ErrUnconfirmedFlushes = errors.New("balance flushes were not confirmed")
	ErrSelfTransfer       = errors.New("cannot give to yourself")
	ErrInvalidAmount      = errors.New("amount must be positive")
)

// Store is the persistence surface the coordinator drives.
type Store interface {
	CountRows(id domain.ActorID) *executor.Future[int]
	CreateDefault(id domain.ActorID, balance decimal.Decimal) *executor.Future[int64]
	LoadBalance(id domain.ActorID) *executor.Future[decimal.Decimal]
	SaveBalance(id domain.ActorID, balance decimal.Decimal) *executor.Future[int64]
}

// Journal records flush intents.
type Journal interface {
	Prepare(id domain.ActorID, balance decimal.Decimal) (flushjournal.Intent, error)
	MarkDone(intent flushjournal.Intent) error
	MarkFailed(intent flushjournal.Intent, cause error) error
	Unsettled() []flushjournal.Intent
}

type Config struct {
	StartMoney       decimal.Decimal
	SaveInterval     time.Duration
	EvictAfter       time.Duration
	TickInterval     time.Duration
	EarnTicks        int
	DrainTimeout     time.Duration
	TerminateTimeout time.Duration
}

// Option configures optional collaborators.
type Option func(*Coordinator)

func WithJournal(j Journal) Option {
	return func(c *Coordinator) {
		c.journal = j
	}
}

// Flush is one write-back issued to the store. Result completes once the
// write is confirmed or has failed and the journal has recorded the outcome.
type Flush struct {
	Actor   domain.ActorID
	Balance decimal.Decimal
	Result  *executor.Future[int64]
}

// Coordinator wires session hooks to the ledger cache and the persistence store.
type Coordinator struct {
	cfg       Config
	ledger    *ledger.Ledger
	store     Store
	cooldowns *cooldown.Tracker
	exec      *executor.Executor
	journal   Journal
	l         *zap.Logger
}

func New(cfg Config, ldg *ledger.Ledger, store Store, cooldowns *cooldown.Tracker, exec *executor.Executor,
	l *zap.Logger, opts ...Option) *Coordinator {
	if cfg.SaveInterval <= 0 {
		cfg.SaveInterval = defaultSaveInterval
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = executor.DefaultDrainTimeout
	}
	if cfg.TerminateTimeout <= 0 {
		cfg.TerminateTimeout = executor.DefaultTerminateTimeout
	}

	c := &Coordinator{
		cfg:       cfg,
		ledger:    ldg,
		store:     store,
		cooldowns: cooldowns,
		exec:      exec,
		l:         l.Named("lifecycle"),
	}
	for _, opt := range opts {
		opt(c)
	}

	return c
}

// OnJoin makes sure the actor has a store row and loads its balance into the cache.
// It blocks the caller until the load completes.
func (c *Coordinator) OnJoin(ctx context.Context, id domain.ActorID) error {
	actor := zap.String("actor", id.String())

	if c.ledger.Rejoin(id) {
		c.l.Debug("actor rejoined, keeping cached balance", actor)
		return nil
	}

	count, err := c.store.CountRows(id).Wait(ctx)
	if err != nil {
		c.l.Error("failed to check stored balance", actor, zap.Error(err))
		return errors.Wrap(err, "count rows")
	}

	if count == 0 {
		if _, err := c.store.CreateDefault(id, c.cfg.StartMoney).Wait(ctx); err != nil {
			c.l.Error("failed to create default balance", actor, zap.Error(err))
			return errors.Wrap(err, "create default balance")
		}
		c.l.Info("created default balance", actor, zap.String("balance", c.cfg.StartMoney.String()))
	}

	balance, err := c.store.LoadBalance(id).Wait(ctx)
	if err != nil {
		c.l.Error("failed to load balance", actor, zap.Error(err))
		return errors.Wrap(err, "load balance")
	}

	// a concurrent join may have materialized the actor meanwhile
	if cached, installed := c.ledger.Materialize(id, balance); !installed {
		c.l.Debug("actor already loaded, keeping cached balance", actor, zap.String("balance", cached.String()))
		return nil
	}
	c.l.Info("actor joined", actor, zap.String("balance", balance.String()))

	return nil
}

// OnLeave writes the cached balance back without waiting and marks the actor departed.
func (c *Coordinator) OnLeave(id domain.ActorID) (*executor.Future[int64], error) {
	balance, err := c.ledger.MarkDeparted(id)
	if err != nil {
		c.l.Warn("leave for actor without cached balance", zap.String("actor", id.String()))
		return nil, err
	}

	return c.flush(id, balance).Result, nil
}

// FlushAll issues one write-back per cached account. Entries stay cached.
func (c *Coordinator) FlushAll() []Flush {
	accounts := c.ledger.Snapshot()
	flushes := make([]Flush, 0, len(accounts))
	for _, acc := range accounts {
		flushes = append(flushes, c.flush(acc.ID, acc.Balance))
	}

	return flushes
}

func (c *Coordinator) flush(id domain.ActorID, balance decimal.Decimal) Flush {
	return Flush{
		Actor:   id,
		Balance: balance,
		Result: executor.Submit(c.exec, func(ctx context.Context) (int64, error) {
			return c.writeBack(ctx, id, balance)
		}),
	}
}

// writeBack journals the intent, saves the balance and settles the intent.
// It runs on the executor, so the journal fsync never blocks the caller.
func (c *Coordinator) writeBack(ctx context.Context, id domain.ActorID, balance decimal.Decimal) (int64, error) {
	actor := zap.String("actor", id.String())

	var (
		intent    flushjournal.Intent
		journaled bool
	)
	if c.journal != nil {
		var err error
		if intent, err = c.journal.Prepare(id, balance); err != nil {
			c.l.Warn("failed to journal flush intent", actor, zap.Error(err))
		} else {
			journaled = true
		}
	}

	affected, err := c.store.SaveBalance(id, balance).Wait(ctx)
	if err != nil {
		c.l.Error("failed to flush balance", actor, zap.String("balance", balance.String()), zap.Error(err))
		if journaled {
			if markErr := c.journal.MarkFailed(intent, err); markErr != nil {
				c.l.Warn("failed to record failed flush intent", zap.String("intent", intent.ID), zap.Error(markErr))
			}
		}
		return 0, err
	}

	if journaled {
		if err := c.journal.MarkDone(intent); err != nil {
			c.l.Warn("failed to settle flush intent", zap.String("intent", intent.ID), zap.Error(err))
		}
	}

	return affected, nil
}

// FlushAndEvict writes every cached balance back and evicts actors that left
// more than EvictAfter ago, once their write-back is confirmed.
func (c *Coordinator) FlushAndEvict() []Flush {
	versions := make(map[domain.ActorID]uint64)
	for _, d := range c.ledger.Departed(c.cfg.EvictAfter) {
		versions[d.ID] = d.Version
	}

	flushes := c.FlushAll()
	c.l.Debug("interval flush", zap.Int("accounts", len(flushes)), zap.Int("departed", len(versions)))

	for _, fl := range flushes {
		version, ok := versions[fl.Actor]
		if !ok {
			continue
		}
		id := fl.Actor
		fl.Result.OnComplete(func(_ int64, err error) {
			if err != nil {
				return
			}
			if c.ledger.EvictIfUnchanged(id, version) {
				c.l.Debug("evicted departed actor", zap.String("actor", id.String()))
			}
		})
	}

	return flushes
}

// Run drives the interval flush and the cooldown tick until ctx is done.
// The two run on separate goroutines so a slow flush never delays a tick.
func (c *Coordinator) Run(ctx context.Context) error {
	c.l.Info("starting lifecycle loop",
		zap.Duration("save_interval", c.cfg.SaveInterval),
		zap.Duration("tick", c.cfg.TickInterval))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.cooldowns.Run(gctx, c.cfg.TickInterval)
	})
	g.Go(func() error {
		return c.runFlushes(gctx)
	})

	err := g.Wait()
	c.l.Info("context done, stopping lifecycle loop")

	return err
}

func (c *Coordinator) runFlushes(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.SaveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.FlushAndEvict()
		}
	}
}

// OnShutdown flushes every cached balance, waits for the write-backs (bounded by ctx)
// and stops the task pool. Every flush that was not confirmed is logged; a write-back
// still running when the pool gives up is cancelled and journaled as failed.
func (c *Coordinator) OnShutdown(ctx context.Context) error {
	flushes := c.FlushAll()
	c.l.Info("flushing balances before shutdown", zap.Int("accounts", len(flushes)))

	unconfirmed := 0
	for _, fl := range flushes {
		if _, err := fl.Result.Wait(ctx); err != nil {
			unconfirmed++
			c.l.Error("balance flush not confirmed before shutdown",
				zap.String("actor", fl.Actor.String()),
				zap.String("balance", fl.Balance.String()),
				zap.Error(err))
		}
	}

	if err := c.exec.Shutdown(c.cfg.DrainTimeout, c.cfg.TerminateTimeout); err != nil {
		c.l.Error("store executor did not stop cleanly", zap.Error(err))
		return errors.Wrap(err, "shutdown executor")
	}

	if unconfirmed > 0 {
		return errors.Wrapf(ErrUnconfirmedFlushes, "%d of %d", unconfirmed, len(flushes))
	}

	return nil
}

// ReportUnsettled logs every journaled flush the store never confirmed.
func (c *Coordinator) ReportUnsettled() int {
	if c.journal == nil {
		return 0
	}

	unsettled := c.journal.Unsettled()
	for _, intent := range unsettled {
		c.l.Warn("unsettled balance flush from a previous run",
			zap.String("intent", intent.ID),
			zap.String("actor", intent.Actor),
			zap.String("balance", intent.Balance.String()),
			zap.String("status", string(intent.Status)),
			zap.String("error", intent.Error))
	}

	return len(unsettled)
}

func (c *Coordinator) Balance(id domain.ActorID) (decimal.Decimal, error) {
	return c.ledger.Get(id)
}

func (c *Coordinator) Deposit(id domain.ActorID, amount decimal.Decimal) (decimal.Decimal, error) {
	return c.ledger.Deposit(id, amount)
}

// Withdraw subtracts without a floor.
func (c *Coordinator) Withdraw(id domain.ActorID, amount decimal.Decimal) (decimal.Decimal, error) {
	return c.ledger.Withdraw(id, amount)
}

// Spend withdraws only when the balance covers amount.
func (c *Coordinator) Spend(id domain.ActorID, amount decimal.Decimal) (decimal.Decimal, error) {
	return c.ledger.TryWithdraw(id, amount)
}

func (c *Coordinator) SetBalance(id domain.ActorID, amount decimal.Decimal) (decimal.Decimal, error) {
	return c.ledger.Set(id, amount)
}

func (c *Coordinator) SetCooldown(id domain.ActorID, ticks int) {
	c.cooldowns.Set(id, ticks)
}

func (c *Coordinator) Cooldown(id domain.ActorID) (int, bool) {
	return c.cooldowns.Get(id)
}

// Earn deposits amount and starts the earn cooldown. While a cooldown is active
// it fails with ErrCooldownActive and returns the remaining ticks.
func (c *Coordinator) Earn(id domain.ActorID, amount decimal.Decimal) (decimal.Decimal, int, error) {
	if !c.ledger.Has(id) {
		return decimal.Zero, 0, domain.ErrActorNotPresent
	}

	remaining, ok := c.cooldowns.Acquire(id, c.cfg.EarnTicks)
	if !ok {
		return decimal.Zero, remaining, ErrCooldownActive
	}

	balance, err := c.ledger.Deposit(id, amount)
	if err != nil {
		c.cooldowns.Set(id, 0)
		return decimal.Zero, 0, err
	}

	return balance, remaining, nil
}

// Give moves amount from one actor to another as two independent mutations:
// a guarded withdraw from the sender, then a deposit to the target. When the
// deposit fails the sender is refunded.
func (c *Coordinator) Give(from, to domain.ActorID, amount decimal.Decimal) (decimal.Decimal, error) {
	if from == to {
		return decimal.Zero, ErrSelfTransfer
	}
	if !amount.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	if !c.ledger.Has(to) {
		return decimal.Zero, errors.Wrap(domain.ErrActorNotPresent, "target")
	}

	balance, err := c.ledger.TryWithdraw(from, amount)
	if err != nil {
		return balance, err
	}

	if _, err := c.ledger.Deposit(to, amount); err != nil {
		c.l.Warn("give target left before deposit, refunding sender",
			zap.String("from", from.String()), zap.String("to", to.String()), zap.Error(err))
		if _, refundErr := c.ledger.Deposit(from, amount); refundErr != nil {
			c.l.Error("failed to refund sender", zap.String("actor", from.String()),
				zap.String("amount", amount.String()), zap.Error(refundErr))
		}
		return decimal.Zero, errors.Wrap(err, "target")
	}

	c.l.Debug("balance given", zap.String("from", from.String()), zap.String("to", to.String()),
		zap.String("amount", amount.String()))

	return balance, nil
}
