package lifecycle

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/orbital/internal/cooldown"
	"github.com/vadiminshakov/orbital/internal/domain"
	"github.com/vadiminshakov/orbital/internal/executor"
	"github.com/vadiminshakov/orbital/internal/ledger"
	"github.com/vadiminshakov/orbital/internal/storage/flushjournal"
	"github.com/vadiminshakov/orbital/internal/storage/ledgerdb"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var startMoney = decimal.NewFromInt(100)

type env struct {
	dir     string
	exec    *executor.Executor
	store   *ledgerdb.Store
	journal *flushjournal.Journal
	ledger  *ledger.Ledger
	coord   *Coordinator
}

func testConfig() Config {
	return Config{
		StartMoney:       startMoney,
		SaveInterval:     time.Hour,
		TickInterval:     time.Hour,
		EarnTicks:        60,
		DrainTimeout:     5 * time.Second,
		TerminateTimeout: time.Second,
	}
}

// newEnv wires a coordinator to a real SQLite file under dir.
func newEnv(t *testing.T, dir string, cfg Config, opts ...Option) *env {
	t.Helper()

	e := &env{dir: dir, exec: executor.New(zap.NewNop())}
	e.store = ledgerdb.New(ledgerdb.Config{Path: filepath.Join(dir, "orbital.db"), Table: "balances"}, e.exec, zap.NewNop())
	require.NoError(t, e.store.Initialize(context.Background()))

	j, err := flushjournal.Open(filepath.Join(dir, "journal"), zap.NewNop())
	require.NoError(t, err)
	e.journal = j

	e.ledger = ledger.New()
	opts = append([]Option{WithJournal(j)}, opts...)
	e.coord = New(cfg, e.ledger, e.store, cooldown.NewTracker(), e.exec, zap.NewNop(), opts...)

	t.Cleanup(func() {
		_ = e.exec.Shutdown(time.Second, time.Second)
		_ = e.store.Close()
		_ = e.journal.Close()
	})

	return e
}

func waitFuture[T any](t *testing.T, f *executor.Future[T]) (T, error) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return f.Wait(ctx)
}

func TestOnJoin_DefaultSeeding(t *testing.T) {
	e := newEnv(t, t.TempDir(), testConfig())
	id := domain.NewActorID()

	require.NoError(t, e.coord.OnJoin(context.Background(), id))

	balance, err := e.coord.Balance(id)
	require.NoError(t, err)
	assert.True(t, startMoney.Equal(balance))

	count, err := waitFuture(t, e.store.CountRows(id))
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestOnJoin_LoadsExistingRow(t *testing.T) {
	e := newEnv(t, t.TempDir(), testConfig())
	id := domain.NewActorID()

	_, err := waitFuture(t, e.store.SaveBalance(id, decimal.NewFromInt(7)))
	require.NoError(t, err)

	require.NoError(t, e.coord.OnJoin(context.Background(), id))
	balance, err := e.coord.Balance(id)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(7).Equal(balance))
}

func TestRoundTrip_ThroughFreshCache(t *testing.T) {
	dir := t.TempDir()
	id := domain.NewActorID()

	first := newEnv(t, dir, testConfig())
	require.NoError(t, first.coord.OnJoin(context.Background(), id))
	_, err := first.coord.Deposit(id, decimal.RequireFromString("12.5"))
	require.NoError(t, err)
	_, err = first.coord.Withdraw(id, decimal.RequireFromString("2.25"))
	require.NoError(t, err)

	f, err := first.coord.OnLeave(id)
	require.NoError(t, err)
	_, err = waitFuture(t, f)
	require.NoError(t, err)
	require.NoError(t, first.coord.OnShutdown(context.Background()))
	require.NoError(t, first.store.Close())
	require.NoError(t, first.journal.Close())

	second := newEnv(t, dir, testConfig())
	require.NoError(t, second.coord.OnJoin(context.Background(), id))

	balance, err := second.coord.Balance(id)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("110.25").Equal(balance), "got %s", balance)
	assert.Zero(t, second.coord.ReportUnsettled())
}

func TestOnJoin_RejoinKeepsCachedBalance(t *testing.T) {
	e := newEnv(t, t.TempDir(), testConfig())
	id := domain.NewActorID()

	require.NoError(t, e.coord.OnJoin(context.Background(), id))
	_, err := e.coord.SetBalance(id, decimal.NewFromInt(55))
	require.NoError(t, err)

	_, err = e.coord.OnLeave(id)
	require.NoError(t, err)

	// a stale row must not win over the cached value
	_, err = waitFuture(t, e.store.SaveBalance(id, decimal.NewFromInt(1)))
	require.NoError(t, err)

	require.NoError(t, e.coord.OnJoin(context.Background(), id))
	balance, err := e.coord.Balance(id)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(55).Equal(balance))
	assert.Empty(t, e.ledger.Departed(0))
}

func TestActorNotPresent(t *testing.T) {
	e := newEnv(t, t.TempDir(), testConfig())
	id := domain.NewActorID()

	_, err := e.coord.OnLeave(id)
	assert.ErrorIs(t, err, domain.ErrActorNotPresent)

	_, err = e.coord.Deposit(id, decimal.NewFromInt(1))
	assert.ErrorIs(t, err, domain.ErrActorNotPresent)

	_, _, err = e.coord.Earn(id, decimal.NewFromInt(1))
	assert.ErrorIs(t, err, domain.ErrActorNotPresent)
	_, active := e.coord.Cooldown(id)
	assert.False(t, active)

	count, err := waitFuture(t, e.store.CountRows(id))
	require.NoError(t, err)
	assert.Zero(t, count, "failed mutations never reach the store")
}

func TestFlushAndEvict(t *testing.T) {
	cfg := testConfig()
	cfg.EvictAfter = 0
	e := newEnv(t, t.TempDir(), cfg)
	leaving, staying := domain.NewActorID(), domain.NewActorID()

	require.NoError(t, e.coord.OnJoin(context.Background(), leaving))
	require.NoError(t, e.coord.OnJoin(context.Background(), staying))
	_, err := e.coord.Deposit(leaving, decimal.NewFromInt(5))
	require.NoError(t, err)
	_, err = e.coord.OnLeave(leaving)
	require.NoError(t, err)

	flushes := e.coord.FlushAndEvict()
	require.Len(t, flushes, 2)
	for _, fl := range flushes {
		_, err := waitFuture(t, fl.Result)
		require.NoError(t, err)
	}

	assert.False(t, e.ledger.Has(leaving), "departed actor is evicted after a confirmed flush")
	assert.True(t, e.ledger.Has(staying))

	balance, err := waitFuture(t, e.store.LoadBalance(leaving))
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(105).Equal(balance))

	require.NoError(t, e.coord.OnJoin(context.Background(), leaving))
	balance, err = e.coord.Balance(leaving)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(105).Equal(balance))
}

func TestFlushAndEvict_KeepsWithinGrace(t *testing.T) {
	cfg := testConfig()
	cfg.EvictAfter = time.Hour
	e := newEnv(t, t.TempDir(), cfg)
	id := domain.NewActorID()

	require.NoError(t, e.coord.OnJoin(context.Background(), id))
	_, err := e.coord.OnLeave(id)
	require.NoError(t, err)

	for _, fl := range e.coord.FlushAndEvict() {
		_, err := waitFuture(t, fl.Result)
		require.NoError(t, err)
	}

	assert.True(t, e.ledger.Has(id))
}

func TestOnShutdown_DrainsInFlightFlushes(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	dir := t.TempDir()
	e := newEnv(t, dir, testConfig())

	const n = 25
	ids := make([]domain.ActorID, n)
	for i := range ids {
		ids[i] = domain.NewActorID()
		require.NoError(t, e.coord.OnJoin(context.Background(), ids[i]))
		_, err := e.coord.SetBalance(ids[i], decimal.NewFromInt(int64(i)))
		require.NoError(t, err)
	}

	require.NoError(t, e.coord.OnShutdown(context.Background()))
	assert.True(t, e.exec.Stopped())
	assert.Zero(t, e.exec.Pending())
	assert.Empty(t, e.journal.Unsettled())

	require.NoError(t, e.store.Close())
	require.NoError(t, e.journal.Close())

	check := newEnv(t, dir, testConfig())
	accounts, err := waitFuture(t, check.store.ListAccounts())
	require.NoError(t, err)
	require.Len(t, accounts, n)

	stored := make(map[domain.ActorID]decimal.Decimal, n)
	for _, acc := range accounts {
		stored[acc.ID] = acc.Balance
	}
	for i, id := range ids {
		assert.True(t, decimal.NewFromInt(int64(i)).Equal(stored[id]), "actor %d", i)
	}

	require.NoError(t, check.exec.Shutdown(time.Second, time.Second))
	require.NoError(t, check.store.Close())
	require.NoError(t, check.journal.Close())
}

func TestEarn_Cooldown(t *testing.T) {
	e := newEnv(t, t.TempDir(), testConfig())
	id := domain.NewActorID()
	require.NoError(t, e.coord.OnJoin(context.Background(), id))

	balance, remaining, err := e.coord.Earn(id, decimal.NewFromInt(3))
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(103).Equal(balance))
	assert.Equal(t, 60, remaining)

	_, remaining, err = e.coord.Earn(id, decimal.NewFromInt(3))
	assert.ErrorIs(t, err, ErrCooldownActive)
	assert.Equal(t, 60, remaining)

	e.coord.SetCooldown(id, 0)
	_, _, err = e.coord.Earn(id, decimal.NewFromInt(1))
	require.NoError(t, err)

	ticks, ok := e.coord.Cooldown(id)
	require.True(t, ok)
	assert.Equal(t, 60, ticks)
}

func TestSpend(t *testing.T) {
	e := newEnv(t, t.TempDir(), testConfig())
	id := domain.NewActorID()
	require.NoError(t, e.coord.OnJoin(context.Background(), id))

	_, err := e.coord.Spend(id, decimal.NewFromInt(101))
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	balance, err := e.coord.Spend(id, decimal.NewFromInt(100))
	require.NoError(t, err)
	assert.True(t, balance.IsZero())
}

func TestRun_FlushesAndTicks(t *testing.T) {
	cfg := testConfig()
	cfg.SaveInterval = 10 * time.Millisecond
	cfg.TickInterval = 5 * time.Millisecond
	e := newEnv(t, t.TempDir(), cfg)
	id := domain.NewActorID()

	require.NoError(t, e.coord.OnJoin(context.Background(), id))
	_, err := e.coord.Deposit(id, decimal.NewFromInt(20))
	require.NoError(t, err)
	e.coord.SetCooldown(id, 3)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.coord.Run(ctx) }()

	assert.Eventually(t, func() bool {
		balance, err := waitFuture(t, e.store.LoadBalance(id))
		return err == nil && decimal.NewFromInt(120).Equal(balance)
	}, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		_, ok := e.coord.Cooldown(id)
		return !ok
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

type mockStore struct {
	mock.Mock
}

func (m *mockStore) CountRows(id domain.ActorID) *executor.Future[int] {
	args := m.Called(id)
	return args.Get(0).(*executor.Future[int])
}

func (m *mockStore) CreateDefault(id domain.ActorID, balance decimal.Decimal) *executor.Future[int64] {
	args := m.Called(id, balance)
	return args.Get(0).(*executor.Future[int64])
}

func (m *mockStore) LoadBalance(id domain.ActorID) *executor.Future[decimal.Decimal] {
	args := m.Called(id)
	return args.Get(0).(*executor.Future[decimal.Decimal])
}

func (m *mockStore) SaveBalance(id domain.ActorID, balance decimal.Decimal) *executor.Future[int64] {
	args := m.Called(id, balance)
	return args.Get(0).(*executor.Future[int64])
}

func TestOnJoin_FailedLoadLeavesEntryUnset(t *testing.T) {
	store := new(mockStore)
	ldg := ledger.New()
	exec := executor.New(zap.NewNop())
	defer exec.Shutdown(time.Second, time.Second)
	coord := New(testConfig(), ldg, store, cooldown.NewTracker(), exec, zap.NewNop())
	id := domain.NewActorID()

	store.On("CountRows", id).Return(executor.Resolved(1, nil))
	store.On("LoadBalance", id).Return(executor.Resolved(decimal.Zero, ledgerdb.ErrConnection))

	err := coord.OnJoin(context.Background(), id)
	assert.ErrorIs(t, err, ledgerdb.ErrConnection)
	assert.False(t, ldg.Has(id))

	_, err = coord.Balance(id)
	assert.ErrorIs(t, err, domain.ErrActorNotPresent)
	assert.True(t, ldg.GetOrDefault(id).IsZero())

	store.AssertNotCalled(t, "CreateDefault", mock.Anything, mock.Anything)
	store.AssertExpectations(t)
}

func TestOnShutdown_ReportsUnconfirmedFlushes(t *testing.T) {
	store := new(mockStore)
	ldg := ledger.New()
	exec := executor.New(zap.NewNop())
	core, logs := observer.New(zapcore.ErrorLevel)

	journal, err := flushjournal.Open(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	defer journal.Close()

	coord := New(testConfig(), ldg, store, cooldown.NewTracker(), exec, zap.New(core), WithJournal(journal))
	id := domain.NewActorID()
	ldg.Materialize(id, decimal.NewFromInt(9))

	store.On("SaveBalance", id, mock.Anything).Return(executor.Resolved(int64(0), ledgerdb.ErrStatement))

	err = coord.OnShutdown(context.Background())
	assert.ErrorIs(t, err, ErrUnconfirmedFlushes)

	entries := logs.FilterMessage("balance flush not confirmed before shutdown").
		FilterField(zap.String("actor", id.String())).All()
	assert.Len(t, entries, 1)

	unsettled := journal.Unsettled()
	require.Len(t, unsettled, 1)
	assert.Equal(t, flushjournal.StatusFailed, unsettled[0].Status)
	assert.Equal(t, 1, coord.ReportUnsettled())
}

// gatedLoadStore blocks the first LoadBalance call until release is closed.
type gatedLoadStore struct {
	Store
	gated   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (s *gatedLoadStore) LoadBalance(id domain.ActorID) *executor.Future[decimal.Decimal] {
	if s.gated.CompareAndSwap(false, true) {
		close(s.entered)
		<-s.release
	}
	return s.Store.LoadBalance(id)
}

func TestOnJoin_ConcurrentJoinKeepsDeposit(t *testing.T) {
	e := newEnv(t, t.TempDir(), testConfig())
	store := &gatedLoadStore{Store: e.store, entered: make(chan struct{}), release: make(chan struct{})}
	coord := New(testConfig(), e.ledger, store, cooldown.NewTracker(), e.exec, zap.NewNop(), WithJournal(e.journal))
	id := domain.NewActorID()

	slowJoin := make(chan error, 1)
	go func() { slowJoin <- coord.OnJoin(context.Background(), id) }()
	<-store.entered

	require.NoError(t, coord.OnJoin(context.Background(), id))
	balance, err := coord.Deposit(id, decimal.NewFromInt(50))
	require.NoError(t, err)
	require.True(t, decimal.NewFromInt(150).Equal(balance))

	close(store.release)
	require.NoError(t, <-slowJoin)

	balance, err = coord.Balance(id)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(150).Equal(balance), "stale load overwrote the deposit: %s", balance)
}

// blockingJournal holds every Prepare until release is closed.
type blockingJournal struct {
	Journal
	release chan struct{}
}

func (j *blockingJournal) Prepare(id domain.ActorID, balance decimal.Decimal) (flushjournal.Intent, error) {
	<-j.release
	return j.Journal.Prepare(id, balance)
}

func TestOnLeave_DoesNotWaitForJournal(t *testing.T) {
	e := newEnv(t, t.TempDir(), testConfig())
	journal := &blockingJournal{Journal: e.journal, release: make(chan struct{})}
	coord := New(testConfig(), e.ledger, e.store, cooldown.NewTracker(), e.exec, zap.NewNop(), WithJournal(journal))
	id := domain.NewActorID()
	require.NoError(t, coord.OnJoin(context.Background(), id))

	left := make(chan *executor.Future[int64], 1)
	go func() {
		f, err := coord.OnLeave(id)
		assert.NoError(t, err)
		left <- f
	}()

	var f *executor.Future[int64]
	select {
	case f = <-left:
	case <-time.After(time.Second):
		t.Fatal("OnLeave blocked on the journal write")
	}

	select {
	case <-f.Done():
		t.Fatal("flush completed before its intent was journaled")
	default:
	}

	close(journal.release)
	_, err := waitFuture(t, f)
	require.NoError(t, err)
	assert.Empty(t, e.journal.Unsettled())

	stored, err := waitFuture(t, e.store.LoadBalance(id))
	require.NoError(t, err)
	assert.True(t, startMoney.Equal(stored))
}

func TestRun_TicksWhileFlushIsSlow(t *testing.T) {
	cfg := testConfig()
	cfg.SaveInterval = 5 * time.Millisecond
	cfg.TickInterval = 5 * time.Millisecond
	e := newEnv(t, t.TempDir(), cfg)
	journal := &blockingJournal{Journal: e.journal, release: make(chan struct{})}
	coord := New(cfg, e.ledger, e.store, cooldown.NewTracker(), e.exec, zap.NewNop(), WithJournal(journal))
	id := domain.NewActorID()
	require.NoError(t, coord.OnJoin(context.Background(), id))
	coord.SetCooldown(id, 3)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- coord.Run(ctx) }()

	assert.Eventually(t, func() bool {
		_, ok := coord.Cooldown(id)
		return !ok
	}, 2*time.Second, 5*time.Millisecond, "cooldown must keep ticking while flushes are stuck")

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	close(journal.release)
}

func TestGive(t *testing.T) {
	e := newEnv(t, t.TempDir(), testConfig())
	from, to := domain.NewActorID(), domain.NewActorID()
	require.NoError(t, e.coord.OnJoin(context.Background(), from))
	require.NoError(t, e.coord.OnJoin(context.Background(), to))

	balanceOf := func(t *testing.T, id domain.ActorID) decimal.Decimal {
		t.Helper()
		b, err := e.coord.Balance(id)
		require.NoError(t, err)
		return b
	}

	tests := []struct {
		name    string
		to      domain.ActorID
		amount  decimal.Decimal
		wantErr error
	}{
		{name: "Self target", to: from, amount: decimal.NewFromInt(1), wantErr: ErrSelfTransfer},
		{name: "Cannot afford", to: to, amount: decimal.NewFromInt(101), wantErr: domain.ErrInsufficientFunds},
		{name: "Zero amount", to: to, amount: decimal.Zero, wantErr: ErrInvalidAmount},
		{name: "Target not present", to: domain.NewActorID(), amount: decimal.NewFromInt(1), wantErr: domain.ErrActorNotPresent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.coord.Give(from, tt.to, tt.amount)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.True(t, startMoney.Equal(balanceOf(t, from)), "sender untouched")
			assert.True(t, startMoney.Equal(balanceOf(t, to)), "target untouched")
		})
	}

	balance, err := e.coord.Give(from, to, decimal.RequireFromString("40.5"))
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("59.5").Equal(balance))
	assert.True(t, decimal.RequireFromString("59.5").Equal(balanceOf(t, from)))
	assert.True(t, decimal.RequireFromString("140.5").Equal(balanceOf(t, to)))
}
