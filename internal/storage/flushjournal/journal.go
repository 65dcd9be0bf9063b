// Package flushjournal records every write-back of a cached balance as an intent
// in a WAL, so flushes the store never confirmed can be listed and replayed.
package flushjournal

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/gowal"
	"github.com/vadiminshakov/orbital/internal/domain"
	"go.uber.org/zap"
)

const (
	intentKeyPrefix   = "flush_intent_"
	walPrefix         = "flush_"
	walSegmentLimit   = 1000
	walMaxSegments    = 100
	walDirPermissions = 0o755
)

// Status of a flush intent.
type Status string

const (
	StatusPending Status = "pending"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

var ErrClosed = errors.New("flush journal is closed")

// Intent is a single write-back of an actor balance.
type Intent struct {
	ID      string          `json:"id"`
	Actor   string          `json:"actor"`
	Balance decimal.Decimal `json:"balance"`
	Status  Status          `json:"status"`
	Time    time.Time       `json:"time"`
	Error   string          `json:"error,omitempty"`
}

// ActorID parses the actor the intent belongs to.
func (i Intent) ActorID() (domain.ActorID, error) {
	return domain.ParseActorID(i.Actor)
}

type record struct {
	intent Intent
	seq    uint64
}

// Journal is safe for concurrent use; store continuations mark intents from executor goroutines.
type Journal struct {
	l   *zap.Logger
	mu  sync.Mutex
	wal *gowal.Wal

	byID   map[string]*record
	latest map[string]*record
	seq    uint64
}

// Open opens or creates the journal under dir and rebuilds its index from the WAL.
func Open(dir string, l *zap.Logger) (*Journal, error) {
	if err := os.MkdirAll(dir, walDirPermissions); err != nil {
		return nil, errors.Wrapf(err, "failed to ensure journal directory %s", dir)
	}

	wal, err := gowal.NewWAL(gowal.Config{
		Dir:              dir,
		Prefix:           walPrefix,
		SegmentThreshold: walSegmentLimit,
		MaxSegments:      walMaxSegments,
		IsInSyncDiskMode: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "init flush journal WAL")
	}

	j := &Journal{
		l:      l.Named("flushjournal"),
		wal:    wal,
		byID:   make(map[string]*record),
		latest: make(map[string]*record),
	}

	for msg := range wal.Iterator() {
		if !strings.HasPrefix(msg.Key, intentKeyPrefix) {
			continue
		}
		var intent Intent
		if err := json.Unmarshal(msg.Value, &intent); err != nil {
			j.l.Error("failed to unmarshal flush intent", zap.Error(err), zap.String("key", msg.Key))
			continue
		}
		j.index(intent)
	}

	return j, nil
}

// index must be called with mu held (or before the journal is shared).
func (j *Journal) index(intent Intent) {
	if rec, ok := j.byID[intent.ID]; ok {
		rec.intent = intent
		return
	}

	j.seq++
	rec := &record{intent: intent, seq: j.seq}
	j.byID[intent.ID] = rec
	j.latest[intent.Actor] = rec
}

// Prepare records a pending flush of balance for id.
func (j *Journal) Prepare(id domain.ActorID, balance decimal.Decimal) (Intent, error) {
	intent := Intent{
		ID:      uuid.New().String(),
		Actor:   id.String(),
		Balance: balance,
		Status:  StatusPending,
		Time:    time.Now().UTC(),
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.persist(intent); err != nil {
		return Intent{}, err
	}
	j.index(intent)

	return intent, nil
}

// MarkDone records that the store confirmed the flush.
func (j *Journal) MarkDone(intent Intent) error {
	intent.Status = StatusDone
	intent.Error = ""

	return j.update(intent)
}

// MarkFailed records that the flush did not complete.
func (j *Journal) MarkFailed(intent Intent, cause error) error {
	intent.Status = StatusFailed
	intent.Error = ""
	if cause != nil {
		intent.Error = cause.Error()
	}

	return j.update(intent)
}

func (j *Journal) update(intent Intent) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, ok := j.byID[intent.ID]; !ok {
		return errors.Errorf("unknown flush intent %s", intent.ID)
	}
	if err := j.persist(intent); err != nil {
		return err
	}
	j.index(intent)

	return nil
}

// Unsettled returns, per actor, the most recent intent when it was never confirmed.
// A confirmed newer flush supersedes older failures of the same actor.
func (j *Journal) Unsettled() []Intent {
	j.mu.Lock()
	defer j.mu.Unlock()

	recs := make([]*record, 0)
	for _, rec := range j.latest {
		if rec.intent.Status != StatusDone {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(a, b int) bool { return recs[a].seq < recs[b].seq })

	out := make([]Intent, len(recs))
	for i, rec := range recs {
		out[i] = rec.intent
	}

	return out
}

// Get returns the current state of an intent.
func (j *Journal) Get(id string) (Intent, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rec, ok := j.byID[id]
	if !ok {
		return Intent{}, false
	}

	return rec.intent, true
}

// Close closes the underlying WAL.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.wal == nil {
		return ErrClosed
	}
	err := j.wal.Close()
	j.wal = nil

	return err
}

func (j *Journal) persist(intent Intent) error {
	if j.wal == nil {
		return ErrClosed
	}

	data, err := json.Marshal(intent)
	if err != nil {
		return errors.Wrap(err, "failed to marshal flush intent")
	}
	key := fmt.Sprintf("%s%s", intentKeyPrefix, intent.ID)
	nextIndex := j.wal.CurrentIndex() + 1

	return errors.Wrap(j.wal.Write(nextIndex, key, data), "write flush intent")
}
