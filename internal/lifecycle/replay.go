package lifecycle

import (
	"context"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/orbital/internal/storage/flushjournal"
	"github.com/vadiminshakov/orbital/pkg/retrier"
	"go.uber.org/zap"
)

// ReplayResult summarises a journal replay.
type ReplayResult struct {
	Applied []flushjournal.Intent
	Failed  []flushjournal.Intent
}

// Replay writes every unsettled flush intent back to the store. It is an explicit
// operator action and must not run while a daemon owns the same store.
func Replay(ctx context.Context, journal Journal, store Store, r *retrier.Retrier, l *zap.Logger) (ReplayResult, error) {
	var result ReplayResult

	for _, intent := range journal.Unsettled() {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		log := l.With(zap.String("intent", intent.ID), zap.String("actor", intent.Actor))

		id, err := intent.ActorID()
		if err != nil {
			log.Error("skipping intent with invalid actor", zap.Error(err))
			result.Failed = append(result.Failed, intent)
			continue
		}

		err = r.Do(ctx, func(ctx context.Context) error {
			_, err := store.SaveBalance(id, intent.Balance).Wait(ctx)
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			log.Error("failed to replay flush", zap.Error(err))
			if markErr := journal.MarkFailed(intent, err); markErr != nil {
				return result, errors.Wrap(markErr, "record failed replay")
			}
			result.Failed = append(result.Failed, intent)
			continue
		}

		if err := journal.MarkDone(intent); err != nil {
			return result, errors.Wrap(err, "settle replayed intent")
		}
		log.Info("replayed flush", zap.String("balance", intent.Balance.String()))
		result.Applied = append(result.Applied, intent)
	}

	return result, nil
}
