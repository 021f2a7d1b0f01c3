package workflow

import (
	"context"
	"log/slog"
	"time"

	"jobboard/db"

	"github.com/sethvargo/go-retry"
)

const sweepBatch = 500

// ReleaseDueWarrantyHolds выплачивает все удержания с истекшим сроком.
// Каждый заказ обрабатывается в своей транзакции; временные сбои повторяются
// с экспоненциальной задержкой, а неудачные заказы остаются HELD до следующего прохода.
func (s *Service) ReleaseDueWarrantyHolds(ctx context.Context) (int, error) {
	var due []int64
	err := s.inTx(ctx, "list_due_warranty_holds", func(tx db.Tx) error {
		var err error
		due, err = tx.ListDueWarrantyHolds(ctx, s.now(), sweepBatch)
		return err
	})
	if err != nil {
		return 0, err
	}

	released := 0
	for _, jobID := range due {
		b := retry.WithMaxRetries(3, retry.NewExponential(100*time.Millisecond))
		err := retry.Do(ctx, b, func(ctx context.Context) error {
			res, err := s.ReleaseWarrantyHold(ctx, jobID)
			if err != nil {
				if CodeOf(err) == CodeInternal {
					return retry.RetryableError(err)
				}
				return err
			}
			if res.Outcome == ReleaseDone {
				released++
			}
			return nil
		})
		if err != nil {
			slog.WarnContext(ctx, "warranty release postponed", "job_id", jobID, "error", err)
		}
	}
	return released, nil
}

// RunWarrantySweeper запускает ReleaseDueWarrantyHolds раз в interval до отмены ctx
func (s *Service) RunWarrantySweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		released, err := s.ReleaseDueWarrantyHolds(ctx)
		if err != nil {
			slog.ErrorContext(ctx, "warranty sweep failed", "error", err)
		} else if released > 0 {
			slog.InfoContext(ctx, "warranty sweep finished", "released", released)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
