package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
)

const defaultSweepBatch = 500

// KeyExpirer は期限切れの鍵をまとめて遷移させる。
type KeyExpirer interface {
	ExpireDue(ctx context.Context, limit int) (int64, error)
}

// ExpirySweeper はcron式に従って期限切れの鍵を expired に遷移させる。
// 取得時の遅延遷移とは独立に動き、どちらが先に遷移させても結果は同じ。
type ExpirySweeper struct {
	expirer KeyExpirer
	cron    string
	batch   int
	now     func() time.Time
	after   func(time.Duration) <-chan time.Time
}

// NewExpirySweeper は新しいExpirySweeperを生成する。cron式が不正な場合はエラーを返す。
func NewExpirySweeper(expirer KeyExpirer, cronExpr string) (*ExpirySweeper, error) {
	if !gronx.IsValid(cronExpr) {
		return nil, fmt.Errorf("invalid expiry sweep cron expression: %q", cronExpr)
	}
	return &ExpirySweeper{
		expirer: expirer,
		cron:    cronExpr,
		batch:   defaultSweepBatch,
		now:     time.Now,
		after:   time.After,
	}, nil
}

// SweepOnce は期限切れの鍵がなくなるまでバッチ単位で遷移させ、遷移させた件数を返す。
func (s *ExpirySweeper) SweepOnce(ctx context.Context) (int64, error) {
	var total int64
	for {
		n, err := s.expirer.ExpireDue(ctx, s.batch)
		total += n
		if err != nil {
			return total, err
		}
		if n < int64(s.batch) {
			return total, nil
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}

// Run は ctx がキャンセルされるまでスケジュールに従ってスイープを実行する。
func (s *ExpirySweeper) Run(ctx context.Context) {
	slog.InfoContext(ctx, "expiry sweeper started", "cron", s.cron)
	for {
		next, err := gronx.NextTickAfter(s.cron, s.now().UTC(), false)
		if err != nil {
			slog.ErrorContext(ctx, "failed to compute next sweep", "cron", s.cron, "error", err)
			next = s.now().Add(time.Minute)
		}

		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "expiry sweeper stopped")
			return
		case <-s.after(time.Until(next)):
		}

		n, err := s.SweepOnce(ctx)
		if err != nil {
			slog.ErrorContext(ctx, "expiry sweep failed", "expired", n, "error", err)
			continue
		}
		if n > 0 {
			slog.InfoContext(ctx, "expiry sweep completed", "expired", n)
		}
	}
}
