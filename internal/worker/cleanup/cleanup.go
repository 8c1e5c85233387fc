// Package cleanup は期限切れ確認コードの掃除ジョブを提供する。
// 遅延ジョブ（worker/scheduler）が失われた場合の保険として、
// 送信からTTL+猶予を過ぎた確認コードを定期的に消去する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// JobType はメトリクスに記録するジョブ種別。
const JobType = "sweep_verification_codes"

// StaleCodeClearer は古い確認コードを消去するリポジトリ操作。
// repository.AccountRepositoryの部分集合として定義する。
type StaleCodeClearer interface {
	ClearStaleVerificationCodes(ctx context.Context, before time.Time) (int64, error)
}

// ResultRecorder はジョブの実行結果を記録する。
type ResultRecorder interface {
	RecordScheduledJob(jobType, result string)
}

// CleanupJob は確認コードの掃除ジョブ。
// 冪等であり、何度実行しても確認済みフラグには触れない。
type CleanupJob struct {
	accounts StaleCodeClearer
	recorder ResultRecorder
	logger   *slog.Logger
	now      func() time.Time

	CodeTTL time.Duration // 確認コードの有効期間（デフォルト: 2分）
	Grace   time.Duration // 遅延ジョブに任せる猶予（デフォルト: 10分）
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(accounts StaleCodeClearer, recorder ResultRecorder, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		accounts: accounts,
		recorder: recorder,
		logger:   logger,
		now:      time.Now,
		CodeTTL:  2 * time.Minute,
		Grace:    10 * time.Minute,
	}
}

// Cutoff はこれより前に送信された確認コードを掃除対象とする時刻を返す。
func (j *CleanupJob) Cutoff() time.Time {
	return j.now().Add(-(j.CodeTTL + j.Grace))
}

// Run は送信からCodeTTL+Graceを過ぎた確認コードを消去する。
// 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	cutoff := j.Cutoff()

	cleared, err := j.accounts.ClearStaleVerificationCodes(ctx, cutoff)
	if err != nil {
		j.record("error")
		j.logger.Error("確認コードの掃除に失敗しました",
			slog.String("error", err.Error()),
			slog.Time("cutoff", cutoff),
		)
		return fmt.Errorf("確認コードの掃除に失敗: %w", err)
	}

	j.record("success")

	level := slog.LevelDebug
	if cleared > 0 {
		// 遅延ジョブが取りこぼしたコードがあったことを示す
		level = slog.LevelWarn
	}
	j.logger.Log(ctx, level, "確認コードの掃除が完了しました",
		slog.Int64("cleared_count", cleared),
		slog.Time("cutoff", cutoff),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return nil
}

// Start は起動直後に1回実行し、以降intervalごとにRunを繰り返す。
// ctxがキャンセルされると戻る。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	j.Run(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("確認コード掃除ジョブを停止しました")
			return
		case <-ticker.C:
			j.Run(ctx)
		}
	}
}

func (j *CleanupJob) record(result string) {
	if j.recorder != nil {
		j.recorder.RecordScheduledJob(JobType, result)
	}
}
