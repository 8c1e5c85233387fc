// Package scheduler はRedisのソート済みセットを使った遅延ジョブキューと、
// 期限到来ジョブを実行するポーラーを提供する。
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultQueueKey は遅延ジョブを格納するソート済みセットのキー。
const DefaultQueueKey = "storeauth:jobs"

// JobType はジョブの種別。
type JobType string

const (
	// JobClearVerificationCode は電話番号確認コードの消去ジョブ。
	JobClearVerificationCode JobType = "clear_verification_code"
)

// Job は遅延実行されるジョブ。スコアは実行予定時刻（Unixミリ秒）。
type Job struct {
	ID        string    `json:"id"`
	Type      JobType   `json:"type"`
	AccountID string    `json:"account_id"`
	DueAt     time.Time `json:"due_at"`
	Attempts  int       `json:"attempts,omitempty"`
}

// RedisScheduler はRedisのソート済みセットによる遅延ジョブキュー。
// 複数プロセスから同時に取り出しても、ZREMに成功した1つだけがジョブを獲得する。
type RedisScheduler struct {
	rdb    redis.Cmdable
	key    string
	logger *slog.Logger
	now    func() time.Time
}

// NewRedisScheduler はRedisSchedulerを生成する。keyが空の場合はDefaultQueueKeyを使用する。
func NewRedisScheduler(rdb redis.Cmdable, key string, logger *slog.Logger) *RedisScheduler {
	if key == "" {
		key = DefaultQueueKey
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisScheduler{rdb: rdb, key: key, logger: logger, now: time.Now}
}

// WithClock は時刻取得関数を差し替えたRedisSchedulerを返す。
func (s *RedisScheduler) WithClock(now func() time.Time) *RedisScheduler {
	copied := *s
	copied.now = now
	return &copied
}

// Schedule はdelay後に実行するジョブを登録する。
func (s *RedisScheduler) Schedule(ctx context.Context, delay time.Duration, jobType JobType, accountID string) (*Job, error) {
	job := &Job{
		ID:        uuid.NewString(),
		Type:      jobType,
		AccountID: accountID,
		DueAt:     s.now().Add(delay).UTC(),
	}
	if err := s.enqueue(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Requeue は失敗したジョブを試行回数を増やしてdelay後に再登録する。
func (s *RedisScheduler) Requeue(ctx context.Context, job *Job, delay time.Duration) error {
	retry := *job
	retry.Attempts++
	retry.DueAt = s.now().Add(delay).UTC()
	return s.enqueue(ctx, &retry)
}

// Release は取り出したジョブを試行回数・実行予定時刻を変えずにキューへ戻す。
func (s *RedisScheduler) Release(ctx context.Context, job *Job) error {
	return s.enqueue(ctx, job)
}

func (s *RedisScheduler) enqueue(ctx context.Context, job *Job) error {
	member, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}
	err = s.rdb.ZAdd(ctx, s.key, redis.Z{
		Score:  float64(job.DueAt.UnixMilli()),
		Member: string(member),
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

// Claim は実行予定時刻を過ぎたジョブを最大limit件取り出す。
// 取り出したジョブはキューから削除されるため、失敗時は呼び出し側でRequeueする。
func (s *RedisScheduler) Claim(ctx context.Context, limit int64) ([]*Job, error) {
	members, err := s.rdb.ZRangeByScore(ctx, s.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(s.now().UnixMilli(), 10),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list due jobs: %w", err)
	}

	jobs := make([]*Job, 0, len(members))
	for _, member := range members {
		removed, err := s.rdb.ZRem(ctx, s.key, member).Result()
		if err != nil {
			return jobs, fmt.Errorf("failed to claim job: %w", err)
		}
		if removed == 0 {
			// 他のポーラーが先に獲得した
			continue
		}

		var job Job
		if err := json.Unmarshal([]byte(member), &job); err != nil {
			s.logger.Error("不正なジョブを破棄しました",
				slog.String("member", member),
				slog.String("error", err.Error()),
			)
			continue
		}
		jobs = append(jobs, &job)
	}

	return jobs, nil
}

// Pending はキューに残っているジョブ数を返す。
func (s *RedisScheduler) Pending(ctx context.Context) (int64, error) {
	n, err := s.rdb.ZCard(ctx, s.key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return n, nil
}
