package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestScheduler(rdb redis.Cmdable, now *time.Time) *RedisScheduler {
	s := NewRedisScheduler(rdb, "", discardLogger())
	s.now = func() time.Time { return *now }
	return s
}

func TestRedisScheduler_ScheduleAndClaim(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	s := newTestScheduler(rdb, &now)

	job, err := s.Schedule(ctx, 2*time.Minute, JobClearVerificationCode, "acc-1")
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if !job.DueAt.Equal(now.Add(2 * time.Minute)) {
		t.Errorf("DueAt = %v, want %v", job.DueAt, now.Add(2*time.Minute))
	}

	// 期限前は取り出されない
	jobs, err := s.Claim(ctx, 10)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("期限前に取り出された: %d件", len(jobs))
	}

	now = now.Add(2 * time.Minute)
	jobs, err = s.Claim(ctx, 10)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("len(jobs) = %d, want 1", len(jobs))
	}
	if jobs[0].ID != job.ID || jobs[0].AccountID != "acc-1" || jobs[0].Type != JobClearVerificationCode {
		t.Errorf("job = %+v", jobs[0])
	}

	pending, _ := s.Pending(ctx)
	if pending != 0 {
		t.Errorf("Pending = %d, want 0", pending)
	}
}

func TestRedisScheduler_ClaimIsExclusive(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()
	now := time.Now()
	s := newTestScheduler(rdb, &now)

	for i := 0; i < 20; i++ {
		if _, err := s.Schedule(ctx, 0, JobClearVerificationCode, "acc"); err != nil {
			t.Fatalf("Schedule: %v", err)
		}
	}

	var (
		mu    sync.Mutex
		total int
		wg    sync.WaitGroup
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			jobs, err := newTestScheduler(rdb, &now).Claim(ctx, 100)
			if err != nil {
				t.Errorf("Claim: %v", err)
			}
			mu.Lock()
			total += len(jobs)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if total != 20 {
		t.Errorf("claimed = %d, want 20 (各ジョブは1回だけ獲得される)", total)
	}
}

func TestRedisScheduler_Requeue(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()
	now := time.Now()
	s := newTestScheduler(rdb, &now)

	job, _ := s.Schedule(ctx, 0, JobClearVerificationCode, "acc-1")
	claimed, _ := s.Claim(ctx, 1)
	if len(claimed) != 1 {
		t.Fatalf("len(claimed) = %d, want 1", len(claimed))
	}

	if err := s.Requeue(ctx, claimed[0], 10*time.Second); err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	if got, _ := s.Claim(ctx, 1); len(got) != 0 {
		t.Error("再試行遅延中は取り出されない")
	}

	now = now.Add(10 * time.Second)
	got, _ := s.Claim(ctx, 1)
	if len(got) != 1 {
		t.Fatalf("len(got) = %d, want 1", len(got))
	}
	if got[0].ID != job.ID || got[0].Attempts != 1 {
		t.Errorf("requeued job = %+v", got[0])
	}
}

func TestRedisScheduler_ClaimDropsMalformedMembers(t *testing.T) {
	mr, rdb := newTestRedis(t)
	ctx := context.Background()
	now := time.Now()
	s := newTestScheduler(rdb, &now)

	if _, err := mr.ZAdd(DefaultQueueKey, 0, "not-json"); err != nil {
		t.Fatalf("ZAdd: %v", err)
	}
	jobs, err := s.Claim(ctx, 10)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(jobs) != 0 {
		t.Errorf("len(jobs) = %d, want 0", len(jobs))
	}
	if pending, _ := s.Pending(ctx); pending != 0 {
		t.Errorf("不正なジョブはキューから除去されること: pending=%d", pending)
	}
}
