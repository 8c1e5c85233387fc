package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type mockQueue struct {
	mu       sync.Mutex
	jobs     []*Job
	requeued []*Job
	released []*Job
	claimErr error
}

func (m *mockQueue) Claim(ctx context.Context, limit int64) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	jobs := m.jobs
	m.jobs = nil
	return jobs, m.claimErr
}

func (m *mockQueue) Requeue(ctx context.Context, job *Job, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	retry := *job
	retry.Attempts++
	m.requeued = append(m.requeued, &retry)
	return nil
}

func (m *mockQueue) Release(ctx context.Context, job *Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released = append(m.released, job)
	return nil
}

type mockRecorder struct {
	mu      sync.Mutex
	results map[string]int
}

func (m *mockRecorder) RecordScheduledJob(jobType, result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.results == nil {
		m.results = make(map[string]int)
	}
	m.results[result]++
}

func TestPoller_RunOnce(t *testing.T) {
	queue := &mockQueue{jobs: []*Job{
		{ID: "ok", Type: JobClearVerificationCode, AccountID: "a"},
		{ID: "fail", Type: JobClearVerificationCode, AccountID: "b"},
		{ID: "panic", Type: JobClearVerificationCode, AccountID: "c"},
		{ID: "unknown", Type: JobType("other")},
	}}
	recorder := &mockRecorder{}
	p := NewPoller(queue, discardLogger(), recorder, 10, 2)
	p.Register(JobClearVerificationCode, HandlerFunc(func(ctx context.Context, job *Job) error {
		switch job.ID {
		case "fail":
			return errors.New("db down")
		case "panic":
			panic("boom")
		}
		return nil
	}))

	n, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 4 {
		t.Errorf("n = %d, want 4", n)
	}

	if len(queue.requeued) != 2 {
		t.Fatalf("requeued = %d, want 2", len(queue.requeued))
	}
	for _, j := range queue.requeued {
		if j.Attempts != 1 {
			t.Errorf("Attempts = %d, want 1", j.Attempts)
		}
	}

	want := map[string]int{"success": 1, "retry": 2, "unknown": 1}
	for k, v := range want {
		if recorder.results[k] != v {
			t.Errorf("results[%s] = %d, want %d", k, recorder.results[k], v)
		}
	}
}

func TestPoller_DropsAfterMaxAttempts(t *testing.T) {
	queue := &mockQueue{jobs: []*Job{{ID: "j", Type: JobClearVerificationCode, Attempts: 9}}}
	recorder := &mockRecorder{}
	p := NewPoller(queue, discardLogger(), recorder, 10, 1)
	p.Register(JobClearVerificationCode, HandlerFunc(func(ctx context.Context, job *Job) error {
		return errors.New("still failing")
	}))

	if _, err := p.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(queue.requeued) != 0 {
		t.Errorf("上限到達後は再登録しない: %d", len(queue.requeued))
	}
	if recorder.results["dropped"] != 1 {
		t.Errorf("dropped = %d, want 1", recorder.results["dropped"])
	}
}

func TestPoller_ShutdownReleasesClaimedJob(t *testing.T) {
	_, rdb := newTestRedis(t)
	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	queue := newTestScheduler(rdb, &now)

	if _, err := queue.Schedule(context.Background(), 0, JobClearVerificationCode, "acc-1"); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	recorder := &mockRecorder{}
	p := NewPoller(queue, discardLogger(), recorder, 10, 1)
	ran := 0
	p.Register(JobClearVerificationCode, HandlerFunc(func(hctx context.Context, job *Job) error {
		ran++
		cancel()
		<-hctx.Done()
		return hctx.Err()
	}))

	if _, err := p.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if ran != 1 {
		t.Fatalf("ran = %d, want 1", ran)
	}

	pending, err := queue.Pending(context.Background())
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if pending != 1 {
		t.Fatalf("pending = %d, want 1 (停止中に取り出したジョブはキューに残ること)", pending)
	}
	if recorder.results["released"] != 1 || recorder.results["dropped"] != 0 {
		t.Errorf("results = %v, want released=1", recorder.results)
	}

	jobs, err := queue.Claim(context.Background(), 10)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Attempts != 0 || jobs[0].AccountID != "acc-1" {
		t.Errorf("released job = %+v, want the original job with Attempts 0", jobs)
	}
}

func TestPoller_ClaimError(t *testing.T) {
	queue := &mockQueue{claimErr: errors.New("redis down")}
	p := NewPoller(queue, discardLogger(), nil, 10, 1)
	if _, err := p.RunOnce(context.Background()); err == nil {
		t.Error("取り出し失敗はエラーを返すこと")
	}
}

func TestPoller_StartStopsOnCancel(t *testing.T) {
	p := NewPoller(&mockQueue{}, discardLogger(), nil, 10, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Start(ctx, 10*time.Millisecond)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Startがキャンセル後に終了しない")
	}
}

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 5 * time.Second},
		{1, 10 * time.Second},
		{3, 40 * time.Second},
		{10, 5 * time.Minute},
	}
	for _, tt := range tests {
		if got := RetryDelay(tt.attempts); got != tt.want {
			t.Errorf("RetryDelay(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}
