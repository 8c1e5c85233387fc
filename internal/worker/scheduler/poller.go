package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	// initialRetryDelay は失敗ジョブの初回再試行までの遅延。
	initialRetryDelay = 5 * time.Second
	// maxRetryDelay は再試行遅延の上限。
	maxRetryDelay = 5 * time.Minute
	// defaultMaxAttempts を超えたジョブは破棄する。
	defaultMaxAttempts = 10
	// requeueTimeout は停止中でもキューへの書き戻しに使える時間。
	requeueTimeout = 5 * time.Second
)

// Handler はジョブの実行インターフェース。
type Handler interface {
	Handle(ctx context.Context, job *Job) error
}

// HandlerFunc は関数をHandlerとして扱うアダプタ。
type HandlerFunc func(ctx context.Context, job *Job) error

// Handle はf(ctx, job)を呼び出す。
func (f HandlerFunc) Handle(ctx context.Context, job *Job) error {
	return f(ctx, job)
}

// ResultRecorder はジョブ実行結果の記録先（メトリクス）。
type ResultRecorder interface {
	RecordScheduledJob(jobType, result string)
}

// Queue はPollerが使用するジョブキュー。
type Queue interface {
	Claim(ctx context.Context, limit int64) ([]*Job, error)
	Release(ctx context.Context, job *Job) error
	Requeue(ctx context.Context, job *Job, delay time.Duration) error
}

// Poller は一定間隔でキューから期限到来ジョブを取り出して実行する。
type Poller struct {
	queue          Queue
	handlers       map[JobType]Handler
	logger         *slog.Logger
	recorder       ResultRecorder
	batchSize      int64
	maxConcurrency int
	MaxAttempts    int
}

// NewPoller はPollerを生成する。
func NewPoller(queue Queue, logger *slog.Logger, recorder ResultRecorder, batchSize int64, maxConcurrency int) *Poller {
	if batchSize <= 0 {
		batchSize = 100
	}
	if maxConcurrency <= 0 {
		maxConcurrency = 10
	}
	return &Poller{
		queue:          queue,
		handlers:       make(map[JobType]Handler),
		logger:         logger,
		recorder:       recorder,
		batchSize:      batchSize,
		maxConcurrency: maxConcurrency,
		MaxAttempts:    defaultMaxAttempts,
	}
}

// Register はジョブ種別に対するハンドラを登録する。
func (p *Poller) Register(jobType JobType, h Handler) {
	p.handlers[jobType] = h
}

// Start はinterval間隔でRunOnceを実行する。コンテキストがキャンセルされるまで継続する。
func (p *Poller) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.logger.Info("ジョブポーラーを開始しました",
		slog.Duration("interval", interval),
		slog.Int64("batch_size", p.batchSize),
	)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("ジョブポーラーを停止しました")
			return
		case <-ticker.C:
			if _, err := p.RunOnce(ctx); err != nil {
				p.logger.Error("ジョブの取り出しに失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce は期限到来ジョブを取り出し、並列で実行する。実行したジョブ数を返す。
func (p *Poller) RunOnce(ctx context.Context) (int, error) {
	jobs, err := p.queue.Claim(ctx, p.batchSize)
	if err != nil && len(jobs) == 0 {
		return 0, err
	}

	sem := make(chan struct{}, p.maxConcurrency)
	var wg sync.WaitGroup

	for _, job := range jobs {
		wg.Add(1)
		sem <- struct{}{}

		go func(j *Job) {
			defer wg.Done()
			defer func() { <-sem }()
			p.run(ctx, j)
		}(job)
	}

	wg.Wait()
	return len(jobs), err
}

func (p *Poller) run(ctx context.Context, job *Job) {
	logger := p.logger.With(
		slog.String("job_id", job.ID),
		slog.String("job_type", string(job.Type)),
		slog.String("account_id", job.AccountID),
	)

	h, ok := p.handlers[job.Type]
	if !ok {
		logger.Error("未登録のジョブ種別のため破棄しました")
		p.record(job.Type, "unknown")
		return
	}

	err := safeHandle(ctx, h, job)
	if err == nil {
		p.record(job.Type, "success")
		return
	}

	// 停止で中断されたジョブは試行回数に数えず、そのまま戻す
	if ctx.Err() != nil {
		p.release(ctx, logger, job)
		return
	}

	if job.Attempts+1 >= p.MaxAttempts {
		logger.Error("再試行上限に達したためジョブを破棄しました",
			slog.Int("attempts", job.Attempts+1),
			slog.String("error", err.Error()),
		)
		p.record(job.Type, "dropped")
		return
	}

	delay := RetryDelay(job.Attempts)
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), requeueTimeout)
	defer cancel()
	if rerr := p.queue.Requeue(rctx, job, delay); rerr != nil {
		logger.Error("ジョブの再登録に失敗しました",
			slog.String("error", rerr.Error()),
		)
		p.record(job.Type, "dropped")
		return
	}

	logger.Warn("ジョブが失敗したため再試行します",
		slog.Int("attempts", job.Attempts+1),
		slog.Duration("retry_in", delay),
		slog.String("error", err.Error()),
	)
	p.record(job.Type, "retry")
}

func (p *Poller) release(ctx context.Context, logger *slog.Logger, job *Job) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), requeueTimeout)
	defer cancel()

	if err := p.queue.Release(rctx, job); err != nil {
		logger.Error("中断したジョブをキューに戻せませんでした", slog.String("error", err.Error()))
		p.record(job.Type, "dropped")
		return
	}
	logger.Info("停止のため中断したジョブをキューに戻しました")
	p.record(job.Type, "released")
}

func (p *Poller) record(jobType JobType, result string) {
	if p.recorder != nil {
		p.recorder.RecordScheduledJob(string(jobType), result)
	}
}

// safeHandle はハンドラのpanicをエラーに変換する。
func safeHandle(ctx context.Context, h Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, job)
}

// RetryDelay は試行回数に基づく指数バックオフ遅延を返す。
// 初回5秒、2倍ずつ増加、最大5分。
func RetryDelay(attempts int) time.Duration {
	delay := initialRetryDelay
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay > maxRetryDelay {
			return maxRetryDelay
		}
	}
	return delay
}
