package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ReaperResult 是一次清理的结果。
type ReaperResult struct {
	ExpiredFiles  int64
	ExpiredChunks int64
	GC            *GCResult
	Duration      time.Duration
}

// Reaper 周期性删除过期的临时记录与分块，并按 GC 间隔执行垃圾回收。
// 对于有原生 TTL 的后端，过期清理只是兜底。
type Reaper struct {
	fc         *FileCenter
	interval   time.Duration
	gcInterval time.Duration
	logger     *slog.Logger

	mu     sync.Mutex // 防止 RunOnce 重叠执行
	lastGC time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewReaper 创建清理器。gcInterval 为 0 时不执行垃圾回收。
func NewReaper(fc *FileCenter, interval, gcInterval time.Duration, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reaper{
		fc:         fc,
		interval:   interval,
		gcInterval: gcInterval,
		logger:     logger.With(slog.String("component", "reaper")),
	}
}

// Start 启动后台协程，启动后立即执行一次。
func (r *Reaper) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go r.run(runCtx)

	r.logger.Info("reaper started",
		slog.String("interval", r.interval.String()),
		slog.String("gc_interval", r.gcInterval.String()),
	)
}

// Stop 停止后台协程并等待当前一轮结束。
func (r *Reaper) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
	r.cancel = nil
	r.logger.Info("reaper stopped")
}

func (r *Reaper) run(ctx context.Context) {
	defer close(r.done)

	r.runLogged(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runLogged(ctx)
		}
	}
}

func (r *Reaper) runLogged(ctx context.Context) {
	if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
		r.logger.Error("reaper run failed", slog.String("error", err.Error()))
	}
}

// RunOnce 执行一轮清理。
func (r *Reaper) RunOnce(ctx context.Context) (*ReaperResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	now := r.fc.now()
	result := &ReaperResult{}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := r.fc.files.DeleteExpired(gctx, now)
		result.ExpiredFiles = n
		if err != nil {
			return storeError("reap files", err)
		}
		return nil
	})
	g.Go(func() error {
		n, err := r.fc.chunks.DeleteExpired(gctx, now)
		result.ExpiredChunks = n
		if err != nil {
			return storeError("reap chunks", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if r.gcInterval > 0 && (r.lastGC.IsZero() || now.Sub(r.lastGC) >= r.gcInterval) {
		gc, err := r.fc.ClearGarbage(ctx)
		if err != nil {
			return nil, err
		}
		r.lastGC = now
		result.GC = &gc
	}

	result.Duration = time.Since(start)
	reaperRunsTotal.Inc()
	reaperDuration.Observe(result.Duration.Seconds())

	r.logger.Debug("reaper run finished",
		slog.Int64("expired_files", result.ExpiredFiles),
		slog.Int64("expired_chunks", result.ExpiredChunks),
		slog.Bool("gc", result.GC != nil),
		slog.Duration("duration", result.Duration),
	)
	return result, nil
}
