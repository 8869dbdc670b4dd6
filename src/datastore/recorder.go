package datastore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nhirsama/Goster-GPS/src/inter"
	"github.com/nhirsama/Goster-GPS/src/logger"
	"github.com/nhirsama/Goster-GPS/src/metrics"
	"github.com/rs/zerolog"
)

// job 一次落库任务：样本 (可带事件) 或单独的事件
type job struct {
	ping  *inter.Ping
	event *inter.Event
	at    time.Time
}

// AsyncRecorder 实现 inter.Recorder
// 入队不阻塞，队列满时丢弃；单个写入 goroutine 保证按入队顺序落库
type AsyncRecorder struct {
	store      inter.TrackStore
	queue      chan job
	maxRetries int
	backoff    time.Duration
	log        zerolog.Logger
	now        func() time.Time

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// RecorderOptions 写入器参数
type RecorderOptions struct {
	QueueSize  int
	MaxRetries int
	Backoff    time.Duration // 第 n 次重试前等待 n*Backoff
}

func NewAsyncRecorder(store inter.TrackStore, opts RecorderOptions) *AsyncRecorder {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	return &AsyncRecorder{
		store:      store,
		queue:      make(chan job, opts.QueueSize),
		maxRetries: opts.MaxRetries,
		backoff:    opts.Backoff,
		log:        logger.WithComponent("datastore"),
		now:        time.Now,
		done:       make(chan struct{}),
	}
}

func (r *AsyncRecorder) RecordPing(p inter.Ping, ev *inter.Event) {
	r.enqueue(job{ping: &p, event: ev, at: r.now()})
}

func (r *AsyncRecorder) RecordEvent(ev inter.Event) {
	r.enqueue(job{event: &ev, at: r.now()})
}

func (r *AsyncRecorder) enqueue(j job) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		metrics.StoreDropped.Inc()
		return
	}
	select {
	case r.queue <- j:
	default:
		metrics.StoreDropped.Inc()
		r.log.Warn().Msg("落库队列已满，丢弃记录")
	}
}

// Pending 队列中等待写入的记录数
func (r *AsyncRecorder) Pending() int {
	return len(r.queue)
}

// Run 写入循环 (阻塞调用)
// ctx 结束后停止接收新记录，写完队列中剩余的记录再返回
func (r *AsyncRecorder) Run(ctx context.Context) error {
	defer close(r.done)
	r.log.Info().Int("queue_size", cap(r.queue)).Int("max_retries", r.maxRetries).Msg("落库写入器已启动")

	for {
		select {
		case j := <-r.queue:
			r.write(ctx, j)
		case <-ctx.Done():
			r.mu.Lock()
			r.closed = true
			close(r.queue)
			r.mu.Unlock()

			// 剩余记录使用独立的超时写完
			drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			n := 0
			for j := range r.queue {
				r.write(drainCtx, j)
				n++
			}
			r.log.Info().Int("drained", n).Msg("落库写入器已停止")
			return nil
		}
	}
}

// Wait 等待 Run 返回
func (r *AsyncRecorder) Wait() {
	<-r.done
}

func (r *AsyncRecorder) write(ctx context.Context, j job) {
	var trackingID int64
	if j.ping != nil {
		err := r.retry(ctx, "tracking", func() error {
			id, err := r.store.SaveTracking(ctx, inter.TrackingRecord{Ping: *j.ping, ServerTime: j.at})
			trackingID = id
			return err
		})
		if err != nil {
			r.log.Error().Err(err).Str("device", j.ping.DeviceID).Msg("保存轨迹失败，数据已丢弃")
		}
	}
	if j.event != nil {
		err := r.retry(ctx, "event", func() error {
			return r.store.SaveEvent(ctx, *j.event, trackingID)
		})
		if err != nil {
			r.log.Error().Err(err).Str("device", j.event.DeviceID).Str("event", string(j.event.Type)).Msg("保存事件失败，数据已丢弃")
		}
	}
}

func (r *AsyncRecorder) retry(ctx context.Context, kind string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		if err = fn(); err == nil {
			metrics.StoreWrites.WithLabelValues(kind, "ok").Inc()
			return nil
		}
		metrics.StoreWrites.WithLabelValues(kind, "error").Inc()
		r.log.Warn().Err(err).Str("kind", kind).Int("attempt", attempt).Int("max_retries", r.maxRetries).Msg("写入失败")

		if attempt < r.maxRetries {
			select {
			case <-time.After(time.Duration(attempt) * r.backoff):
			case <-ctx.Done():
				return errors.Join(err, ctx.Err())
			}
		}
	}
	return err
}
