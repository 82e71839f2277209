package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/adventureharmony/sms-agent/internal/memwindow"
	"github.com/adventureharmony/sms-agent/internal/store"
	"github.com/adventureharmony/sms-agent/internal/suspend"
)

// DefaultPollInterval is the sleep between poll cycles when the queue
// is empty or a cycle errored.
const DefaultPollInterval = 30 * time.Second

// Loop polls the message store and feeds one message at a time to the
// processor. A single loop owns the queue; there is no concurrent
// message processing.
type Loop struct {
	store     store.Store
	processor *Processor
	suspend   *suspend.Manager   // may be nil
	windows   *memwindow.Tracker // may be nil
	interval  time.Duration
	logger    *slog.Logger

	// sleep is replaceable in tests.
	sleep func(ctx context.Context, d time.Duration)
}

// NewLoop creates a worker loop. suspendMgr and windows may be nil;
// when set, their maintenance sweeps run on idle cycles.
func NewLoop(st store.Store, p *Processor, suspendMgr *suspend.Manager, windows *memwindow.Tracker, interval time.Duration, logger *slog.Logger) *Loop {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		store:     st,
		processor: p,
		suspend:   suspendMgr,
		windows:   windows,
		interval:  interval,
		logger:    logger,
		sleep:     sleepCtx,
	}
}

// Run polls until ctx is cancelled. After an empty poll or any error
// the loop sleeps one interval; after successfully handing a message to
// the processor it re-polls immediately.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("worker loop started", "poll_interval", l.interval)

	for {
		if err := ctx.Err(); err != nil {
			l.logger.Info("worker loop stopping", "reason", context.Cause(ctx))
			return err
		}

		m, err := l.store.NextPending()
		if err != nil {
			l.logger.Error("poll for pending message", "error", err)
			l.sleep(ctx, l.interval)
			continue
		}
		if m == nil {
			l.maintain(ctx)
			l.sleep(ctx, l.interval)
			continue
		}

		if err := l.processor.ProcessPendingMessage(ctx, m.ID); err != nil {
			// The processor already recorded the failure on the message;
			// the loop survives and keeps draining the queue.
			l.logger.Error("process message", "message_id", m.ID, "error", err)
			l.sleep(ctx, l.interval)
		}
	}
}

// maintain runs the lazy sweeps that piggyback on idle cycles: expiring
// overdue suspensions and evicting idle conversation windows.
func (l *Loop) maintain(ctx context.Context) {
	if l.suspend != nil {
		if n := l.suspend.Sweep(ctx); n > 0 {
			l.logger.Info("expired suspended conversations", "count", n)
		}
	}
	if l.windows != nil {
		l.windows.Evict()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
