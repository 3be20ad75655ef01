// Package poller watches render jobs by re-reading them on an interval until
// they reach a terminal state. It never writes to the store.
package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"clipforge/internal/models"
	"clipforge/internal/pkg/logger"
	"clipforge/internal/ports"
)

const DefaultInterval = 2 * time.Second

var (
	ErrTimeout   = errors.New("poller: gave up waiting for render job")
	ErrJobFailed = errors.New("poller: render job failed")
)

// Snapshot is one consistent read of a job and its clips, highest score first.
type Snapshot struct {
	Job       *models.RenderJob
	Artifacts []models.RenderArtifact
}

// Handlers are called from the watch goroutine. All are optional. A handler
// may call the stop func or start another Watch.
type Handlers struct {
	OnProgress  func(Snapshot)
	OnCompleted func(Snapshot)
	OnFailed    func(s Snapshot, message string)
	// OnTimeout fires when MaxWait elapses first. The job is left untouched
	// and may still finish later.
	OnTimeout func()
}

type Config struct {
	Interval time.Duration
	// MaxWait bounds a watch; zero polls until terminal or stopped.
	MaxWait time.Duration
	Log     *logger.Logger
}

type Poller struct {
	reader   ports.JobReader
	interval time.Duration
	maxWait  time.Duration
	log      *logger.Logger

	mu      sync.Mutex
	watches map[string]*watch
}

type watch struct {
	cancel     context.CancelFunc
	done       chan struct{}
	inCallback atomic.Bool
}

func New(reader ports.JobReader, cfg Config) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Log == nil {
		cfg.Log = logger.NewDefault()
	}
	return &Poller{
		reader:   reader,
		interval: cfg.Interval,
		maxWait:  cfg.MaxWait,
		log:      cfg.Log.WithComponent("poller"),
		watches:  make(map[string]*watch),
	}
}

// Watch starts polling jobID and returns a func that stops it. A previous
// watch on the same id is stopped before the new one issues its first read,
// so at most one timer is ever armed per job id. The first read happens
// immediately.
//
// Once stop returns no further read occurs. It also waits for the watch
// goroutine to exit, except when a handler is running at that moment: then
// stop returns at once, from any goroutine, and that handler may still be
// finishing. The loop exits as soon as it returns.
func (p *Poller) Watch(ctx context.Context, jobID string, h Handlers) (stop func()) {
	wctx, cancel := context.WithCancel(ctx)
	w := &watch{cancel: cancel, done: make(chan struct{})}

	p.mu.Lock()
	prev := p.watches[jobID]
	p.watches[jobID] = w
	p.mu.Unlock()

	if prev != nil {
		prev.stop()
	}

	go p.run(wctx, jobID, w, h)
	return w.stop
}

// Active reports how many job ids are being watched.
func (p *Poller) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.watches)
}

// Close stops every watch.
func (p *Poller) Close() {
	p.mu.Lock()
	all := make([]*watch, 0, len(p.watches))
	for _, w := range p.watches {
		all = append(all, w)
	}
	p.mu.Unlock()

	for _, w := range all {
		w.stop()
	}
}

// Wait blocks until jobID is terminal, ctx ends or MaxWait elapses. A failed
// job returns the snapshot and an error wrapping ErrJobFailed.
func (p *Poller) Wait(ctx context.Context, jobID string, onProgress func(Snapshot)) (Snapshot, error) {
	type result struct {
		snap Snapshot
		err  error
	}
	ch := make(chan result, 1)

	stop := p.Watch(ctx, jobID, Handlers{
		OnProgress:  onProgress,
		OnCompleted: func(s Snapshot) { ch <- result{snap: s} },
		OnFailed: func(s Snapshot, msg string) {
			ch <- result{snap: s, err: &FailedError{JobID: jobID, Message: msg}}
		},
		OnTimeout: func() { ch <- result{err: ErrTimeout} },
	})
	defer stop()

	select {
	case r := <-ch:
		return r.snap, r.err
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

type FailedError struct {
	JobID   string
	Message string
}

func (e *FailedError) Error() string { return "render job " + e.JobID + " failed: " + e.Message }

func (e *FailedError) Unwrap() error { return ErrJobFailed }

func (w *watch) stop() {
	w.cancel()
	if w.inCallback.Load() {
		// A handler may be the caller, so waiting here could deadlock. No
		// read is in flight and the loop sees the cancel once it returns.
		return
	}
	<-w.done
}

func (p *Poller) run(ctx context.Context, jobID string, w *watch, h Handlers) {
	defer close(w.done)
	defer p.forget(jobID, w)

	log := p.log.WithJobID(jobID)

	var deadline <-chan time.Time
	if p.maxWait > 0 {
		t := time.NewTimer(p.maxWait)
		defer t.Stop()
		deadline = t.C
	}

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			log.Info("watch expired before job finished")
			w.call(func() {
				if h.OnTimeout != nil {
					h.OnTimeout()
				}
			})
			return
		case <-timer.C:
		}
		if ctx.Err() != nil {
			return
		}

		if p.tick(ctx, log, w, jobID, h) || ctx.Err() != nil {
			return
		}
		// Armed only after the read finished, so ticks never overlap.
		timer.Reset(p.interval)
	}
}

// tick reads once and reports whether the job is terminal.
func (p *Poller) tick(ctx context.Context, log *logger.Logger, w *watch, jobID string, h Handlers) bool {
	job, err := p.reader.GetJob(ctx, jobID)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn("job read failed, retrying next tick", "error", err.Error())
		}
		return false
	}

	snap := Snapshot{Job: job}
	if job.Status != models.JobPending {
		arts, err := p.reader.ListArtifacts(ctx, jobID)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn("artifact read failed, retrying next tick", "error", err.Error())
			}
			return false
		}
		snap.Artifacts = arts
	}

	switch job.Status {
	case models.JobCompleted:
		w.call(func() {
			if h.OnCompleted != nil {
				h.OnCompleted(snap)
			}
		})
		return true
	case models.JobFailed:
		msg := models.MsgRenderFailed
		if job.ErrorMessage != nil && *job.ErrorMessage != "" {
			msg = *job.ErrorMessage
		}
		w.call(func() {
			if h.OnFailed != nil {
				h.OnFailed(snap, msg)
			}
		})
		return true
	default:
		w.call(func() {
			if h.OnProgress != nil {
				h.OnProgress(snap)
			}
		})
		return false
	}
}

func (w *watch) call(fn func()) {
	w.inCallback.Store(true)
	defer w.inCallback.Store(false)
	fn()
}

func (p *Poller) forget(jobID string, w *watch) {
	p.mu.Lock()
	if p.watches[jobID] == w {
		delete(p.watches, jobID)
	}
	p.mu.Unlock()
}
