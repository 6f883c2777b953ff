package queue

import (
	"context"
	"sync"
	"time"

	"collabhub/logger"
	"collabhub/module/document"
	"collabhub/service/storage"
	"collabhub/tools/errs"
)

// Worker drains the queue one job per tick, applies writes through the data
// gateway, records history, and refreshes the content cache. Multiple worker
// processes may run concurrently: the list pop is atomic.
type Worker struct {
	q       *Queue
	gw      document.Gateway
	cache   *storage.ContentCache
	tick    time.Duration
	timeout time.Duration

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

type WorkerConfig struct {
	Tick       time.Duration
	JobTimeout time.Duration
}

func NewWorker(q *Queue, gw document.Gateway, cache *storage.ContentCache, cfg WorkerConfig) *Worker {
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 30 * time.Second
	}
	return &Worker{q: q, gw: gw, cache: cache, tick: cfg.Tick, timeout: cfg.JobTimeout}
}

// Start schedules the polling tick. Safe to call once.
func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	go w.loop()
	logger.Infof("[worker] started, tick=%s", w.tick)
}

// Stop cancels the tick; the in-flight job runs to completion or its
// timeout.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stop)
	done := w.done
	w.mu.Unlock()
	<-done
	logger.Infof("[worker] stopped")
}

func (w *Worker) loop() {
	defer close(w.done)
	t := time.NewTicker(w.tick)
	defer t.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-t.C:
			w.tickOnce()
		}
	}
}

func (w *Worker) tickOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	job, err := w.q.DequeueOne(ctx)
	if err != nil {
		logger.Warnf("[worker] dequeue: %v", err)
		return
	}
	if job == nil {
		return
	}

	switch job.Type {
	case TypeDocumentUpdate:
		w.handleDocumentUpdate(ctx, job)
	default:
		_ = w.q.Fail(ctx, job, errs.New("unknown job type "+job.Type), false)
	}
}

func (w *Worker) handleDocumentUpdate(ctx context.Context, job *Job) {
	p := job.Payload

	doc, err := w.gw.Update(ctx, p.DocumentID, p.PrincipalID, p.Updates.Title, p.Updates.Body)
	if err != nil {
		// a missing document or revoked access never heals: dead-letter
		// without burning retries
		retryable := !errs.IsNotFound(err) && !errs.IsAccessDenied(err)
		if failErr := w.q.Fail(ctx, job, err, retryable); failErr != nil {
			logger.Errorf("[worker] fail bookkeeping %s: %v", job.ID, failErr)
		}
		return
	}

	if err := w.cache.Put(ctx, p.DocumentID, doc.Body, doc.Title); err != nil {
		logger.Warnf("[worker] cache refresh doc=%s: %v", p.DocumentID, err)
	}

	// history is best effort
	if err := w.gw.AppendHistory(ctx, document.EditRecord{
		DocumentID:  p.DocumentID,
		PrincipalID: p.PrincipalID,
		Operation:   "update",
		Version:     time.Now().UnixMilli(),
	}); err != nil {
		logger.Warnf("[worker] history append doc=%s: %v", p.DocumentID, err)
	}

	if err := w.q.Complete(ctx, job.ID); err != nil {
		logger.Errorf("[worker] complete %s: %v", job.ID, err)
	}
}
