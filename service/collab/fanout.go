package collab

import (
	"sync/atomic"

	"collabhub/logger"
	"collabhub/tools/safe"
)

type fanoutJob struct {
	conns   []*Client
	payload []byte
}

// Fanout spreads broadcast writes across a small worker pool so one slow
// batch cannot serialize relay delivery. Enqueue never blocks: a full job
// queue sheds the batch and counts it.
type Fanout struct {
	jobs    chan fanoutJob
	dropped atomic.Int64
}

func NewFanout(workers, queueLen int) *Fanout {
	if workers <= 0 {
		workers = 4
	}
	if queueLen <= 0 {
		queueLen = 1024
	}
	f := &Fanout{jobs: make(chan fanoutJob, queueLen)}
	for i := 0; i < workers; i++ {
		safe.Go(f.worker)
	}
	return f
}

// Broadcast enqueues one payload for a batch of connections.
func (f *Fanout) Broadcast(conns []*Client, payload []byte) {
	if len(conns) == 0 || payload == nil {
		return
	}
	select {
	case f.jobs <- fanoutJob{conns: conns, payload: payload}:
	default:
		n := f.dropped.Add(1)
		if n%100 == 1 {
			logger.Warnf("[collab] fanout queue full, dropped=%d batches", n)
		}
	}
}

// Dropped reports how many whole batches were shed.
func (f *Fanout) Dropped() int64 { return f.dropped.Load() }

func (f *Fanout) worker() {
	for job := range f.jobs {
		for _, c := range job.conns {
			c.Enqueue(job.payload)
		}
	}
}
