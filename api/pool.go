package api

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"portfolio-kanban/domain"
)

// SenderConfig sizes the enqueue worker pool.
type SenderConfig struct {
	Workers        int
	Buffer         int
	Timeout        time.Duration
	HandoffTimeout time.Duration
}

func (c SenderConfig) withDefaults() SenderConfig {
	if c.Workers <= 0 {
		c.Workers = 32
	}
	if c.Buffer < 0 {
		c.Buffer = 0
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	return c
}

type enqueueJob struct {
	workspaceID string
	userID      string
	cmds        []domain.Command
	added       []string // keys recorded in the deduper, rolled back on failure
}

// CommandSender hands accepted commands to a pool of workers that push them
// to the command queue off the request path.
type CommandSender struct {
	queue   CommandQueue
	deduper Deduper
	log     *log.Logger
	cfg     SenderConfig

	mu     sync.RWMutex
	jobs   chan enqueueJob
	closed bool
	wg     sync.WaitGroup
}

// NewCommandSender starts cfg.Workers workers. Close stops them.
func NewCommandSender(queue CommandQueue, deduper Deduper, logger *log.Logger, cfg SenderConfig) *CommandSender {
	if logger == nil {
		panic("api.NewCommandSender: logger is nil")
	}
	cfg = cfg.withDefaults()
	s := &CommandSender{
		queue:   queue,
		deduper: deduper,
		log:     logger,
		cfg:     cfg,
		jobs:    make(chan enqueueJob, cfg.Buffer),
	}
	for i := 0; i < cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	logger.Infof("command sender started, workers: %d, buffer: %d, timeout: %v, handoff: %v",
		cfg.Workers, cfg.Buffer, cfg.Timeout, cfg.HandoffTimeout)
	return s
}

// Close stops accepting jobs and waits for queued ones to drain.
func (s *CommandSender) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.jobs)
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *CommandSender) worker(id int) {
	defer s.wg.Done()
	for j := range s.jobs {
		if err := s.send(context.Background(), j); err != nil {
			s.log.Errorf("enqueue failed, err: %v, user: %s, count: %d, worker: %d", err, j.userID, len(j.cmds), id)
		}
	}
}

// send enqueues the job and rolls back its dedupe keys on failure.
func (s *CommandSender) send(ctx context.Context, j enqueueJob) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	err := s.queue.EnqueueCommands(ctx, j.workspaceID, j.userID, j.cmds)
	cancel()
	if err == nil {
		return nil
	}
	if s.deduper != nil {
		scope := dedupeScope(j.workspaceID, j.userID)
		for _, k := range j.added {
			if rerr := s.deduper.Remove(context.Background(), scope, k); rerr != nil {
				s.log.Errorf("dedupe rollback failed, err: %v, key: %s, user: %s", rerr, k, j.userID)
			}
		}
	}
	return err
}

// TrySubmit queues the job without blocking beyond the handoff timeout. It
// reports false when the pool is saturated or closed; callers then enqueue
// inline through send.
func (s *CommandSender) TrySubmit(j enqueueJob) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}

	select {
	case s.jobs <- j:
		return true
	default:
	}
	if s.cfg.HandoffTimeout <= 0 {
		return false
	}

	timer := time.NewTimer(s.cfg.HandoffTimeout)
	defer timer.Stop()
	select {
	case s.jobs <- j:
		return true
	case <-timer.C:
		return false
	}
}

var lastTimestamp atomic.Int64

// nextTimestamp returns a strictly increasing Unix millisecond timestamp so
// commands accepted by this instance keep their order.
func nextTimestamp() int64 {
	for {
		now := time.Now().UnixMilli()
		prev := lastTimestamp.Load()
		if now <= prev {
			now = prev + 1
		}
		if lastTimestamp.CompareAndSwap(prev, now) {
			return now
		}
	}
}
