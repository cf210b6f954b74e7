package api

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"portfolio-kanban/domain"
)

type recordingQueue struct {
	mu      sync.Mutex
	block   chan struct{}
	err     error
	batches [][]domain.Command
}

func (q *recordingQueue) EnqueueCommands(ctx context.Context, workspaceID, userID string, cmds []domain.Command) error {
	if q.block != nil {
		select {
		case <-q.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.batches = append(q.batches, cmds)
	return nil
}

func (q *recordingQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.batches)
}

type memoryDeduper struct {
	mu      sync.Mutex
	keys    map[string]bool
	removed []string
	addErr  error
}

func newMemoryDeduper() *memoryDeduper {
	return &memoryDeduper{keys: map[string]bool{}}
}

func (d *memoryDeduper) Add(_ context.Context, scope, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.addErr != nil {
		return false, d.addErr
	}
	k := scope + "|" + key
	if d.keys[k] {
		return false, nil
	}
	d.keys[k] = true
	return true, nil
}

func (d *memoryDeduper) Remove(_ context.Context, scope, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.keys, scope+"|"+key)
	d.removed = append(d.removed, key)
	return nil
}

func (d *memoryDeduper) removedKeys() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.removed...)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %v", timeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCommandSenderDeliversJobs(t *testing.T) {
	logger, _ := test.NewNullLogger()
	q := &recordingQueue{}
	s := NewCommandSender(q, nil, logger, SenderConfig{Workers: 2, Buffer: 4})
	defer s.Close()

	for i := 0; i < 3; i++ {
		if !s.TrySubmit(enqueueJob{workspaceID: "ws", userID: "u", cmds: []domain.Command{{IdempotencyKey: "k"}}}) {
			t.Fatalf("submit %d rejected", i)
		}
	}
	waitFor(t, time.Second, func() bool { return q.count() == 3 })
}

func TestCommandSenderRollsBackDedupeOnFailure(t *testing.T) {
	logger, hook := test.NewNullLogger()
	q := &recordingQueue{err: errors.New("queue down")}
	d := newMemoryDeduper()
	if _, err := d.Add(context.Background(), dedupeScope("ws", "u"), "k1"); err != nil {
		t.Fatalf("seed deduper: %v", err)
	}
	s := NewCommandSender(q, d, logger, SenderConfig{Workers: 1, Buffer: 1})

	if !s.TrySubmit(enqueueJob{workspaceID: "ws", userID: "u", added: []string{"k1"}}) {
		t.Fatalf("submit rejected")
	}
	s.Close()

	removed := d.removedKeys()
	if len(removed) != 1 || removed[0] != "k1" {
		t.Fatalf("expected k1 rolled back, got %v", removed)
	}
	if added, _ := d.Add(context.Background(), dedupeScope("ws", "u"), "k1"); !added {
		t.Fatalf("expected key to be reusable after rollback")
	}
	if entry := hook.LastEntry(); entry == nil || entry.Level.String() != "error" {
		t.Fatalf("expected error log, got %#v", entry)
	}
}

func TestCommandSenderHandoffWaitsForCapacity(t *testing.T) {
	logger, _ := test.NewNullLogger()
	q := &recordingQueue{block: make(chan struct{})}
	s := NewCommandSender(q, nil, logger, SenderConfig{Workers: 1, Buffer: 1, HandoffTimeout: 200 * time.Millisecond})
	defer s.Close()

	// First job occupies the worker, second fills the buffer.
	if !s.TrySubmit(enqueueJob{}) {
		t.Fatalf("first submit rejected")
	}
	waitFor(t, time.Second, func() bool { return len(s.jobs) == 0 })
	if !s.TrySubmit(enqueueJob{}) {
		t.Fatalf("second submit rejected")
	}

	done := make(chan bool, 1)
	go func() { done <- s.TrySubmit(enqueueJob{}) }()

	select {
	case <-done:
		t.Fatal("TrySubmit returned before capacity was freed")
	case <-time.After(20 * time.Millisecond):
	}

	close(q.block)
	select {
	case ok := <-done:
		if !ok {
			t.Fatal("expected submit to succeed once capacity freed")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for submit")
	}
}

func TestCommandSenderRejectsWhenSaturated(t *testing.T) {
	logger, _ := test.NewNullLogger()
	q := &recordingQueue{block: make(chan struct{})}
	s := NewCommandSender(q, nil, logger, SenderConfig{Workers: 1, Buffer: 0})
	defer func() {
		close(q.block)
		s.Close()
	}()

	waitFor(t, time.Second, func() bool { return s.TrySubmit(enqueueJob{}) })
	if s.TrySubmit(enqueueJob{}) {
		t.Fatal("expected submit to fail with busy worker and no buffer")
	}
}

func TestCommandSenderRejectsAfterClose(t *testing.T) {
	logger, _ := test.NewNullLogger()
	s := NewCommandSender(&recordingQueue{}, nil, logger, SenderConfig{Workers: 1, Buffer: 1})
	s.Close()
	s.Close()

	if s.TrySubmit(enqueueJob{}) {
		t.Fatal("expected submit to fail after close")
	}
}

func TestNextTimestampIsStrictlyIncreasing(t *testing.T) {
	prev := nextTimestamp()
	for i := 0; i < 1000; i++ {
		next := nextTimestamp()
		if next <= prev {
			t.Fatalf("timestamp went backwards: %d after %d", next, prev)
		}
		prev = next
	}
}
