package processor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"

	"portfolio-kanban/domain"
)

type fakeStore struct {
	mu      sync.Mutex
	items   map[string]domain.ItemRecord
	saveErr error
	saves   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{items: map[string]domain.ItemRecord{
		"i1": {Ref: "i1", TypeRef: "feature", StateRef: "backlog", StateChangedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), Rank: 1},
	}}
}

func (f *fakeStore) FetchItem(ctx context.Context, workspaceID, itemRef string) (domain.ItemRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[itemRef]
	if !ok {
		return domain.ItemRecord{}, domain.ErrItemNotFound
	}
	return item, nil
}

func (f *fakeStore) SaveItemPlacement(ctx context.Context, workspaceID string, item domain.ItemRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	if f.saveErr != nil {
		return f.saveErr
	}
	f.items[item.Ref] = item
	return nil
}

type fakeEvictor struct {
	workspaceID string
	typeRef     string
}

func (f *fakeEvictor) EvictBoard(ctx context.Context, workspaceID, typeRef string) {
	f.workspaceID = workspaceID
	f.typeRef = typeRef
}

func envelope(t *testing.T, change domain.StateChange, ts int64) string {
	t.Helper()
	cmd, err := domain.NewStateChangeCommand("k", change)
	if err != nil {
		t.Fatalf("command: %v", err)
	}
	cmd.Timestamp = ts
	payload, err := sonic.MarshalString(domain.CommandEnvelope{WorkspaceID: "ws", UserID: "user", Command: cmd})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return payload
}

func TestHandleMovesItemEvictsAndPublishes(t *testing.T) {
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer m.Close()
	rc := redis.NewClient(&redis.Options{Addr: m.Addr()})
	defer rc.Close()
	ctx := context.Background()

	pubsub := rc.Subscribe(ctx, "board-updates")
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	done := make(chan string, 1)
	go func() {
		msg := <-pubsub.Channel()
		done <- msg.Payload
	}()

	store := newFakeStore()
	evictor := &fakeEvictor{}
	logger, _ := test.NewNullLogger()
	p := New(store, evictor, rc, "board-updates", logger)

	movedAt := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	rank := 7
	if err := p.Handle(ctx, envelope(t, domain.StateChange{ItemRef: "i1", TypeRef: "feature", StateRef: "done", Rank: &rank}, movedAt.UnixMilli())); err != nil {
		t.Fatalf("handle: %v", err)
	}

	item := store.items["i1"]
	if item.StateRef != "done" || !item.StateChangedAt.Equal(movedAt) || item.Rank != 7 {
		t.Fatalf("unexpected item after move: %+v", item)
	}
	if evictor.workspaceID != "ws" || evictor.typeRef != "feature" {
		t.Fatalf("unexpected eviction: %+v", evictor)
	}

	select {
	case pl := <-done:
		var ev domain.BoardUpdate
		if err := sonic.UnmarshalString(pl, &ev); err != nil {
			t.Fatalf("decode update: %v", err)
		}
		if ev.WorkspaceID != "ws" || ev.TypeRef != "feature" || ev.ItemRef != "i1" || ev.Timestamp != movedAt.UnixMilli() {
			t.Fatalf("unexpected update: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("no message received")
	}
}

func TestHandleRankOnlyKeepsStateDate(t *testing.T) {
	store := newFakeStore()
	p := New(store, nil, nil, "", nil)
	before := store.items["i1"].StateChangedAt

	rank := 3
	if err := p.Handle(context.Background(), envelope(t, domain.StateChange{ItemRef: "i1", StateRef: "backlog", Rank: &rank}, time.Now().UnixMilli())); err != nil {
		t.Fatalf("handle: %v", err)
	}
	item := store.items["i1"]
	if !item.StateChangedAt.Equal(before) || item.Rank != 3 {
		t.Fatalf("unexpected item after reorder: %+v", item)
	}
}

func TestHandleRejectsBadCommands(t *testing.T) {
	store := newFakeStore()
	p := New(store, nil, nil, "", nil)
	ctx := context.Background()

	tests := []struct {
		name    string
		payload string
		want    error
	}{
		{name: "notJSON", payload: "{", want: ErrMalformedCommand},
		{name: "wrongType", payload: `{"workspaceId":"ws","command":{"entityType":"task","type":"create"}}`, want: ErrMalformedCommand},
		{name: "missingWorkspace", payload: `{"command":{"entityType":"portfolio-item","type":"item-state-changed","data":{"itemRef":"i1"}}}`, want: ErrMalformedCommand},
		{name: "typeMismatch", payload: envelope(t, domain.StateChange{ItemRef: "i1", TypeRef: "epic", StateRef: "done"}, 0), want: ErrMalformedCommand},
		{name: "unknownItem", payload: envelope(t, domain.StateChange{ItemRef: "nope", StateRef: "done"}, 0), want: domain.ErrItemNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := p.Handle(ctx, tt.payload); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
	if store.saves != 0 {
		t.Fatalf("expected no saves, got %d", store.saves)
	}
}

type fakeQueue struct {
	mu       sync.Mutex
	messages []*azqueue.DequeuedMessage
	deleted  []string
	err      error
}

func (q *fakeQueue) DequeueMessage(ctx context.Context, o *azqueue.DequeueMessageOptions) (azqueue.DequeueMessagesResponse, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var resp azqueue.DequeueMessagesResponse
	if q.err != nil {
		return resp, q.err
	}
	if len(q.messages) > 0 {
		resp.Messages = q.messages[:1]
		q.messages = q.messages[1:]
	}
	return resp, nil
}

func (q *fakeQueue) DeleteMessage(ctx context.Context, messageID string, popReceipt string, o *azqueue.DeleteMessageOptions) (azqueue.DeleteMessageResponse, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deleted = append(q.deleted, messageID)
	return azqueue.DeleteMessageResponse{}, nil
}

func message(id, text string, dequeued int64) *azqueue.DequeuedMessage {
	receipt := "r-" + id
	return &azqueue.DequeuedMessage{MessageID: &id, PopReceipt: &receipt, MessageText: &text, DequeueCount: &dequeued}
}

func TestPollDeletionPolicy(t *testing.T) {
	tests := []struct {
		name       string
		text       string
		dequeued   int64
		saveErr    error
		wantDelete bool
	}{
		{name: "applied", text: "", dequeued: 1, wantDelete: true},
		{name: "malformed", text: "{", dequeued: 1, wantDelete: true},
		{name: "transient", text: "", dequeued: 1, saveErr: errors.New("throttled"), wantDelete: false},
		{name: "poisoned", text: "", dequeued: maxDequeueCount, saveErr: errors.New("throttled"), wantDelete: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text := tt.text
			if text == "" {
				text = envelope(t, domain.StateChange{ItemRef: "i1", StateRef: "done"}, 1)
			}
			store := newFakeStore()
			store.saveErr = tt.saveErr
			logger, _ := test.NewNullLogger()
			p := New(store, nil, nil, "", logger)
			q := &fakeQueue{messages: []*azqueue.DequeuedMessage{message("m1", text, tt.dequeued)}}

			handled, err := p.poll(context.Background(), q)
			if err != nil || !handled {
				t.Fatalf("poll = %v, %v", handled, err)
			}
			if deleted := len(q.deleted) == 1; deleted != tt.wantDelete {
				t.Fatalf("deleted = %v, want %v", deleted, tt.wantDelete)
			}
		})
	}
}

func TestRunDrainsQueueUntilCancelled(t *testing.T) {
	store := newFakeStore()
	store.items["i2"] = domain.ItemRecord{Ref: "i2", TypeRef: "feature"}
	logger, _ := test.NewNullLogger()
	p := New(store, nil, nil, "", logger)
	q := &fakeQueue{messages: []*azqueue.DequeuedMessage{
		message("m1", envelope(t, domain.StateChange{ItemRef: "i1", StateRef: "done"}, 1), 1),
		message("m2", envelope(t, domain.StateChange{ItemRef: "i2", StateRef: "doing"}, 2), 1),
	}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx, q, 10*time.Millisecond)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for {
		q.mu.Lock()
		n := len(q.deleted)
		q.mu.Unlock()
		if n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("queue not drained, deleted %d", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not exit")
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if store.items["i1"].StateRef != "done" || store.items["i2"].StateRef != "doing" {
		t.Fatalf("unexpected items: %+v", store.items)
	}
}

func TestRunBacksOffOnReceiveError(t *testing.T) {
	logger, hook := test.NewNullLogger()
	p := New(newFakeStore(), nil, nil, "", logger)
	q := &fakeQueue{err: errors.New("unreachable")}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	p.Run(ctx, q, 20*time.Millisecond)

	if n := len(hook.AllEntries()); n == 0 || n > 5 {
		t.Fatalf("expected a few receive errors, got %d", n)
	}
}

func TestEnqueueCommandsAppliesInline(t *testing.T) {
	store := newFakeStore()
	evictor := &fakeEvictor{}
	p := New(store, evictor, nil, "", nil)

	cmd, err := domain.NewStateChangeCommand("k", domain.StateChange{ItemRef: "i1", StateRef: ""})
	if err != nil {
		t.Fatalf("command: %v", err)
	}
	if err := p.EnqueueCommands(context.Background(), "ws", "user", []domain.Command{cmd}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if got := store.items["i1"].StateRef; got != "" {
		t.Fatalf("expected item moved to No Entry, got %q", got)
	}
	if evictor.typeRef != "feature" {
		t.Fatalf("expected board eviction")
	}
}
