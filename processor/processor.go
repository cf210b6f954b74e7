// Package processor applies queued board commands to the item store and
// announces the resulting board changes.
package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"portfolio-kanban/domain"
)

// ItemStore reads and writes item placement.
type ItemStore interface {
	FetchItem(ctx context.Context, workspaceID, itemRef string) (domain.ItemRecord, error)
	SaveItemPlacement(ctx context.Context, workspaceID string, item domain.ItemRecord) error
}

// BoardEvictor drops cached board data after a change.
type BoardEvictor interface {
	EvictBoard(ctx context.Context, workspaceID, typeRef string)
}

// Queue is the part of azqueue.QueueClient the dequeue loop uses.
type Queue interface {
	DequeueMessage(ctx context.Context, o *azqueue.DequeueMessageOptions) (azqueue.DequeueMessagesResponse, error)
	DeleteMessage(ctx context.Context, messageID string, popReceipt string, o *azqueue.DeleteMessageOptions) (azqueue.DeleteMessageResponse, error)
}

// ErrMalformedCommand marks payloads that can never be applied.
var ErrMalformedCommand = errors.New("malformed command")

// maxDequeueCount is how often a message may fail before it is dropped.
const maxDequeueCount = 5

// Processor applies commands and publishes board updates.
type Processor struct {
	store   ItemStore
	cache   BoardEvictor
	redis   *redis.Client
	channel string
	log     *log.Logger
	now     func() time.Time
}

// New creates a processor. cache and rc may be nil.
func New(store ItemStore, cache BoardEvictor, rc *redis.Client, channel string, logger *log.Logger) *Processor {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Processor{
		store:   store,
		cache:   cache,
		redis:   rc,
		channel: channel,
		log:     logger,
		now:     time.Now,
	}
}

// Handle applies one queued command envelope.
func (p *Processor) Handle(ctx context.Context, payload string) error {
	var env domain.CommandEnvelope
	if err := sonic.UnmarshalString(payload, &env); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}
	return p.Dispatch(ctx, env)
}

// Dispatch applies env, evicts the affected board from the cache and
// publishes the change.
func (p *Processor) Dispatch(ctx context.Context, env domain.CommandEnvelope) error {
	update, err := p.Apply(ctx, env)
	if err != nil {
		return err
	}

	if p.cache != nil {
		p.cache.EvictBoard(ctx, update.WorkspaceID, update.TypeRef)
	}
	if p.redis != nil && p.channel != "" {
		data, err := sonic.MarshalString(update)
		if err != nil {
			return err
		}
		if err := p.redis.Publish(ctx, p.channel, data).Err(); err != nil {
			p.log.Errorf("Unable to publish board update for %s to %s: %v", update.ItemRef, p.channel, err)
		}
	}
	return nil
}

// EnqueueCommands applies cmds synchronously. It lets a Processor stand in
// for the command queue when the store has no queue of its own.
func (p *Processor) EnqueueCommands(ctx context.Context, workspaceID, userID string, cmds []domain.Command) error {
	for _, cmd := range cmds {
		env := domain.CommandEnvelope{WorkspaceID: workspaceID, UserID: userID, Command: cmd}
		if err := p.Dispatch(ctx, env); err != nil {
			return err
		}
	}
	return nil
}

// Apply moves the item named by the command and returns the board update to announce.
func (p *Processor) Apply(ctx context.Context, env domain.CommandEnvelope) (domain.BoardUpdate, error) {
	cmd := env.Command
	if env.WorkspaceID == "" {
		return domain.BoardUpdate{}, fmt.Errorf("%w: missing workspace", ErrMalformedCommand)
	}
	if cmd.EntityType != domain.EntityTypeItem || cmd.Type != domain.CommandItemStateChanged {
		return domain.BoardUpdate{}, fmt.Errorf("%w: unsupported command %s/%s", ErrMalformedCommand, cmd.EntityType, cmd.Type)
	}
	change, err := domain.DecodeStateChange(cmd)
	if err != nil || change.ItemRef == "" {
		return domain.BoardUpdate{}, fmt.Errorf("%w: bad state change payload", ErrMalformedCommand)
	}

	item, err := p.store.FetchItem(ctx, env.WorkspaceID, change.ItemRef)
	if err != nil {
		return domain.BoardUpdate{}, fmt.Errorf("fetch item %s: %w", change.ItemRef, err)
	}
	if change.TypeRef != "" && change.TypeRef != item.TypeRef {
		return domain.BoardUpdate{}, fmt.Errorf("%w: item %s is not of type %s", ErrMalformedCommand, item.Ref, change.TypeRef)
	}

	at := p.now()
	if cmd.Timestamp > 0 {
		at = time.UnixMilli(cmd.Timestamp)
	}
	if err := p.store.SaveItemPlacement(ctx, env.WorkspaceID, domain.ApplyStateChange(item, change, at)); err != nil {
		return domain.BoardUpdate{}, fmt.Errorf("save item %s: %w", item.Ref, err)
	}
	p.log.WithFields(log.Fields{
		"workspace": env.WorkspaceID,
		"user":      env.UserID,
		"item":      item.Ref,
		"from":      item.StateRef,
		"to":        change.StateRef,
	}).Debug("item moved")

	return domain.BoardUpdate{
		WorkspaceID: env.WorkspaceID,
		TypeRef:     item.TypeRef,
		ItemRef:     item.Ref,
		Timestamp:   at.UnixMilli(),
	}, nil
}

// Run dequeues and handles commands until ctx is cancelled. Messages that
// cannot be applied are deleted; transient failures are left for redelivery.
func (p *Processor) Run(ctx context.Context, q Queue, idle time.Duration) {
	if idle <= 0 {
		idle = time.Second
	}
	for ctx.Err() == nil {
		handled, err := p.poll(ctx, q)
		if err != nil {
			p.log.Errorf("receive: %v", err)
		}
		if err != nil || !handled {
			select {
			case <-ctx.Done():
				return
			case <-time.After(idle):
			}
		}
	}
}

// poll handles at most one message. It reports whether a message was received.
func (p *Processor) poll(ctx context.Context, q Queue) (bool, error) {
	resp, err := q.DequeueMessage(ctx, nil)
	if err != nil {
		return false, err
	}
	if len(resp.Messages) == 0 {
		return false, nil
	}
	msg := resp.Messages[0]
	if msg == nil || msg.MessageID == nil || msg.PopReceipt == nil {
		return false, nil
	}

	var text string
	if msg.MessageText != nil {
		text = *msg.MessageText
	}
	err = p.Handle(ctx, text)
	switch {
	case err == nil:
	case errors.Is(err, ErrMalformedCommand), errors.Is(err, domain.ErrItemNotFound):
		p.log.Warnf("dropping command %s: %v", *msg.MessageID, err)
	case msg.DequeueCount != nil && *msg.DequeueCount >= maxDequeueCount:
		p.log.Errorf("dropping command %s after %d attempts: %v", *msg.MessageID, *msg.DequeueCount, err)
	default:
		p.log.Errorf("apply command %s: %v", *msg.MessageID, err)
		return true, nil
	}

	if _, err := q.DeleteMessage(ctx, *msg.MessageID, *msg.PopReceipt, nil); err != nil {
		p.log.Errorf("delete command %s: %v", *msg.MessageID, err)
	}
	return true, nil
}
