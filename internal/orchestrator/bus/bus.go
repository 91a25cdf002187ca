// Package bus routes messages between instances: correlation-tracked
// request/reply, fire-and-forget sends, pending-reply drains, and
// parent-to-children broadcast.
package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/madrox/madrox/internal/common/audit"
	"github.com/madrox/madrox/internal/common/logger"
	"github.com/madrox/madrox/internal/orchestrator/errkind"
	"github.com/madrox/madrox/internal/orchestrator/instance"
	"github.com/madrox/madrox/internal/orchestrator/tmux"
)

// pendingKey identifies one outstanding synchronous request: the
// recipient that owes the reply plus the correlation id the sender chose.
type pendingKey struct {
	recipientID   string
	correlationID string
}

type pendingRequest struct {
	senderID string
	waiter   chan instance.Message
}

// Bus delivers messages into child terminals and matches replies back to
// waiting senders.
type Bus struct {
	registry *instance.Registry
	injector *tmux.Injector
	audit    *audit.Emitter
	logger   *logger.Logger

	mu      sync.Mutex
	pending map[pendingKey]*pendingRequest
	// seen tracks correlation ids already used per team so reuse can be
	// flagged in the audit trail.
	seen map[string]map[string]struct{}
}

// New creates a bus over the given registry and terminal injector.
func New(registry *instance.Registry, injector *tmux.Injector, emitter *audit.Emitter, log *logger.Logger) *Bus {
	return &Bus{
		registry: registry,
		injector: injector,
		audit:    emitter,
		logger:   log.WithComponent("bus"),
		pending:  make(map[pendingKey]*pendingRequest),
		seen:     make(map[string]map[string]struct{}),
	}
}

// SendResult is the outcome of a Send.
type SendResult struct {
	CorrelationID string            `json:"correlation_id"`
	Delivered     bool              `json:"delivered"`
	Reply         *instance.Message `json:"reply,omitempty"`
}

// Send delivers payload to recipientID's terminal. The sender may choose
// the correlation id; a fresh UUID is generated when it is empty. When
// wait is true the call blocks until the recipient replies with the same
// correlation id or the timeout elapses (TIMEOUT). A late reply after
// timeout still lands on the recipient's reply queue.
func (b *Bus) Send(ctx context.Context, senderID, recipientID, payload, correlationID string, wait bool, timeout time.Duration) (*SendResult, error) {
	sender, err := b.registry.Get(senderID)
	if err != nil {
		return nil, err
	}
	recipient, err := b.registry.Get(recipientID)
	if err != nil {
		return nil, err
	}
	if !recipient.State().Live() {
		return nil, errkind.New(errkind.SessionGone, "instance %s is %s", recipientID, recipient.State())
	}

	corr := correlationID
	if corr == "" {
		corr = uuid.NewString()
	}
	b.trackCorrelation(recipient.TeamSessionID, corr, senderID)

	msg := instance.Message{
		CorrelationID: corr,
		SenderID:      senderID,
		RecipientID:   recipientID,
		Payload:       payload,
		CreatedAt:     time.Now().UTC(),
		Kind:          instance.MessageRequest,
	}

	key := pendingKey{recipientID: recipientID, correlationID: corr}
	var req *pendingRequest
	if wait {
		req = &pendingRequest{senderID: senderID, waiter: make(chan instance.Message, 1)}
		b.mu.Lock()
		b.pending[key] = req
		b.mu.Unlock()
	}

	if err := b.deliver(ctx, recipient, msg); err != nil {
		if wait {
			b.mu.Lock()
			delete(b.pending, key)
			b.mu.Unlock()
		}
		return nil, err
	}
	sender.Touch()

	b.audit.Emit(audit.EventMessageSent, "send", recipientID, map[string]interface{}{
		"sender_id":      senderID,
		"correlation_id": corr,
		"bytes":          len(payload),
		"wait":           wait,
	})

	if !wait {
		return &SendResult{CorrelationID: corr, Delivered: true}, nil
	}

	select {
	case reply := <-req.waiter:
		return &SendResult{CorrelationID: corr, Delivered: true, Reply: &reply}, nil
	case <-time.After(timeout):
		// Drop the waiter; a late reply lands on the recipient's reply
		// queue and is picked up by a later drain instead of being lost.
		b.mu.Lock()
		if cur, ok := b.pending[key]; ok && cur == req {
			delete(b.pending, key)
		}
		b.mu.Unlock()
		b.audit.Emit(audit.EventTimeout, "send_wait", recipientID, map[string]interface{}{
			"correlation_id":  corr,
			"timeout_seconds": timeout.Seconds(),
		})
		return nil, errkind.New(errkind.Timeout,
			"no reply from %s within %s (correlation %s)", recipientID, timeout, corr)
	case <-ctx.Done():
		b.mu.Lock()
		if cur, ok := b.pending[key]; ok && cur == req {
			delete(b.pending, key)
		}
		b.mu.Unlock()
		return nil, errkind.Wrap(errkind.Timeout, ctx.Err(), "send to %s canceled", recipientID)
	}
}

// deliver injects the formatted message into the recipient's terminal,
// enqueues it on the inbox, and marks the recipient busy.
func (b *Bus) deliver(ctx context.Context, recipient *instance.Instance, msg instance.Message) error {
	if dropped, wasDropped := recipient.PushInbox(msg); wasDropped {
		b.emitOverflow(recipient.ID, "inbox", dropped)
	}
	if err := b.injector.Inject(ctx, recipient.Session, formatRequest(msg)); err != nil {
		return err
	}
	recipient.CountRequest()
	if st := recipient.State(); st == instance.StateReady || st == instance.StateIdle {
		if _, err := b.registry.Transition(recipient, instance.StateBusy); err != nil {
			b.logger.Warn("busy transition rejected",
				zap.String("instance_id", recipient.ID), zap.Error(err))
		} else {
			b.audit.Emit(audit.EventStateChange, "message_delivered", recipient.ID, map[string]interface{}{
				"from": string(st),
				"to":   string(instance.StateBusy),
			})
		}
	}
	return nil
}

// ReplyToCaller records a reply from the instance that received the
// request carrying correlationID. claimedID must be the actual caller's
// own id. A sender blocked in Send gets the reply handed over directly;
// otherwise it is enqueued on the caller's own reply queue, where the
// parent collects it via PendingReplies keyed by the caller's id.
func (b *Bus) ReplyToCaller(ctx context.Context, callerID, claimedID, correlationID, payload string) (string, error) {
	if claimedID != callerID {
		return "", errkind.New(errkind.InvalidInstanceID,
			"instance_id %q does not match calling instance %s", claimedID, callerID)
	}
	caller, err := b.registry.Get(callerID)
	if err != nil {
		return "", err
	}

	key := pendingKey{recipientID: callerID, correlationID: correlationID}
	b.mu.Lock()
	req, ok := b.pending[key]
	if ok {
		delete(b.pending, key)
	}
	b.mu.Unlock()

	recipientID := caller.ParentID
	if ok {
		recipientID = req.senderID
	}
	reply := instance.Message{
		CorrelationID: correlationID,
		SenderID:      callerID,
		RecipientID:   recipientID,
		Payload:       payload,
		CreatedAt:     time.Now().UTC(),
		Kind:          instance.MessageReply,
	}
	caller.Touch()

	targetID := callerID
	if ok && req.waiter != nil {
		req.waiter <- reply
		targetID = req.senderID
	} else {
		// No live waiter: the reply stays on the caller's queue until a
		// drain picks it up. Unknown correlation ids are not an error.
		if dropped, wasDropped := caller.PushReply(reply); wasDropped {
			b.emitOverflow(callerID, "reply_queue", dropped)
		}
	}

	b.audit.Emit(audit.EventMessageReceived, "reply", callerID, map[string]interface{}{
		"recipient_id":   recipientID,
		"correlation_id": correlationID,
		"direct":         targetID != callerID,
	})
	return targetID, nil
}

// PendingReplies drains and returns all replies queued on instanceID's
// reply queue. Parents call this with a child's id to collect that
// child's responses; order is preserved.
func (b *Bus) PendingReplies(instanceID string) ([]instance.Message, error) {
	inst, err := b.registry.Get(instanceID)
	if err != nil {
		return nil, err
	}
	return inst.DrainReplies(), nil
}

// BroadcastResult reports per-child delivery outcome.
type BroadcastResult struct {
	CorrelationID string `json:"correlation_id"`
	Delivered     bool   `json:"delivered"`
	Error         string `json:"error,omitempty"`
}

// Broadcast delivers payload to every live direct child of senderID in
// parallel. Failures are isolated per child; the map always has one
// entry per live child.
func (b *Bus) Broadcast(ctx context.Context, senderID, payload string) (map[string]BroadcastResult, error) {
	if _, err := b.registry.Get(senderID); err != nil {
		return nil, err
	}
	children := b.registry.Children(senderID)

	results := make(map[string]BroadcastResult, len(children))
	var rmu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)

	for _, child := range children {
		if !child.State().Live() {
			continue
		}
		g.Go(func() error {
			corr := uuid.NewString()
			msg := instance.Message{
				CorrelationID: corr,
				SenderID:      senderID,
				RecipientID:   child.ID,
				Payload:       payload,
				CreatedAt:     time.Now().UTC(),
				Kind:          instance.MessageBroadcast,
			}
			err := b.deliver(ctx, child, msg)
			rmu.Lock()
			defer rmu.Unlock()
			if err != nil {
				results[child.ID] = BroadcastResult{CorrelationID: corr, Error: err.Error()}
			} else {
				results[child.ID] = BroadcastResult{CorrelationID: corr, Delivered: true}
			}
			return nil
		})
	}
	_ = g.Wait()

	b.audit.Emit(audit.EventMessageSent, "broadcast", senderID, map[string]interface{}{
		"recipients": len(results),
	})
	return results, nil
}

// Nudge injects text into an instance's terminal without inbox tracking.
// The supervisor uses it for check-in prompts.
func (b *Bus) Nudge(ctx context.Context, inst *instance.Instance, text string) error {
	return b.injector.Inject(ctx, inst.Session, text)
}

func (b *Bus) trackCorrelation(teamID, corr, senderID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	team := b.seen[teamID]
	if team == nil {
		team = make(map[string]struct{})
		b.seen[teamID] = team
	}
	if _, reused := team[corr]; reused {
		b.logger.Warn("correlation id reused within team",
			zap.String("team_session_id", teamID),
			zap.String("correlation_id", corr),
			zap.String("sender_id", senderID))
	}
	team[corr] = struct{}{}
}

func (b *Bus) emitOverflow(instanceID, queue string, dropped instance.Message) {
	b.logger.Warn("queue overflow, oldest message dropped",
		zap.String("instance_id", instanceID),
		zap.String("queue", queue),
		zap.String("dropped_correlation_id", dropped.CorrelationID))
	b.audit.Emit(audit.EventQueueOverflow, queue, instanceID, map[string]interface{}{
		"dropped_correlation_id": dropped.CorrelationID,
		"dropped_sender_id":      dropped.SenderID,
	})
}

// formatRequest renders the terminal prompt for a routed message. The
// header carries the sender and correlation id so the recipient can
// address its reply.
func formatRequest(msg instance.Message) string {
	var sb strings.Builder
	switch msg.Kind {
	case instance.MessageBroadcast:
		fmt.Fprintf(&sb, "[broadcast from %s]\n", msg.SenderID)
	default:
		fmt.Fprintf(&sb, "[message from %s | correlation_id: %s]\n", msg.SenderID, msg.CorrelationID)
	}
	sb.WriteString(msg.Payload)
	if msg.Kind == instance.MessageRequest {
		fmt.Fprintf(&sb, "\n\nWhen done, call reply_to_caller with correlation_id %s.", msg.CorrelationID)
	}
	return sb.String()
}
