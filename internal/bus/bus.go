package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/owulveryck/agentplatform/internal/idgen"
	"github.com/owulveryck/agentplatform/internal/observability"
	"go.opentelemetry.io/otel/trace"
)

// GroupResolver maps a descriptor id to the instance ids currently
// incarnating it, so the Bus can fan a Group-addressed message out
// without owning the registry/factory relationship itself.
type GroupResolver func(descriptorID string) []string

// Bus is the in-process Message Bus (C1).
type Bus struct {
	mu       sync.RWMutex
	inboxes  map[string]*InboxHandle
	topics   map[string]map[string]struct{}
	lastSeen map[string]time.Time

	inboxCapacity     int
	heartbeatInterval time.Duration
	groupResolver     GroupResolver

	unresponsive chan string

	obs    *observability.TraceManager
	metric *observability.MetricsManager
}

// Config configures a new Bus.
type Config struct {
	InboxCapacity     int
	HeartbeatInterval time.Duration
	Tracer            *observability.TraceManager
	Metrics           *observability.MetricsManager
}

// New creates a Bus with the given configuration.
func New(cfg Config) *Bus {
	if cfg.InboxCapacity <= 0 {
		cfg.InboxCapacity = 1024
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	return &Bus{
		inboxes:           make(map[string]*InboxHandle),
		topics:            make(map[string]map[string]struct{}),
		lastSeen:          make(map[string]time.Time),
		inboxCapacity:     cfg.InboxCapacity,
		heartbeatInterval: cfg.HeartbeatInterval,
		unresponsive:      make(chan string, 64),
		obs:               cfg.Tracer,
		metric:            cfg.Metrics,
	}
}

// SetGroupResolver wires the descriptor→instances lookup used for Group
// addressing. Called once by the factory at startup.
func (b *Bus) SetGroupResolver(r GroupResolver) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.groupResolver = r
}

// Unresponsive exposes the channel the supervisor should drain for
// UnresponsiveInstance notifications.
func (b *Bus) Unresponsive() <-chan string { return b.unresponsive }

// Register creates a bounded inbox for instanceID.
func (b *Bus) Register(instanceID string) (*InboxHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.inboxes[instanceID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRegistered, instanceID)
	}

	handle := &InboxHandle{
		InstanceID: instanceID,
		messages:   make(chan *Message, b.inboxCapacity),
		done:       make(chan struct{}),
	}
	b.inboxes[instanceID] = handle
	b.lastSeen[instanceID] = time.Now()

	return handle, nil
}

// Unregister closes instanceID's inbox (its Done channel) and forgets the
// recipient. A direct send blocked on that inbox at the time resolves with
// ErrRecipientGone; a send issued afterward resolves with
// ErrRecipientUnknown.
func (b *Bus) Unregister(instanceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	handle, ok := b.inboxes[instanceID]
	if !ok {
		return
	}
	delete(b.inboxes, instanceID)
	delete(b.lastSeen, instanceID)
	for topic, members := range b.topics {
		delete(members, instanceID)
		if len(members) == 0 {
			delete(b.topics, topic)
		}
	}

	close(handle.done)
}

// Subscribe adds instanceID to a topic's membership.
func (b *Bus) Subscribe(instanceID, topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	members, ok := b.topics[topic]
	if !ok {
		members = make(map[string]struct{})
		b.topics[topic] = members
	}
	members[instanceID] = struct{}{}
}

// Unsubscribe removes instanceID from a topic's membership.
func (b *Bus) Unsubscribe(instanceID, topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if members, ok := b.topics[topic]; ok {
		delete(members, instanceID)
		if len(members) == 0 {
			delete(b.topics, topic)
		}
	}
}

// Heartbeat refreshes instanceID's liveness, preventing it from being
// declared unresponsive. Instances (or their supervisor proxy) must call
// this at least once per heartbeat interval.
func (b *Bus) Heartbeat(instanceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.inboxes[instanceID]; ok {
		b.lastSeen[instanceID] = time.Now()
	}
}

// Send routes msg according to msg.To. Direct sends observe policy on a
// full inbox; Group/Topic/Broadcast sends are best-effort and never fail
// the caller for a single recipient's backpressure — failures are
// recorded in the returned DeliveryResult instead.
func (b *Bus) Send(ctx context.Context, msg *Message, policy SendPolicy) (DeliveryResult, error) {
	if msg.MessageID == "" {
		msg.MessageID = idgen.New("msg")
	}

	if b.obs != nil {
		var span trace.Span
		ctx, span = b.obs.StartPublishSpan(ctx, destinationLabel(msg.To), string(msg.Kind))
		defer span.End()
	}

	start := time.Now()
	defer func() {
		if b.metric != nil {
			b.metric.RecordBusPublishDuration(ctx, string(msg.Kind), time.Since(start))
		}
	}()

	switch msg.To.Kind {
	case AddressDirect:
		err := b.sendDirect(ctx, msg.To.Value, msg, policy)
		if err != nil {
			return DeliveryResult{Failed: 1, Errors: []error{err}}, err
		}
		return DeliveryResult{Delivered: 1}, nil

	case AddressGroup:
		b.mu.RLock()
		resolver := b.groupResolver
		b.mu.RUnlock()
		var targets []string
		if resolver != nil {
			targets = resolver(msg.To.Value)
		}
		return b.fanOut(ctx, targets, msg), nil

	case AddressTopic:
		b.mu.RLock()
		members := b.topics[msg.To.Value]
		targets := make([]string, 0, len(members))
		for id := range members {
			targets = append(targets, id)
		}
		b.mu.RUnlock()
		return b.fanOut(ctx, targets, msg), nil

	case AddressBroadcast:
		b.mu.RLock()
		targets := make([]string, 0, len(b.inboxes))
		for id := range b.inboxes {
			targets = append(targets, id)
		}
		b.mu.RUnlock()
		return b.fanOut(ctx, targets, msg), nil

	default:
		return DeliveryResult{}, fmt.Errorf("bus: unknown address kind %d", msg.To.Kind)
	}
}

func (b *Bus) sendDirect(ctx context.Context, instanceID string, msg *Message, policy SendPolicy) error {
	b.mu.RLock()
	handle, ok := b.inboxes[instanceID]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrRecipientUnknown, instanceID)
	}

	switch policy {
	case PolicyNonBlocking:
		select {
		case handle.messages <- msg:
			if b.metric != nil {
				b.metric.IncrementEventsPublished(ctx, string(msg.Kind), instanceID)
			}
			return nil
		default:
			if b.metric != nil {
				b.metric.IncrementBusBackpressure(ctx, instanceID)
			}
			return fmt.Errorf("%w: %s", ErrBackpressure, instanceID)
		}
	default:
		deadline := ctx
		var cancel context.CancelFunc
		if msg.Deadline != nil {
			deadline, cancel = context.WithDeadline(ctx, *msg.Deadline)
			defer cancel()
		}
		select {
		case handle.messages <- msg:
			if b.metric != nil {
				b.metric.IncrementEventsPublished(ctx, string(msg.Kind), instanceID)
			}
			return nil
		case <-handle.done:
			return fmt.Errorf("%w: %s", ErrRecipientGone, instanceID)
		case <-deadline.Done():
			if b.metric != nil {
				b.metric.IncrementBusBackpressure(ctx, instanceID)
			}
			return fmt.Errorf("%w: %s", ErrBackpressure, instanceID)
		}
	}
}

// fanOut delivers msg to every target non-blockingly; partial failures
// are recorded but do not abort the overall send, per spec.md §4.1.
func (b *Bus) fanOut(ctx context.Context, targets []string, msg *Message) DeliveryResult {
	result := DeliveryResult{}
	for _, id := range targets {
		copyMsg := *msg
		if err := b.sendDirect(ctx, id, &copyMsg, PolicyNonBlocking); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, err)
			continue
		}
		result.Delivered++
	}
	return result
}

// RunHeartbeatMonitor periodically emits a Heartbeat message to every
// registered instance and flags any instance whose liveness has not been
// refreshed within 2×heartbeatInterval as unresponsive. It blocks until
// ctx is cancelled and should be run in its own goroutine.
func (b *Bus) RunHeartbeatMonitor(ctx context.Context) {
	ticker := time.NewTicker(b.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.tickHeartbeats(ctx)
		}
	}
}

func (b *Bus) tickHeartbeats(ctx context.Context) {
	b.mu.RLock()
	ids := make([]string, 0, len(b.inboxes))
	for id := range b.inboxes {
		ids = append(ids, id)
	}
	threshold := 2 * b.heartbeatInterval
	now := time.Now()
	var unresponsive []string
	for id, seen := range b.lastSeen {
		if now.Sub(seen) > threshold {
			unresponsive = append(unresponsive, id)
		}
	}
	b.mu.RUnlock()

	for _, id := range ids {
		_, _ = b.Send(ctx, &Message{
			Kind: KindHeartbeat,
			From: "system",
			To:   Direct(id),
		}, PolicyNonBlocking)
	}

	for _, id := range unresponsive {
		if b.metric != nil {
			b.metric.IncrementBusUnresponsive(ctx, id)
		}
		select {
		case b.unresponsive <- id:
		default:
		}
	}
}

func destinationLabel(a Address) string {
	switch a.Kind {
	case AddressDirect:
		return "direct:" + a.Value
	case AddressGroup:
		return "group:" + a.Value
	case AddressTopic:
		return "topic:" + a.Value
	default:
		return "broadcast"
	}
}
