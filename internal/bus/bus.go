package bus

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goswarm/internal/clock"
	"github.com/nextlevelbuilder/goswarm/internal/events"
)

// Event names published by the bus.
const (
	EventSend    = "bus.send"
	EventDelayed = "bus.delayed"
)

// maxSeenIDs bounds the duplicate-suppression set. Oldest keys are
// evicted first; a re-send of a long-gone id is accepted again, which
// at-least-once delivery tolerates.
const maxSeenIDs = 4096

type delayedItem struct {
	msg *Message
	due time.Time
	seq uint64
}

type delayedQueue []*delayedItem

func (q delayedQueue) Len() int { return len(q) }
func (q delayedQueue) Less(i, j int) bool {
	if !q[i].due.Equal(q[j].due) {
		return q[i].due.Before(q[j].due)
	}
	return q[i].seq < q[j].seq
}
func (q delayedQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *delayedQueue) Push(x interface{}) {
	*q = append(*q, x.(*delayedItem))
}
func (q *delayedQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

// Bus routes messages between agents inside one process.
type Bus struct {
	mu        sync.Mutex
	clock     clock.Clock
	events    events.Publisher
	queues    map[string][]*Message
	seen      map[string]struct{}
	seenOrder []string
	delayed   delayedQueue
	seq       uint64
	schedules map[string]*Schedule
	wake      chan struct{}
}

// New creates an empty bus. pub may be nil when nothing observes bus
// traffic.
func New(c clock.Clock, pub events.Publisher) *Bus {
	return &Bus{
		clock:     c,
		events:    pub,
		queues:    make(map[string][]*Message),
		seen:      make(map[string]struct{}),
		schedules: make(map[string]*Schedule),
		wake:      make(chan struct{}, 1),
	}
}

// Send enqueues msg for its recipient, assigning an id when absent.
// Messages whose ScheduledDeliveryTime lies in the future are parked
// until DeliverDueMessages moves them. A duplicate id from the same
// origin is suppressed.
func (b *Bus) Send(msg *Message) (SendResult, error) {
	if msg == nil || msg.To == "" {
		return SendResult{}, fmt.Errorf("message recipient required")
	}

	b.mu.Lock()
	now := b.clock.Now()

	stored := msg.Clone()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = clock.StampOf(now)
	}

	key := stored.From + "/" + stored.ID
	if _, dup := b.seen[key]; dup {
		b.mu.Unlock()
		slog.Debug("duplicate message suppressed", "from", stored.From, "id", stored.ID)
		return SendResult{MessageID: stored.ID, Duplicate: true}, nil
	}
	b.rememberLocked(key)

	if !stored.ScheduledDeliveryTime.IsZero() && stored.ScheduledDeliveryTime.After(now) {
		b.seq++
		heap.Push(&b.delayed, &delayedItem{
			msg: stored,
			due: stored.ScheduledDeliveryTime.Time,
			seq: b.seq,
		})
		res := SendResult{MessageID: stored.ID, ScheduledDeliveryTime: stored.ScheduledDeliveryTime}
		b.mu.Unlock()
		return res, nil
	}

	stored.ScheduledDeliveryTime = clock.Stamp{}
	b.queues[stored.To] = append(b.queues[stored.To], stored)
	b.signalLocked()
	b.mu.Unlock()

	if b.events != nil {
		b.events.Emit(EventSend, stored.Clone())
	}
	return SendResult{MessageID: stored.ID}, nil
}

// DeliverDueMessages moves parked messages whose time has come into
// recipient queues and materializes due recurring schedules. Returns the
// number of messages moved.
func (b *Bus) DeliverDueMessages() int {
	b.mu.Lock()
	now := b.clock.Now()

	var delivered []*Message
	for b.delayed.Len() > 0 && !b.delayed[0].due.After(now) {
		item := heap.Pop(&b.delayed).(*delayedItem)
		item.msg.DeliveredAt = clock.StampOf(now)
		b.queues[item.msg.To] = append(b.queues[item.msg.To], item.msg)
		delivered = append(delivered, item.msg)
	}
	delivered = append(delivered, b.materializeSchedulesLocked(now)...)

	if len(delivered) > 0 {
		b.signalLocked()
	}
	b.mu.Unlock()

	if b.events != nil {
		for _, msg := range delivered {
			b.events.Emit(EventDelayed, msg.Clone())
		}
	}
	return len(delivered)
}

// ReceiveNext pops the oldest queued message for the agent, nil when the
// queue is empty.
func (b *Bus) ReceiveNext(agentID string) *Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queues[agentID]
	if len(q) == 0 {
		return nil
	}
	msg := q[0]
	q[0] = nil
	b.queues[agentID] = q[1:]
	if len(b.queues[agentID]) == 0 {
		delete(b.queues, agentID)
	}
	return msg
}

// HasPending reports whether any queue holds a deliverable message.
func (b *Bus) HasPending() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hasPendingLocked()
}

// QueueDepth returns the number of queued messages for the agent.
func (b *Bus) QueueDepth(agentID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[agentID])
}

// ClearQueue drops all queued messages for the agent.
func (b *Bus) ClearQueue(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.queues, agentID)
}

// PendingRecipients lists agents with at least one queued message, in
// stable order.
func (b *Bus) PendingRecipients() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.queues))
	for id, q := range b.queues {
		if len(q) > 0 {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// NextDueAt returns the earliest parked due time, zero when nothing is
// parked.
func (b *Bus) NextDueAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	next := time.Time{}
	if b.delayed.Len() > 0 {
		next = b.delayed[0].due
	}
	for _, s := range b.schedules {
		if next.IsZero() || s.NextAt.Before(next) {
			next = s.NextAt
		}
	}
	return next
}

// WaitForMessage blocks until any queue becomes non-empty, the timeout
// elapses, or ctx is done. Returns true when a message is deliverable.
func (b *Bus) WaitForMessage(ctx context.Context, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		b.mu.Lock()
		ready := b.hasPendingLocked()
		b.mu.Unlock()
		if ready {
			return true
		}

		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return false
		case <-b.wake:
		}
	}
}

func (b *Bus) hasPendingLocked() bool {
	for _, q := range b.queues {
		if len(q) > 0 {
			return true
		}
	}
	return false
}

func (b *Bus) signalLocked() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *Bus) rememberLocked(key string) {
	if len(b.seenOrder) >= maxSeenIDs {
		evict := b.seenOrder[0]
		b.seenOrder = b.seenOrder[1:]
		delete(b.seen, evict)
	}
	b.seen[key] = struct{}{}
	b.seenOrder = append(b.seenOrder, key)
}
