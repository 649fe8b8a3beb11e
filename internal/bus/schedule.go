package bus

import (
	"fmt"
	"sort"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goswarm/internal/clock"
)

// Schedule is a recurring message: each time the cron expression fires,
// a fresh copy of the payload is enqueued for the recipient.
type Schedule struct {
	ID      string      `json:"id"`
	To      string      `json:"to"`
	From    string      `json:"from"`
	Expr    string      `json:"expr"`
	Payload Payload     `json:"payload"`
	NextAt  time.Time   `json:"nextAt"`
	AddedAt clock.Stamp `json:"addedAt"`
}

// ScheduleRecurring registers a cron-driven recurring message and
// returns its schedule id.
func (b *Bus) ScheduleRecurring(from, to, expr string, payload Payload) (string, error) {
	if to == "" {
		return "", fmt.Errorf("schedule recipient required")
	}
	if !gronx.New().IsValid(expr) {
		return "", fmt.Errorf("invalid cron expression %q", expr)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	next, err := gronx.NextTickAfter(expr, now, false)
	if err != nil {
		return "", fmt.Errorf("compute next tick for %q: %w", expr, err)
	}

	s := &Schedule{
		ID:      "sched-" + uuid.NewString(),
		To:      to,
		From:    from,
		Expr:    expr,
		Payload: payload,
		NextAt:  next,
		AddedAt: clock.StampOf(now),
	}
	b.schedules[s.ID] = s
	return s.ID, nil
}

// CancelRecurring removes a schedule. Returns false when unknown.
func (b *Bus) CancelRecurring(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.schedules[id]; !ok {
		return false
	}
	delete(b.schedules, id)
	return true
}

// Schedules lists registered schedules in id order.
func (b *Bus) Schedules() []*Schedule {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Schedule, 0, len(b.schedules))
	for _, s := range b.schedules {
		copied := *s
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// materializeSchedulesLocked enqueues one message per due schedule and
// advances its next fire time past now. Missed ticks collapse into one
// delivery.
func (b *Bus) materializeSchedulesLocked(now time.Time) []*Message {
	var out []*Message
	for _, s := range b.schedules {
		if s.NextAt.After(now) {
			continue
		}
		msg := &Message{
			ID:          uuid.NewString(),
			From:        s.From,
			To:          s.To,
			Payload:     s.Payload,
			CreatedAt:   clock.StampOf(now),
			DeliveredAt: clock.StampOf(now),
		}
		b.queues[msg.To] = append(b.queues[msg.To], msg)
		b.rememberLocked(msg.From + "/" + msg.ID)
		out = append(out, msg)

		next, err := gronx.NextTickAfter(s.Expr, now, false)
		if err != nil {
			// Expression was valid at registration; treat failure as
			// one-shot and drop the schedule.
			delete(b.schedules, s.ID)
			continue
		}
		s.NextAt = next
	}
	return out
}
