package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/goswarm/internal/bus"
	"github.com/nextlevelbuilder/goswarm/internal/events"
)

const (
	recorderSubscriberID = "message-archive"
	recorderQueueSize    = 256
	recordTimeout        = 5 * time.Second
)

// Recorder tails bus.send and bus.delayed events into an Archive.
// Broker handlers run on the emitting goroutine and must not block, so
// the handler only enqueues; a background writer does the actual inserts
// and messages are dropped with a warning when it falls behind.
type Recorder struct {
	archive Archive
	events  events.Publisher
	queue   chan *bus.Message
	done    chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewRecorder subscribes to the broker and starts the writer goroutine.
// Call Close to drain and detach before closing the archive.
func NewRecorder(archive Archive, pub events.Publisher) *Recorder {
	r := &Recorder{
		archive: archive,
		events:  pub,
		queue:   make(chan *bus.Message, recorderQueueSize),
		done:    make(chan struct{}),
	}
	pub.Subscribe(recorderSubscriberID, r.observe)
	go r.run()
	return r
}

func (r *Recorder) observe(e events.Event) {
	if e.Name != bus.EventSend && e.Name != bus.EventDelayed {
		return
	}
	msg, ok := e.Payload.(*bus.Message)
	if !ok {
		return
	}

	// Emit snapshots its handler list before calling, so this can still
	// run after Unsubscribe returns. The closed flag keeps a late event
	// from hitting a closed channel.
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- msg:
	default:
		slog.Warn("message archive queue full, dropping message",
			"id", msg.ID, "from", msg.From, "to", msg.To)
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for msg := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		if err := r.archive.Record(ctx, msg); err != nil {
			slog.Warn("archive message failed", "id", msg.ID, "error", err)
		}
		cancel()
	}
}

// Close detaches from the broker, waits for queued messages to land, and
// returns. The archive itself is left open for the owner to close.
func (r *Recorder) Close() {
	r.events.Unsubscribe(recorderSubscriberID)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	close(r.queue)
	<-r.done
}
