package rpc

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

const (
	eventBacklog   = 64
	wsWriteTimeout = 10 * time.Second
)

// Event is one fleet-coordination occurrence surfaced on the live stream:
// a vouch landing, a ban proposed or executed, a settlement proposed, and
// so on. Detail is the subject/target/period_id the event concerns.
type Event struct {
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail"`
	Timestamp time.Time `json:"timestamp"`
}

// EventHub fans out Publish calls to every connected /v1/stream websocket.
// A nil *EventHub is valid and simply drops events, so components that
// don't wire one up (tests, for instance) don't need a no-op stub.
type EventHub struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
	now  func() time.Time
}

// NewEventHub builds an empty hub ready to accept subscribers.
func NewEventHub() *EventHub {
	return &EventHub{subs: make(map[chan Event]struct{})}
}

func (h *EventHub) clock() time.Time {
	if h.now != nil {
		return h.now()
	}
	return time.Now()
}

// Publish broadcasts ev to every currently connected subscriber. Slow
// subscribers are dropped rather than allowed to block the publisher.
func (h *EventHub) Publish(ev Event) {
	if h == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = h.clock()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			delete(h.subs, ch)
			close(ch)
		}
	}
}

func (h *EventHub) subscribe() chan Event {
	ch := make(chan Event, eventBacklog)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *EventHub) unsubscribe(ch chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
}

// ServeWS upgrades r to a websocket and streams events until the client
// disconnects or the request context is cancelled.
func (h *EventHub) ServeWS(w http.ResponseWriter, r *http.Request, log *slog.Logger) {
	if h == nil {
		http.Error(w, "event stream unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	ch := h.subscribe()
	defer h.unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				if log != nil {
					log.Debug("event stream write failed", "err", err)
				}
				return
			}
		}
	}
}
