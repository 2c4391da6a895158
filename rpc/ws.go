package rpc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"rentalescrow/core/events"
	"rentalescrow/core/types"
)

const (
	wsWriteTimeout    = 10 * time.Second
	streamBufferDepth = 32
)

// EventStream fans committed escrow events out to websocket subscribers. It
// implements events.Emitter so it can sit in the engine's MultiEmitter.
// Slow subscribers drop events rather than block the engine.
type EventStream struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*streamSub
}

type streamSub struct {
	agreement string
	ch        chan types.Event
}

// NewEventStream returns an empty stream.
func NewEventStream() *EventStream {
	return &EventStream{subs: make(map[uint64]*streamSub)}
}

// Emit implements events.Emitter.
func (s *EventStream) Emit(evt events.Event) {
	if s == nil || evt == nil {
		return
	}
	payload, ok := evt.(events.Payload)
	if !ok || payload.Event() == nil {
		return
	}
	src := payload.Event()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if sub.agreement != "" && sub.agreement != src.Attributes["id"] {
			continue
		}
		select {
		case sub.ch <- cloneEvent(src):
		default:
		}
	}
}

// Subscribe registers a subscriber. agreement is the lowercase hex id without
// prefix, or empty for every agreement. The returned cancel func is
// idempotent and also runs when ctx ends.
func (s *EventStream) Subscribe(ctx context.Context, agreement string) (<-chan types.Event, func()) {
	ch := make(chan types.Event, streamBufferDepth)
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = &streamSub{agreement: agreement, ch: ch}
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			if sub, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(sub.ch)
			}
			s.mu.Unlock()
		})
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}
	return ch, cancel
}

// Subscribers reports the number of live subscriptions.
func (s *EventStream) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func cloneEvent(evt *types.Event) types.Event {
	out := types.Event{Type: evt.Type, Attributes: make(map[string]string, len(evt.Attributes))}
	for k, v := range evt.Attributes {
		out.Attributes[k] = v
	}
	return out
}

func (s *Server) handleRentalWS(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		http.Error(w, "event stream disabled", http.StatusServiceUnavailable)
		return
	}
	if !s.limiter.allow(clientID(r)) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}
	var filter string
	if raw := strings.TrimSpace(r.URL.Query().Get("id")); raw != "" {
		id, err := parseAgreementID(raw)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		filter = hex.EncodeToString(id[:])
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	// Client frames are ignored; CloseRead also cancels ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	if err := s.streamRentalEvents(ctx, conn, filter); err != nil {
		if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamRentalEvents(ctx context.Context, conn *websocket.Conn, filter string) error {
	updates, cancel := s.deps.Events.Subscribe(ctx, filter)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-updates:
			if !ok {
				return nil
			}
			if err := writeRentalEvent(ctx, conn, evt); err != nil {
				return err
			}
		}
	}
}

func writeRentalEvent(ctx context.Context, conn *websocket.Conn, evt types.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
