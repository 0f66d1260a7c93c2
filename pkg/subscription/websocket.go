package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/liveprobe/liveprobe/pkg/instrument"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	replyWait  = 5 * time.Second
)

var errSubscriberClosed = errors.New("subscriber connection closed")

// Envelope types sent to subscribers.
const (
	EnvelopeEvent        = "event"
	EnvelopeSubscribed   = "subscribed"
	EnvelopeUnsubscribed = "unsubscribed"
	EnvelopeError        = "error"
)

// Envelope is a message written to a subscriber socket.
type Envelope struct {
	Type           string            `json:"type"`
	SubscriptionID string            `json:"subscription_id,omitempty"`
	Event          *instrument.Event `json:"event,omitempty"`
	Subscription   *Subscription     `json:"subscription,omitempty"`
	Error          string            `json:"error,omitempty"`
}

// Request types accepted from subscribers.
const (
	RequestSubscribe   = "subscribe"
	RequestUnsubscribe = "unsubscribe"
	RequestPing        = "ping"
)

// Request is a control message read from a subscriber socket.
type Request struct {
	Type     string               `json:"type"`
	ID       string               `json:"id,omitempty"`
	Keys     []string             `json:"keys,omitempty"`
	Location *instrument.Location `json:"location,omitempty"`
	View     ViewConfig           `json:"view,omitempty"`
}

// WebSocketSubscriber writes envelopes to one subscriber websocket.
type WebSocketSubscriber struct {
	id     string
	ws     *websocket.Conn
	send   chan Envelope
	done   chan struct{}
	once   sync.Once
	logger zerolog.Logger
}

// NewWebSocketSubscriber wraps ws with a send queue of queueSize envelopes.
func NewWebSocketSubscriber(ws *websocket.Conn, queueSize int, logger zerolog.Logger) *WebSocketSubscriber {
	id := uuid.New().String()
	return &WebSocketSubscriber{
		id:     id,
		ws:     ws,
		send:   make(chan Envelope, queueSize),
		done:   make(chan struct{}),
		logger: logger.With().Str("connection_id", id).Logger(),
	}
}

// ConnectionID implements Subscriber.
func (s *WebSocketSubscriber) ConnectionID() string {
	return s.id
}

// Deliver implements Subscriber.
func (s *WebSocketSubscriber) Deliver(subscriptionID string, ev *instrument.Event) error {
	select {
	case <-s.done:
		return errSubscriberClosed
	default:
	}
	select {
	case s.send <- Envelope{Type: EnvelopeEvent, SubscriptionID: subscriptionID, Event: ev}:
		return nil
	default:
		return ErrBackpressure
	}
}

// reply queues a control envelope, waiting briefly for room.
func (s *WebSocketSubscriber) reply(env Envelope) {
	timer := time.NewTimer(replyWait)
	defer timer.Stop()
	select {
	case s.send <- env:
	case <-s.done:
	case <-timer.C:
		s.logger.Warn().Str("type", env.Type).Msg("dropping reply to slow subscriber")
	}
}

// Close closes the socket.
func (s *WebSocketSubscriber) Close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.ws.Close()
	})
}

// Serve pumps the socket until it closes or ctx is done, then drops the
// connection's subscriptions.
func (s *WebSocketSubscriber) Serve(ctx context.Context, router *Router) {
	defer func() {
		n := router.RemoveConnection(s.id)
		s.logger.Debug().Int("subscriptions", n).Msg("subscriber disconnected")
		s.Close()
	}()

	go s.writePump()
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()

	_ = s.ws.SetReadDeadline(time.Now().Add(pongWait))
	// Keepalive pongs extend the read deadline only; they do not count as
	// subscription activity.
	s.ws.SetPongHandler(func(string) error {
		return s.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			return
		}
		_ = s.ws.SetReadDeadline(time.Now().Add(pongWait))
		router.TouchConnection(s.id)

		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			s.reply(Envelope{Type: EnvelopeError, Error: "invalid request: " + err.Error()})
			continue
		}
		s.handle(router, &req)
	}
}

func (s *WebSocketSubscriber) handle(router *Router, req *Request) {
	switch req.Type {
	case RequestSubscribe:
		s.subscribe(router, req.Keys, req.View, req.Location)
	case RequestUnsubscribe:
		if req.ID == "" || !ownedBy(router, req.ID, s.id) {
			s.reply(Envelope{Type: EnvelopeError, SubscriptionID: req.ID, Error: "unknown subscription"})
			return
		}
		router.Unsubscribe(req.ID)
		s.reply(Envelope{Type: EnvelopeUnsubscribed, SubscriptionID: req.ID})
	case RequestPing:
		if req.ID != "" {
			router.Touch(req.ID)
		}
	default:
		s.reply(Envelope{Type: EnvelopeError, Error: "unknown request type " + strconv.Quote(req.Type)})
	}
}

func (s *WebSocketSubscriber) subscribe(router *Router, keys []string, view ViewConfig, loc *instrument.Location) {
	id, err := router.Subscribe(keys, view, loc, s)
	if err != nil {
		s.reply(Envelope{Type: EnvelopeError, Error: err.Error()})
		return
	}
	sub, _ := router.Get(id)
	s.reply(Envelope{Type: EnvelopeSubscribed, SubscriptionID: id, Subscription: &sub})
}

func (s *WebSocketSubscriber) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case env := <-s.send:
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteJSON(env); err != nil {
				s.logger.Debug().Err(err).Msg("subscriber write failed")
				s.Close()
				return
			}
		case <-ticker.C:
			if err := s.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.Close()
				return
			}
		case <-s.done:
			return
		}
	}
}

func ownedBy(router *Router, id, connectionID string) bool {
	sub, ok := router.Get(id)
	return ok && sub.ConnectionID == connectionID
}

// Handler serves subscriber websockets. Query parameters keys (comma
// separated), source with line or symbol, and view open an initial
// subscription.
type Handler struct {
	router   *Router
	logger   zerolog.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates a subscriber websocket handler.
func NewHandler(router *Router, logger zerolog.Logger) *Handler {
	return &Handler{
		router: router,
		logger: logger.With().Str("component", "subscriber-socket").Logger(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	keys := splitKeys(q["keys"])
	loc, err := locationFromQuery(q.Get("source"), q.Get("line"), q.Get("symbol"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	sub := NewWebSocketSubscriber(ws, h.router.Config().QueueSize, h.logger)
	if len(keys) > 0 || loc != nil {
		sub.subscribe(h.router, keys, ViewConfig{ViewName: q.Get("view")}, loc)
	}
	sub.Serve(r.Context(), h.router)
}

func splitKeys(values []string) []string {
	var keys []string
	for _, v := range values {
		for _, k := range strings.Split(v, ",") {
			if k = strings.TrimSpace(k); k != "" {
				keys = append(keys, k)
			}
		}
	}
	return keys
}

func locationFromQuery(source, line, symbol string) (*instrument.Location, error) {
	if source == "" {
		return nil, nil
	}
	loc := &instrument.Location{Source: source, Symbol: symbol}
	if line != "" {
		n, err := strconv.Atoi(line)
		if err != nil || n < 0 {
			return nil, errors.New("line must be a non-negative integer")
		}
		loc.Line = n
	}
	return loc, nil
}
