// Package bridge is the control plane's end of the websocket transport to
// remote agents. It authenticates each connection from its announcement,
// enforces per-direction address allow-lists, stamps the remote's identity
// on every inbound frame and dispatches frames to registered handlers in
// per-connection arrival order.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/liveprobe/liveprobe/pkg/auth"
	"github.com/liveprobe/liveprobe/pkg/instrument"
	"github.com/liveprobe/liveprobe/pkg/protocol"
	"github.com/liveprobe/liveprobe/pkg/telemetry"
)

// Identity is what the bridge knows about a connected remote.
type Identity struct {
	ConnectionID string            `json:"connection_id"`
	ProbeID      string            `json:"probe_id"`
	Subject      string            `json:"subject,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	ConnectedAt  time.Time         `json:"connected_at"`
	RemoteAddr   string            `json:"remote_addr,omitempty"`
}

// Message is an inbound frame together with the identity of its sender.
type Message struct {
	Identity Identity
	Frame    *protocol.Frame
	Codec    protocol.Codec
}

// Decode decodes the frame body into v.
func (m *Message) Decode(v any) error {
	return protocol.DecodeBody(m.Codec, m.Frame, v)
}

// Handler processes inbound frames for one address. A returned error is
// reported back to the sender in an err frame.
type Handler func(ctx context.Context, msg *Message) error

// Authenticator checks the auth-token header of an announcement.
type Authenticator interface {
	Authenticate(token string) (auth.Identity, error)
}

// TokenAuthenticator accepts JWTs issued to agents or admins.
type TokenAuthenticator struct {
	JWT *auth.JWTManager
}

// Authenticate implements Authenticator.
func (a TokenAuthenticator) Authenticate(token string) (auth.Identity, error) {
	if token == "" {
		return auth.Identity{}, errors.New("missing auth token")
	}
	claims, err := a.JWT.ValidateToken(token)
	if err != nil {
		return auth.Identity{}, err
	}
	if claims.Role != auth.RoleAgent && claims.Role != auth.RoleAdmin {
		return auth.Identity{}, fmt.Errorf("role %q may not connect to the bridge", claims.Role)
	}
	return auth.IdentityFromClaims(claims), nil
}

// Options configures a Bridge.
type Options struct {
	Config Config
	// Auth validates announcements. Required when Config.RequireAuth is set.
	Auth    Authenticator
	Logger  zerolog.Logger
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
}

// Bridge accepts agent websocket connections. It implements http.Handler.
type Bridge struct {
	cfg      Config
	inbound  allowList
	outbound allowList
	auth     Authenticator
	upgrader websocket.Upgrader
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.RWMutex
	closed        bool
	live          map[*conn]struct{}
	conns         map[string]*conn
	registrations map[string]map[string]*conn
	handlers      map[string]Handler
	onConnect     []func(Identity)
	onDisconnect  []func(Identity)
	onRegister    []func(Identity, string)
}

// New creates a bridge.
func New(opts Options) (*Bridge, error) {
	cfg := opts.Config.withDefaults()
	if cfg.RequireAuth && opts.Auth == nil {
		return nil, errors.New("bridge: authentication required but no authenticator configured")
	}

	inbound, err := compileAllowList(cfg.InboundPermitted)
	if err != nil {
		return nil, fmt.Errorf("bridge: inbound allow-list: %w", err)
	}
	outbound, err := compileAllowList(cfg.OutboundPermitted)
	if err != nil {
		return nil, fmt.Errorf("bridge: outbound allow-list: %w", err)
	}

	var authenticator Authenticator
	if cfg.RequireAuth {
		authenticator = opts.Auth
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		cfg:      cfg,
		inbound:  inbound,
		outbound: outbound,
		auth:     authenticator,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: cfg.HandshakeTimeout,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
		logger:        opts.Logger.With().Str("component", "bridge").Logger(),
		metrics:       opts.Metrics,
		tracer:        opts.Tracer,
		ctx:           ctx,
		cancel:        cancel,
		live:          make(map[*conn]struct{}),
		conns:         make(map[string]*conn),
		registrations: make(map[string]map[string]*conn),
		handlers:      make(map[string]Handler),
	}, nil
}

// Handle registers h for inbound frames sent to address.
func (b *Bridge) Handle(address string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[address] = h
}

// OnConnect registers a hook run after a remote's announcement is accepted.
func (b *Bridge) OnConnect(fn func(Identity)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onConnect = append(b.onConnect, fn)
}

// OnDisconnect registers a hook run with the last known identity of a
// closed connection.
func (b *Bridge) OnDisconnect(fn func(Identity)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDisconnect = append(b.onDisconnect, fn)
}

// OnRegister registers a hook run when a remote registers for an address.
func (b *Bridge) OnRegister(fn func(Identity, string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onRegister = append(b.onRegister, fn)
}

// ServeHTTP upgrades the request and serves the connection in the background.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		http.Error(w, "bridge is shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	c := newConn(b, ws, r.RemoteAddr)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		c.close(websocket.CloseGoingAway, "bridge shutting down")
		return
	}
	b.live[c] = struct{}{}
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		defer func() {
			b.mu.Lock()
			delete(b.live, c)
			b.mu.Unlock()
		}()
		c.serve(b.ctx)
	}()
}

// Publish sends v to every connection registered for address and returns
// how many accepted it. With no registered remote it returns a
// RemoteUnavailable error.
func (b *Bridge) Publish(ctx context.Context, address string, v any) (int, error) {
	if !b.outbound.permits(address) {
		b.metrics.RecordBridgeRejection("outbound_not_permitted")
		return 0, instrument.NewTransportRejectedError(address, "outbound address not permitted")
	}

	b.mu.RLock()
	targets := make([]*conn, 0, len(b.registrations[address]))
	for _, c := range b.registrations[address] {
		targets = append(targets, c)
	}
	b.mu.RUnlock()

	if len(targets) == 0 {
		return 0, instrument.NewRemoteUnavailableError("no remote registered for " + address)
	}

	delivered := 0
	for _, c := range targets {
		if err := c.sendMessage(ctx, address, v); err != nil {
			c.logger.Warn().Err(err).Str("address", address).Msg("failed to deliver frame")
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return 0, instrument.NewRemoteUnavailableError("no remote accepted frame for " + address)
	}
	return delivered, nil
}

// SendTo sends v to address on a single connection.
func (b *Bridge) SendTo(ctx context.Context, connectionID, address string, v any) error {
	if !b.outbound.permits(address) {
		b.metrics.RecordBridgeRejection("outbound_not_permitted")
		return instrument.NewTransportRejectedError(address, "outbound address not permitted")
	}
	b.mu.RLock()
	c, ok := b.conns[connectionID]
	b.mu.RUnlock()
	if !ok {
		return instrument.NewRemoteUnavailableError("connection " + connectionID + " is not open")
	}
	return c.sendMessage(ctx, address, v)
}

// ActiveConnections returns the identities of announced connections,
// oldest first.
func (b *Bridge) ActiveConnections() []Identity {
	b.mu.RLock()
	list := make([]Identity, 0, len(b.conns))
	for _, c := range b.conns {
		list = append(list, c.identity)
	}
	b.mu.RUnlock()
	sortIdentities(list)
	return list
}

// Registered returns the identities of connections registered for address.
func (b *Bridge) Registered(address string) []Identity {
	b.mu.RLock()
	list := make([]Identity, 0, len(b.registrations[address]))
	for _, c := range b.registrations[address] {
		list = append(list, c.identity)
	}
	b.mu.RUnlock()
	sortIdentities(list)
	return list
}

// Close drops every connection and waits for their handlers to finish.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	conns := make([]*conn, 0, len(b.live))
	for c := range b.live {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	b.cancel()
	for _, c := range conns {
		c.close(websocket.CloseGoingAway, "bridge shutting down")
	}
	b.wg.Wait()
	return nil
}

func (b *Bridge) attach(c *conn) {
	b.mu.Lock()
	b.conns[c.id] = c
	n := len(b.conns)
	hooks := append([]func(Identity){}, b.onConnect...)
	b.mu.Unlock()

	b.metrics.SetBridgeConnections(n)
	c.logger.Info().Msg("probe connected")
	for _, fn := range hooks {
		fn(c.identity)
	}
}

func (b *Bridge) detach(c *conn) {
	b.mu.Lock()
	delete(b.conns, c.id)
	for address, conns := range b.registrations {
		delete(conns, c.id)
		if len(conns) == 0 {
			delete(b.registrations, address)
		}
	}
	n := len(b.conns)
	hooks := append([]func(Identity){}, b.onDisconnect...)
	b.mu.Unlock()

	b.metrics.SetBridgeConnections(n)
	c.logger.Info().Msg("probe disconnected")
	for _, fn := range hooks {
		fn(c.identity)
	}
}

func (b *Bridge) register(c *conn, address string) {
	b.mu.Lock()
	conns, ok := b.registrations[address]
	if !ok {
		conns = make(map[string]*conn)
		b.registrations[address] = conns
	}
	conns[c.id] = c
	hooks := append([]func(Identity, string){}, b.onRegister...)
	b.mu.Unlock()

	c.logger.Debug().Str("address", address).Msg("address registered")
	for _, fn := range hooks {
		fn(c.identity, address)
	}
}

func (b *Bridge) unregister(c *conn, address string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if conns, ok := b.registrations[address]; ok {
		delete(conns, c.id)
		if len(conns) == 0 {
			delete(b.registrations, address)
		}
	}
}

func (b *Bridge) dispatch(ctx context.Context, c *conn, f *protocol.Frame) {
	b.mu.RLock()
	h, ok := b.handlers[f.Address]
	b.mu.RUnlock()
	if !ok {
		c.logger.Debug().Str("address", f.Address).Msg("no handler for address")
		return
	}

	ctx, span := b.tracer.StartBridgeSpan(ctx, f.Address, c.identity.ProbeID)
	defer span.End()

	if err := h(ctx, &Message{Identity: c.identity, Frame: f, Codec: c.codec}); err != nil {
		telemetry.RecordError(span, err)
		c.logger.Warn().Err(err).Str("address", f.Address).Msg("handler failed")
		c.replyError(ctx, f.Address, instrument.CodeOf(err), err.Error())
		return
	}
	telemetry.RecordSuccess(span)
}

func sortIdentities(list []Identity) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].ConnectedAt.Equal(list[j].ConnectedAt) {
			return list[i].ConnectedAt.Before(list[j].ConnectedAt)
		}
		return list[i].ConnectionID < list[j].ConnectionID
	})
}
