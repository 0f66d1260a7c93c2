package bridge

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liveprobe/liveprobe/pkg/auth"
	"github.com/liveprobe/liveprobe/pkg/instrument"
	"github.com/liveprobe/liveprobe/pkg/protocol"
)

func newTestBridge(t *testing.T, cfg Config, authenticator Authenticator) (*Bridge, string) {
	t.Helper()
	b, err := New(Options{Config: cfg, Auth: authenticator, Logger: zerolog.Nop()})
	require.NoError(t, err)
	srv := httptest.NewServer(b)
	t.Cleanup(func() {
		_ = b.Close()
		srv.Close()
	})
	return b, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialAndAnnounce(t *testing.T, url, probeID string, codec protocol.Codec, token string) *Client {
	t.Helper()
	ctx := context.Background()
	c, err := Dial(ctx, url, DialOptions{Codec: codec})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.Announce(ctx, &protocol.Announcement{ProbeID: probeID}, token))
	return c
}

func nextFrame(t *testing.T, c *Client) *protocol.Frame {
	t.Helper()
	select {
	case f, ok := <-c.Frames():
		require.True(t, ok, "connection closed")
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func waitClosed(t *testing.T, c *Client) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("connection was not closed")
	}
}

func TestInboundFramesCarryAnnouncedIdentity(t *testing.T) {
	b, url := newTestBridge(t, Config{}, nil)

	connected := make(chan Identity, 1)
	b.OnConnect(func(id Identity) { connected <- id })

	msgs := make(chan *Message, 1)
	b.Handle(protocol.AddressInstrumentHit, func(_ context.Context, msg *Message) error {
		msgs <- msg
		return nil
	})

	c := dialAndAnnounce(t, url, "probe-1", nil, "")
	ctx := context.Background()

	f, err := protocol.NewFrame(c.Codec(), protocol.FrameTypeSend, protocol.AddressInstrumentHit, &instrument.Hit{InstrumentID: "bp-1"})
	require.NoError(t, err)
	f.SetHeader(protocol.HeaderProbeID, "forged")
	require.NoError(t, c.write(ctx, f))
	require.NoError(t, c.Sync(ctx))

	id := <-connected
	assert.Equal(t, "probe-1", id.ProbeID)

	msg := <-msgs
	assert.Equal(t, "probe-1", msg.Frame.Header(protocol.HeaderProbeID))
	assert.Equal(t, id.ConnectionID, msg.Frame.Header(protocol.HeaderConnectionID))
	var hit instrument.Hit
	require.NoError(t, msg.Decode(&hit))
	assert.Equal(t, "bp-1", hit.InstrumentID)

	active := b.ActiveConnections()
	require.Len(t, active, 1)
	assert.Equal(t, "probe-1", active[0].ProbeID)
}

func TestFramesProcessedInArrivalOrder(t *testing.T) {
	b, url := newTestBridge(t, Config{}, nil)

	var mu sync.Mutex
	var got []string
	b.Handle(protocol.AddressInstrumentHit, func(_ context.Context, msg *Message) error {
		var hit instrument.Hit
		if err := msg.Decode(&hit); err != nil {
			return err
		}
		mu.Lock()
		got = append(got, hit.InstrumentID)
		mu.Unlock()
		return nil
	})

	c := dialAndAnnounce(t, url, "probe-1", nil, "")
	ctx := context.Background()
	var want []string
	for i := 0; i < 50; i++ {
		id := string(rune('a'+i%26)) + strings.Repeat("x", i/26)
		want = append(want, id)
		require.NoError(t, c.Send(ctx, protocol.AddressInstrumentHit, &instrument.Hit{InstrumentID: id}))
	}
	require.NoError(t, c.Sync(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, got)
}

func TestFirstFrameMustAnnounce(t *testing.T) {
	_, url := newTestBridge(t, Config{}, nil)
	ctx := context.Background()

	c, err := Dial(ctx, url, DialOptions{})
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Register(ctx, protocol.AddressInstrumentCommand))

	f := nextFrame(t, c)
	assert.Equal(t, protocol.FrameTypeError, f.Type)
	var reply protocol.ErrorReply
	require.NoError(t, protocol.DecodeBody(c.Codec(), f, &reply))
	assert.Equal(t, instrument.ErrCodeTransportRejected, reply.Code)
	waitClosed(t, c)
}

func TestRejectedFramesDropConnection(t *testing.T) {
	b, url := newTestBridge(t, Config{MaxRejections: 2}, nil)
	disconnected := make(chan Identity, 1)
	b.OnDisconnect(func(id Identity) { disconnected <- id })

	c := dialAndAnnounce(t, url, "probe-1", nil, "")
	ctx := context.Background()

	require.NoError(t, c.Send(ctx, "evil.address", map[string]string{"a": "b"}))
	f := nextFrame(t, c)
	assert.Equal(t, protocol.FrameTypeError, f.Type)
	assert.Equal(t, "evil.address", f.Address)

	require.NoError(t, c.Send(ctx, "evil.address", map[string]string{"a": "b"}))
	require.NoError(t, c.Sync(ctx))
	assert.Len(t, b.ActiveConnections(), 1)

	_ = c.Send(ctx, "evil.address", map[string]string{"a": "b"})
	waitClosed(t, c)

	select {
	case id := <-disconnected:
		assert.Equal(t, "probe-1", id.ProbeID)
	case <-time.After(5 * time.Second):
		t.Fatal("disconnect hook not called")
	}
}

func TestRegisterRequiresOutboundPermission(t *testing.T) {
	b, url := newTestBridge(t, Config{}, nil)
	c := dialAndAnnounce(t, url, "probe-1", nil, "")
	ctx := context.Background()

	require.NoError(t, c.Register(ctx, "liveprobe.platform.status.probe-connected"))
	f := nextFrame(t, c)
	assert.Equal(t, protocol.FrameTypeError, f.Type)
	assert.Empty(t, b.Registered("liveprobe.platform.status.probe-connected"))
}

func TestPublishDeliversToRegisteredRemotes(t *testing.T) {
	for _, codec := range []protocol.Codec{protocol.JSON, protocol.CBOR} {
		t.Run(codec.Name(), func(t *testing.T) {
			b, url := newTestBridge(t, Config{}, nil)
			ctx := context.Background()
			cmd := &protocol.Command{Type: protocol.CommandRemoveInstruments, InstrumentIDs: []string{"bp-1"}}

			_, err := b.Publish(ctx, protocol.AddressInstrumentCommand, cmd)
			require.Error(t, err)
			assert.True(t, instrument.IsRemoteUnavailable(err))

			registered := make(chan string, 1)
			b.OnRegister(func(_ Identity, address string) { registered <- address })

			c := dialAndAnnounce(t, url, "probe-1", codec, "")
			require.NoError(t, c.Register(ctx, protocol.AddressInstrumentCommand))
			require.NoError(t, c.Sync(ctx))
			assert.Equal(t, protocol.AddressInstrumentCommand, <-registered)

			n, err := b.Publish(ctx, protocol.AddressInstrumentCommand, cmd)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			f := nextFrame(t, c)
			assert.Equal(t, protocol.FrameTypeMessage, f.Type)
			var got protocol.Command
			require.NoError(t, protocol.DecodeBody(codec, f, &got))
			assert.Equal(t, []string{"bp-1"}, got.InstrumentIDs)

			require.NoError(t, c.Unregister(ctx, protocol.AddressInstrumentCommand))
			require.NoError(t, c.Sync(ctx))
			assert.Empty(t, b.Registered(protocol.AddressInstrumentCommand))
		})
	}
}

func TestPublishOutboundNotPermitted(t *testing.T) {
	b, _ := newTestBridge(t, Config{}, nil)
	_, err := b.Publish(context.Background(), "liveprobe.platform.status.x", struct{}{})
	assert.True(t, instrument.IsTransportRejected(err))

	err = b.SendTo(context.Background(), "nope", protocol.AddressInstrumentCommand, struct{}{})
	assert.True(t, instrument.IsRemoteUnavailable(err))
}

func TestHandlerErrorIsReportedToSender(t *testing.T) {
	b, url := newTestBridge(t, Config{}, nil)
	b.Handle(protocol.AddressInstrumentApplied, func(context.Context, *Message) error {
		return instrument.NewNotFoundError("bp-9")
	})

	c := dialAndAnnounce(t, url, "probe-1", nil, "")
	require.NoError(t, c.Send(context.Background(), protocol.AddressInstrumentApplied, &protocol.StatusReport{InstrumentID: "bp-9"}))

	f := nextFrame(t, c)
	var reply protocol.ErrorReply
	require.NoError(t, protocol.DecodeBody(c.Codec(), f, &reply))
	assert.Equal(t, instrument.ErrCodeNotFound, reply.Code)
}

func TestAnnouncementAuthentication(t *testing.T) {
	jwtm, err := auth.NewJWTManager("test-secret", "", time.Hour)
	require.NoError(t, err)
	b, url := newTestBridge(t, Config{RequireAuth: true}, TokenAuthenticator{JWT: jwtm})

	agentToken, _, err := jwtm.IssueToken("agent-1", auth.RoleAgent, 0)
	require.NoError(t, err)
	viewerToken, _, err := jwtm.IssueToken("viewer-1", auth.RoleViewer, 0)
	require.NoError(t, err)

	tests := []struct {
		name   string
		token  string
		accept bool
	}{
		{"missing token", "", false},
		{"garbage token", "not-a-jwt", false},
		{"viewer role", viewerToken, false},
		{"agent role", agentToken, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := dialAndAnnounce(t, url, "probe-"+tt.name, nil, tt.token)
			if !tt.accept {
				f := nextFrame(t, c)
				assert.Equal(t, protocol.FrameTypeError, f.Type)
				waitClosed(t, c)
				return
			}
			require.NoError(t, c.Sync(context.Background()))
			found := false
			for _, id := range b.ActiveConnections() {
				if id.ProbeID == "probe-"+tt.name {
					found = true
					assert.Equal(t, "agent-1", id.Subject)
				}
			}
			assert.True(t, found)
		})
	}
}

func TestNewRequiresAuthenticator(t *testing.T) {
	_, err := New(Options{Config: Config{RequireAuth: true}})
	assert.Error(t, err)

	_, err = New(Options{Config: Config{InboundPermitted: []string{"("}}})
	assert.Error(t, err)
}

func TestAllowListIsAnchored(t *testing.T) {
	list, err := compileAllowList([]string{`liveprobe\.probe\.status\..+`})
	require.NoError(t, err)
	assert.True(t, list.permits("liveprobe.probe.status.instrument-hit"))
	assert.False(t, list.permits("x.liveprobe.probe.status.instrument-hit"))
	assert.False(t, allowList(nil).permits("anything"))
}

func TestCloseDisconnectsClients(t *testing.T) {
	b, url := newTestBridge(t, Config{}, nil)
	c := dialAndAnnounce(t, url, "probe-1", nil, "")
	require.NoError(t, c.Sync(context.Background()))

	require.NoError(t, b.Close())
	waitClosed(t, c)
	assert.Empty(t, b.ActiveConnections())

	err := c.Sync(context.Background())
	assert.Error(t, err)
	assert.False(t, errors.Is(err, context.DeadlineExceeded))
}
