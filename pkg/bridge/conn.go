package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/liveprobe/liveprobe/pkg/instrument"
	"github.com/liveprobe/liveprobe/pkg/protocol"
)

var errConnClosed = errors.New("connection closed")

// errTooManyRejections ends the read loop of a misbehaving remote.
var errTooManyRejections = errors.New("too many rejected frames")

type outbound struct {
	messageType int
	data        []byte
	frameType   protocol.FrameType
}

type conn struct {
	bridge *Bridge
	ws     *websocket.Conn
	id     string
	remote string
	logger zerolog.Logger

	// codec and identity are set by the handshake before the connection
	// becomes visible to other goroutines.
	codec    protocol.Codec
	identity Identity

	send       chan outbound
	done       chan struct{}
	closeOnce  sync.Once
	rejections int
}

func newConn(b *Bridge, ws *websocket.Conn, remote string) *conn {
	id := uuid.New().String()
	return &conn{
		bridge: b,
		ws:     ws,
		id:     id,
		remote: remote,
		logger: b.logger.With().Str("connection_id", id).Logger(),
		send:   make(chan outbound, b.cfg.SendQueueSize),
		done:   make(chan struct{}),
	}
}

func (c *conn) serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cfg := c.bridge.cfg
	c.ws.SetReadLimit(cfg.MaxFrameSize)

	if err := c.handshake(); err != nil {
		c.logger.Warn().Err(err).Str("remote_addr", c.remote).Msg("connection refused")
		c.close(websocket.ClosePolicyViolation, "announcement refused")
		return
	}
	c.logger = c.logger.With().Str("probe_id", c.identity.ProbeID).Logger()

	go c.writePump()
	defer c.close(websocket.CloseNormalClosure, "")

	c.bridge.attach(c)
	defer c.bridge.detach(c)

	_ = c.ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug().Err(err).Msg("connection read failed")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(cfg.PongWait))

		if err := c.handle(ctx, mt, data); err != nil {
			c.logger.Warn().Err(err).Msg("dropping connection")
			return
		}
	}
}

// handshake reads the announcement, which must be the first frame.
// Its websocket message type selects the connection's codec.
func (c *conn) handshake() error {
	_ = c.ws.SetReadDeadline(time.Now().Add(c.bridge.cfg.HandshakeTimeout))
	mt, data, err := c.ws.ReadMessage()
	if err != nil {
		return fmt.Errorf("failed to read announcement: %w", err)
	}

	c.codec = protocol.JSON
	if mt == websocket.BinaryMessage {
		c.codec = protocol.CBOR
	}

	f, err := c.codec.DecodeFrame(data)
	if err != nil {
		return c.refuse("", "malformed_frame", err.Error())
	}
	if f.Address != protocol.AddressProbeConnected ||
		(f.Type != protocol.FrameTypeSend && f.Type != protocol.FrameTypePublish) {
		return c.refuse(f.Address, "announcement_required", "first frame must announce the remote")
	}

	var ann protocol.Announcement
	if err := protocol.DecodeBody(c.codec, f, &ann); err != nil {
		return c.refuse(f.Address, "malformed_announcement", err.Error())
	}
	if err := ann.Validate(); err != nil {
		return c.refuse(f.Address, "malformed_announcement", err.Error())
	}

	var subject string
	if c.bridge.auth != nil {
		id, err := c.bridge.auth.Authenticate(f.Header(protocol.HeaderAuthToken))
		if err != nil {
			return c.refuse(f.Address, "unauthenticated", err.Error())
		}
		subject = id.Subject
	}

	c.identity = Identity{
		ConnectionID: c.id,
		ProbeID:      ann.ProbeID,
		Subject:      subject,
		Metadata:     ann.Metadata,
		ConnectedAt:  time.Now().UTC(),
		RemoteAddr:   c.remote,
	}
	c.bridge.metrics.RecordBridgeFrame("inbound", string(f.Type))
	return nil
}

// refuse writes an err frame directly. It is only used before the write
// pump starts.
func (c *conn) refuse(address, reason, message string) error {
	c.bridge.metrics.RecordBridgeRejection(reason)
	f, err := protocol.NewFrame(c.codec, protocol.FrameTypeError, address, &protocol.ErrorReply{
		Code:    instrument.ErrCodeTransportRejected,
		Message: message,
		Address: address,
	})
	if err == nil {
		if data, err := c.codec.EncodeFrame(f); err == nil {
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.bridge.cfg.WriteWait))
			_ = c.ws.WriteMessage(c.messageType(), data)
		}
	}
	return instrument.NewTransportRejectedError(address, reason+": "+message)
}

func (c *conn) handle(ctx context.Context, mt int, data []byte) error {
	if mt != c.messageType() {
		return c.reject(ctx, "", "codec_mismatch", "frame encoding does not match the announcement")
	}
	f, err := c.codec.DecodeFrame(data)
	if err != nil {
		return c.reject(ctx, "", "malformed_frame", err.Error())
	}
	c.bridge.metrics.RecordBridgeFrame("inbound", string(f.Type))

	switch f.Type {
	case protocol.FrameTypePing:
		return c.enqueue(ctx, &protocol.Frame{Type: protocol.FrameTypePong, ReplyAddress: f.ReplyAddress})

	case protocol.FrameTypePong:
		return nil

	case protocol.FrameTypeSend, protocol.FrameTypePublish:
		if !c.bridge.inbound.permits(f.Address) {
			return c.reject(ctx, f.Address, "inbound_not_permitted", "address not permitted")
		}
		c.stamp(f)
		c.bridge.dispatch(ctx, c, f)
		return nil

	case protocol.FrameTypeRegister:
		if !c.bridge.outbound.permits(f.Address) {
			return c.reject(ctx, f.Address, "register_not_permitted", "address not permitted")
		}
		c.bridge.register(c, f.Address)
		return nil

	case protocol.FrameTypeUnregister:
		c.bridge.unregister(c, f.Address)
		return nil

	default:
		return c.reject(ctx, f.Address, "unexpected_frame_type", "remotes may not send "+string(f.Type)+" frames")
	}
}

// stamp replaces any identity headers claimed by the remote with the ones
// learned from its announcement.
func (c *conn) stamp(f *protocol.Frame) {
	delete(f.Headers, protocol.HeaderAuthToken)
	f.SetHeader(protocol.HeaderProbeID, c.identity.ProbeID)
	f.SetHeader(protocol.HeaderConnectionID, c.identity.ConnectionID)
}

// reject answers a refused frame and returns an error once the remote has
// exceeded the rejection budget.
func (c *conn) reject(ctx context.Context, address, reason, message string) error {
	c.bridge.metrics.RecordBridgeRejection(reason)
	c.rejections++
	c.logger.Debug().
		Str("address", address).
		Str("reason", reason).
		Int("rejections", c.rejections).
		Msg("frame rejected")

	c.replyError(ctx, address, instrument.ErrCodeTransportRejected, message)
	if c.rejections > c.bridge.cfg.MaxRejections {
		return errTooManyRejections
	}
	return nil
}

func (c *conn) replyError(ctx context.Context, address, code, message string) {
	f, err := protocol.NewFrame(c.codec, protocol.FrameTypeError, address, &protocol.ErrorReply{
		Code:    code,
		Message: message,
		Address: address,
	})
	if err != nil {
		return
	}
	if err := c.enqueue(ctx, f); err != nil {
		c.logger.Debug().Err(err).Msg("failed to send error reply")
	}
}

func (c *conn) sendMessage(ctx context.Context, address string, v any) error {
	f, err := protocol.NewFrame(c.codec, protocol.FrameTypeMessage, address, v)
	if err != nil {
		return err
	}
	return c.enqueue(ctx, f)
}

// enqueue hands a frame to the write pump, waiting at most SendTimeout.
// A remote that cannot keep up is disconnected.
func (c *conn) enqueue(ctx context.Context, f *protocol.Frame) error {
	data, err := c.codec.EncodeFrame(f)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return errConnClosed
	default:
	}

	timer := time.NewTimer(c.bridge.cfg.SendTimeout)
	defer timer.Stop()

	select {
	case c.send <- outbound{messageType: c.messageType(), data: data, frameType: f.Type}:
		return nil
	case <-c.done:
		return errConnClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		c.bridge.metrics.RecordBridgeSendTimeout()
		c.close(websocket.ClosePolicyViolation, "send queue full")
		return instrument.NewRemoteUnavailableError("send to " + c.identity.ProbeID + " timed out")
	}
}

func (c *conn) writePump() {
	cfg := c.bridge.cfg
	ticker := time.NewTicker(cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case out := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.ws.WriteMessage(out.messageType, out.data); err != nil {
				c.logger.Debug().Err(err).Msg("connection write failed")
				c.close(websocket.CloseAbnormalClosure, "")
				return
			}
			c.bridge.metrics.RecordBridgeFrame("outbound", string(out.frameType))
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(cfg.WriteWait)); err != nil {
				c.close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *conn) close(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		if code != websocket.CloseAbnormalClosure {
			msg := websocket.FormatCloseMessage(code, reason)
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		}
		_ = c.ws.Close()
	})
}

func (c *conn) messageType() int {
	if c.codec != nil && c.codec.Binary() {
		return websocket.BinaryMessage
	}
	return websocket.TextMessage
}
