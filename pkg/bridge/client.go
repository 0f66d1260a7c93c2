package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/liveprobe/liveprobe/pkg/protocol"
)

// DialOptions configures a bridge client.
type DialOptions struct {
	// Codec defaults to JSON.
	Codec            protocol.Codec
	Header           http.Header
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	FrameBuffer      int
}

// Client is the remote end of a bridge connection, used by agents.
type Client struct {
	ws           *websocket.Conn
	codec        protocol.Codec
	writeTimeout time.Duration

	writeMu sync.Mutex
	frames  chan *protocol.Frame
	done    chan struct{}

	mu      sync.Mutex
	err     error
	closed  bool
	waiters map[string]chan struct{}
}

// Dial connects to a bridge endpoint.
func Dial(ctx context.Context, url string, opts DialOptions) (*Client, error) {
	if opts.Codec == nil {
		opts.Codec = protocol.JSON
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.FrameBuffer <= 0 {
		opts.FrameBuffer = 64
	}

	dialer := websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, url, opts.Header)
	if err != nil {
		return nil, fmt.Errorf("failed to dial bridge: %w", err)
	}

	c := &Client{
		ws:           ws,
		codec:        opts.Codec,
		writeTimeout: opts.WriteTimeout,
		frames:       make(chan *protocol.Frame, opts.FrameBuffer),
		done:         make(chan struct{}),
		waiters:      make(map[string]chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Codec returns the codec frames are encoded with.
func (c *Client) Codec() protocol.Codec {
	return c.codec
}

// Announce sends the connection announcement. It must be the first frame.
func (c *Client) Announce(ctx context.Context, ann *protocol.Announcement, token string) error {
	if ann.Timestamp.IsZero() {
		ann.Timestamp = time.Now().UTC()
	}
	f, err := protocol.NewFrame(c.codec, protocol.FrameTypeSend, protocol.AddressProbeConnected, ann)
	if err != nil {
		return err
	}
	if token != "" {
		f.SetHeader(protocol.HeaderAuthToken, token)
	}
	return c.write(ctx, f)
}

// Register asks the bridge to deliver frames for address.
func (c *Client) Register(ctx context.Context, address string) error {
	return c.write(ctx, &protocol.Frame{Type: protocol.FrameTypeRegister, Address: address})
}

// Unregister stops delivery for address.
func (c *Client) Unregister(ctx context.Context, address string) error {
	return c.write(ctx, &protocol.Frame{Type: protocol.FrameTypeUnregister, Address: address})
}

// Send sends v to address.
func (c *Client) Send(ctx context.Context, address string, v any) error {
	f, err := protocol.NewFrame(c.codec, protocol.FrameTypeSend, address, v)
	if err != nil {
		return err
	}
	return c.write(ctx, f)
}

// Sync waits until the bridge has processed every frame sent before it.
func (c *Client) Sync(ctx context.Context) error {
	token := uuid.New().String()
	ch := make(chan struct{})
	c.mu.Lock()
	c.waiters[token] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiters, token)
		c.mu.Unlock()
	}()

	if err := c.write(ctx, &protocol.Frame{Type: protocol.FrameTypePing, ReplyAddress: token}); err != nil {
		return err
	}
	select {
	case <-ch:
		return nil
	case <-c.done:
		return c.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Frames delivers message and err frames. It is closed when the
// connection ends.
func (c *Client) Frames() <-chan *protocol.Frame {
	return c.frames
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the connection, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close closes the connection.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.finish(nil)
	return nil
}

func (c *Client) write(ctx context.Context, f *protocol.Frame) error {
	data, err := c.codec.EncodeFrame(f)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.isClosed() {
		return c.closedErr()
	}
	msgType := websocket.TextMessage
	if c.codec.Binary() {
		msgType = websocket.BinaryMessage
	}
	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(msgType, data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer close(c.frames)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.finish(err)
			return
		}
		f, err := c.codec.DecodeFrame(data)
		if err != nil {
			continue
		}
		if f.Type == protocol.FrameTypePong {
			c.mu.Lock()
			ch, ok := c.waiters[f.ReplyAddress]
			if ok {
				delete(c.waiters, f.ReplyAddress)
			}
			c.mu.Unlock()
			if ok {
				close(ch)
			}
			continue
		}
		select {
		case c.frames <- f:
		case <-c.done:
			return
		}
	}
}

func (c *Client) finish(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		c.err = err
	}
	c.mu.Unlock()
	close(c.done)
	_ = c.ws.Close()
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) closedErr() error {
	if err := c.Err(); err != nil {
		return err
	}
	return errors.New("bridge connection closed")
}
