package bridge

import (
	"fmt"
	"regexp"
	"time"

	"github.com/liveprobe/liveprobe/pkg/protocol"
)

// Config configures the bridge.
type Config struct {
	// InboundPermitted are address patterns remotes may send to.
	InboundPermitted []string `yaml:"inbound_permitted"`
	// OutboundPermitted are address patterns the control plane may send to
	// and remotes may register for.
	OutboundPermitted []string `yaml:"outbound_permitted"`
	// MaxRejections is how many refused frames a connection may send
	// before it is dropped.
	MaxRejections    int           `yaml:"max_rejections" validate:"gte=0"`
	SendQueueSize    int           `yaml:"send_queue_size" validate:"gte=0"`
	SendTimeout      time.Duration `yaml:"send_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	PingPeriod       time.Duration `yaml:"ping_period"`
	PongWait         time.Duration `yaml:"pong_wait"`
	WriteWait        time.Duration `yaml:"write_wait"`
	MaxFrameSize     int64         `yaml:"max_frame_size" validate:"gte=0"`
	RequireAuth      bool          `yaml:"require_auth"`
}

// DefaultConfig returns the default bridge configuration.
func DefaultConfig() Config {
	return Config{
		InboundPermitted:  append([]string(nil), protocol.DefaultInboundPermitted...),
		OutboundPermitted: append([]string(nil), protocol.DefaultOutboundPermitted...),
		MaxRejections:     10,
		SendQueueSize:     256,
		SendTimeout:       5 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		PingPeriod:        30 * time.Second,
		PongWait:          60 * time.Second,
		WriteWait:         10 * time.Second,
		MaxFrameSize:      4 * 1024 * 1024,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.InboundPermitted == nil {
		c.InboundPermitted = d.InboundPermitted
	}
	if c.OutboundPermitted == nil {
		c.OutboundPermitted = d.OutboundPermitted
	}
	if c.MaxRejections <= 0 {
		c.MaxRejections = d.MaxRejections
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = d.SendQueueSize
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = d.SendTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.PongWait <= 0 {
		c.PongWait = d.PongWait
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = c.PongWait * 9 / 10
	}
	if c.WriteWait <= 0 {
		c.WriteWait = d.WriteWait
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = d.MaxFrameSize
	}
	return c
}

// allowList matches addresses against anchored patterns.
// An empty list permits nothing.
type allowList []*regexp.Regexp

func compileAllowList(patterns []string) (allowList, error) {
	list := make(allowList, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile("^(?:" + p + ")$")
		if err != nil {
			return nil, fmt.Errorf("invalid address pattern %q: %w", p, err)
		}
		list = append(list, re)
	}
	return list, nil
}

func (l allowList) permits(address string) bool {
	for _, re := range l {
		if re.MatchString(address) {
			return true
		}
	}
	return false
}
