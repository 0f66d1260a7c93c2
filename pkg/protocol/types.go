// Package protocol defines the frames exchanged between the control plane
// and remote agents over the bridge, and their wire codecs.
package protocol

import (
	"fmt"
	"time"

	"github.com/liveprobe/liveprobe/pkg/instrument"
)

// FrameType represents the type of a bridge frame.
type FrameType string

const (
	// FrameTypeSend delivers a point-to-point message to an address.
	FrameTypeSend FrameType = "send"
	// FrameTypePublish delivers a message to every handler of an address.
	FrameTypePublish FrameType = "publish"
	// FrameTypeRegister subscribes the sending connection to an address.
	FrameTypeRegister FrameType = "register"
	// FrameTypeUnregister removes a registration.
	FrameTypeUnregister FrameType = "unregister"
	// FrameTypeMessage is a delivery from the control plane to a registered connection.
	FrameTypeMessage FrameType = "message"
	// FrameTypePing is a keepalive from the remote.
	FrameTypePing FrameType = "ping"
	// FrameTypePong answers a ping.
	FrameTypePong FrameType = "pong"
	// FrameTypeError reports a rejected frame back to the remote.
	FrameTypeError FrameType = "err"
)

// Validate checks if the frame type is valid.
func (ft FrameType) Validate() error {
	switch ft {
	case FrameTypeSend, FrameTypePublish, FrameTypeRegister, FrameTypeUnregister,
		FrameTypeMessage, FrameTypePing, FrameTypePong, FrameTypeError:
		return nil
	default:
		return fmt.Errorf("unknown frame type: %s", ft)
	}
}

// Addresses used between agents and the control plane.
const (
	// AddressProbeConnected carries the connection announcement.
	AddressProbeConnected = "liveprobe.platform.status.probe-connected"
	// AddressInstrumentApplied reports a successful install.
	AddressInstrumentApplied = "liveprobe.probe.status.instrument-applied"
	// AddressInstrumentRemoved reports a removal with its cause.
	AddressInstrumentRemoved = "liveprobe.probe.status.instrument-removed"
	// AddressInstrumentHit carries hit records.
	AddressInstrumentHit = "liveprobe.probe.status.instrument-hit"
	// AddressInstrumentError reports condition evaluation failures.
	AddressInstrumentError = "liveprobe.probe.status.instrument-error"
	// AddressInstrumentCommand is registered by agents to receive commands.
	AddressInstrumentCommand = "liveprobe.probe.command.instruments"
)

// Default allow-lists. Inbound frames flow from remotes to the control plane;
// outbound frames flow to remotes and gate register requests.
var (
	DefaultInboundPermitted  = []string{`liveprobe\.platform\.status\..+`, `liveprobe\.probe\.status\..+`}
	DefaultOutboundPermitted = []string{`liveprobe\.probe\.command\..+`}
)

// Header names.
const (
	HeaderProbeID      = "probe_id"
	HeaderConnectionID = "connection_id"
	HeaderAuthToken    = "auth-token"
)

// Frame is a single bridge message.
type Frame struct {
	Type         FrameType         `json:"type"`
	Address      string            `json:"address,omitempty"`
	ReplyAddress string            `json:"reply_address,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	// Body holds the payload encoded with the connection's codec.
	Body []byte `json:"-"`
}

// Header returns a header value or the empty string.
func (f *Frame) Header(name string) string {
	if f.Headers == nil {
		return ""
	}
	return f.Headers[name]
}

// SetHeader sets a header, allocating the map if needed.
func (f *Frame) SetHeader(name, value string) {
	if f.Headers == nil {
		f.Headers = make(map[string]string)
	}
	f.Headers[name] = value
}

// Validate checks the frame's structure.
func (f *Frame) Validate() error {
	if err := f.Type.Validate(); err != nil {
		return err
	}
	switch f.Type {
	case FrameTypeSend, FrameTypePublish, FrameTypeRegister, FrameTypeUnregister, FrameTypeMessage:
		if f.Address == "" {
			return fmt.Errorf("%s frame requires an address", f.Type)
		}
	}
	return nil
}

// Announcement is the body of the first frame a remote sends after connecting.
type Announcement struct {
	ProbeID   string            `json:"probe_id"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Validate checks the announcement.
func (a *Announcement) Validate() error {
	if a.ProbeID == "" {
		return fmt.Errorf("announcement requires probe_id")
	}
	return nil
}

// CommandType represents the type of instrument command.
type CommandType string

const (
	// CommandAddInstruments installs instruments.
	CommandAddInstruments CommandType = "add_instruments"
	// CommandRemoveInstruments removes instruments by id or location.
	CommandRemoveInstruments CommandType = "remove_instruments"
	// CommandClearInstruments removes every instrument.
	CommandClearInstruments CommandType = "clear_instruments"
)

// Command is sent from the control plane to remotes.
type Command struct {
	Type          CommandType              `json:"type"`
	Instruments   []*instrument.Instrument `json:"instruments,omitempty"`
	InstrumentIDs []string                 `json:"instrument_ids,omitempty"`
	Locations     []instrument.Location    `json:"locations,omitempty"`
}

// Validate checks the command.
func (c *Command) Validate() error {
	switch c.Type {
	case CommandAddInstruments:
		if len(c.Instruments) == 0 {
			return fmt.Errorf("add command requires instruments")
		}
	case CommandRemoveInstruments:
		if len(c.InstrumentIDs) == 0 && len(c.Locations) == 0 {
			return fmt.Errorf("remove command requires ids or locations")
		}
	case CommandClearInstruments:
	default:
		return fmt.Errorf("unknown command type: %s", c.Type)
	}
	return nil
}

// StatusReport is sent by remotes for applied, removed and error notifications.
type StatusReport struct {
	InstrumentID string                  `json:"instrument_id"`
	Kind         instrument.Kind         `json:"kind,omitempty"`
	Location     instrument.Location     `json:"location"`
	OccurredAt   time.Time               `json:"occurred_at"`
	Cause        instrument.RemovalCause `json:"cause,omitempty"`
	Code         string                  `json:"code,omitempty"`
	Error        string                  `json:"error,omitempty"`
}

// ErrorReply is the body of an err frame sent back to a remote.
type ErrorReply struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// Address is the address of the frame that was refused, if known.
	Address string `json:"address,omitempty"`
}
