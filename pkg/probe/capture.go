package probe

import (
	"fmt"
	"sort"
	"strings"

	"github.com/liveprobe/liveprobe/pkg/condition"
	"github.com/liveprobe/liveprobe/pkg/instrument"
)

// CaptureLimits bounds the size of captured hit data.
type CaptureLimits struct {
	MaxDepth          int `yaml:"max_depth"`
	MaxStringLength   int `yaml:"max_string_length"`
	MaxCollectionSize int `yaml:"max_collection_size"`
	MaxFrames         int `yaml:"max_frames"`
}

// DefaultCaptureLimits returns the limits used when none are configured.
func DefaultCaptureLimits() CaptureLimits {
	return CaptureLimits{
		MaxDepth:          3,
		MaxStringLength:   256,
		MaxCollectionSize: 100,
		MaxFrames:         32,
	}
}

func (l CaptureLimits) withDefaults() CaptureLimits {
	d := DefaultCaptureLimits()
	if l.MaxDepth <= 0 {
		l.MaxDepth = d.MaxDepth
	}
	if l.MaxStringLength <= 0 {
		l.MaxStringLength = d.MaxStringLength
	}
	if l.MaxCollectionSize <= 0 {
		l.MaxCollectionSize = d.MaxCollectionSize
	}
	if l.MaxFrames <= 0 {
		l.MaxFrames = d.MaxFrames
	}
	return l
}

const truncatedMarker = "..."

// Variables captures the locals of a snapshot, plus "this" when present.
func (l CaptureLimits) Variables(snap *condition.Snapshot) map[string]any {
	vars := make(map[string]any, len(snap.Locals)+1)
	for _, name := range sortedKeys(snap.Locals) {
		if len(vars) >= l.MaxCollectionSize {
			break
		}
		vars[name] = l.Value(snap.Locals[name], 1)
	}
	if snap.This != nil {
		vars["this"] = l.Value(snap.This, 1)
	}
	return vars
}

// Frames returns at most MaxFrames frames, innermost first.
func (l CaptureLimits) Frames(frames []instrument.StackFrame) []instrument.StackFrame {
	if len(frames) > l.MaxFrames {
		frames = frames[:l.MaxFrames]
	}
	return append([]instrument.StackFrame(nil), frames...)
}

// Value returns a bounded copy of v at the given nesting depth.
func (l CaptureLimits) Value(v any, depth int) any {
	switch x := v.(type) {
	case nil, bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return x
	case string:
		return l.truncate(x)
	case []any:
		if depth >= l.MaxDepth {
			return fmt.Sprintf("[%d items]", len(x))
		}
		n := len(x)
		if n > l.MaxCollectionSize {
			n = l.MaxCollectionSize
		}
		out := make([]any, n, n+1)
		for i := 0; i < n; i++ {
			out[i] = l.Value(x[i], depth+1)
		}
		if len(x) > n {
			out = append(out, truncatedMarker)
		}
		return out
	case map[string]any:
		if depth >= l.MaxDepth {
			return fmt.Sprintf("{%d keys}", len(x))
		}
		out := make(map[string]any, len(x))
		for _, k := range sortedKeys(x) {
			if len(out) >= l.MaxCollectionSize {
				break
			}
			out[k] = l.Value(x[k], depth+1)
		}
		return out
	default:
		return l.truncate(fmt.Sprint(x))
	}
}

func (l CaptureLimits) truncate(s string) string {
	if len(s) <= l.MaxStringLength {
		return s
	}
	return s[:l.MaxStringLength] + truncatedMarker
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// formatMessage fills "{}" placeholders in order.
func formatMessage(format string, args []any) string {
	var b strings.Builder
	rest := format
	for _, arg := range args {
		i := strings.Index(rest, "{}")
		if i < 0 {
			break
		}
		b.WriteString(rest[:i])
		fmt.Fprint(&b, arg)
		rest = rest[i+2:]
	}
	b.WriteString(rest)
	return b.String()
}
