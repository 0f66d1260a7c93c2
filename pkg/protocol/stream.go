package protocol

import (
	"bufio"
	"fmt"
	"io"
)

// maxLineSize bounds a single JSON-lines frame.
const maxLineSize = 10 * 1024 * 1024

// Encoder writes frames as JSON lines to an io.Writer.
type Encoder struct {
	w *bufio.Writer
}

// NewEncoder creates a new JSON-lines frame encoder.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{
		w: bufio.NewWriter(w),
	}
}

// Encode writes a frame to the output stream.
func (e *Encoder) Encode(f *Frame) error {
	data, err := JSON.EncodeFrame(f)
	if err != nil {
		return err
	}

	if _, err := e.w.Write(data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}

	if err := e.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	if err := e.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	return nil
}

// EncodeMessage wraps v in a message frame for address and writes it.
func (e *Encoder) EncodeMessage(address string, v any) error {
	f, err := NewFrame(JSON, FrameTypeMessage, address, v)
	if err != nil {
		return err
	}
	return e.Encode(f)
}

// Decoder reads JSON-lines frames from an io.Reader.
type Decoder struct {
	r *bufio.Scanner
}

// NewDecoder creates a new JSON-lines frame decoder.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	return &Decoder{
		r: scanner,
	}
}

// Decode reads the next frame from the input stream.
func (d *Decoder) Decode() (*Frame, error) {
	for d.r.Scan() {
		line := d.r.Bytes()
		if len(line) == 0 {
			continue
		}
		return JSON.DecodeFrame(line)
	}
	if err := d.r.Err(); err != nil {
		return nil, fmt.Errorf("scan error: %w", err)
	}
	return nil, io.EOF
}
