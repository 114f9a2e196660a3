package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// MaxFrameSize bounds a single protocol frame. Image payloads dominate; the
// original system moved whole files, so the cap is generous.
const MaxFrameSize = 16 * 1024 * 1024

// Envelope is the outer frame: a step kind and the CBOR-encoded body for
// that step.
type Envelope struct {
	Kind Kind            `cbor:"kind"`
	Body cbor.RawMessage `cbor:"body,omitempty"`
}

// Decode unmarshals the envelope body into the step's body type.
func (e *Envelope) Decode(v any) error {
	if len(e.Body) == 0 {
		return nil
	}
	if err := cbor.Unmarshal(e.Body, v); err != nil {
		return fmt.Errorf("decode %s body: %w", e.Kind, err)
	}
	return nil
}

// Conn frames envelopes over a byte stream as [4-byte BE length][CBOR].
// Reads and writes are independently serialized so a session can be driven
// from one goroutine while another closes it.
type Conn struct {
	reader *bufio.Reader
	writer io.Writer

	readMu  sync.Mutex
	writeMu sync.Mutex
}

// NewConn wraps a stream (typically a TLS connection) in the frame codec.
func NewConn(rw io.ReadWriter) *Conn {
	return &Conn{
		reader: bufio.NewReader(rw),
		writer: rw,
	}
}

// Read reads the next envelope from the stream.
func (c *Conn) Read() (*Envelope, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	lengthBuf := make([]byte, 4)
	if _, err := io.ReadFull(c.reader, lengthBuf); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read length prefix: %w", err)
	}

	length := binary.BigEndian.Uint32(lengthBuf)
	if length > MaxFrameSize {
		return nil, fmt.Errorf("frame too large: %d bytes", length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(c.reader, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	var env Envelope
	if err := cbor.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return &env, nil
}

// ReadKind reads the next envelope and requires it to be of the given kind,
// decoding its body into v. A frame of the wrong kind is a protocol
// violation.
func (c *Conn) ReadKind(kind Kind, v any) error {
	env, err := c.Read()
	if err != nil {
		return err
	}
	if env.Kind != kind {
		return fmt.Errorf("expected %s frame, got %s", kind, env.Kind)
	}
	return env.Decode(v)
}

// Write frames and sends one protocol step.
func (c *Conn) Write(kind Kind, body any) error {
	var raw []byte
	if body != nil {
		var err error
		raw, err = cbor.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s body: %w", kind, err)
		}
	}

	payload, err := cbor.Marshal(&Envelope{Kind: kind, Body: raw})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(payload))
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	lengthBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lengthBuf, uint32(len(payload)))
	if _, err := c.writer.Write(lengthBuf); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}
	if _, err := c.writer.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}
