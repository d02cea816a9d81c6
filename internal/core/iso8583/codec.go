package iso8583

import (
	"bytes"
	"errors"
	"fmt"
)

// MaxFrameBytes is the hard safety ceiling on a single frame. Declared
// lengths beyond it are treated as stream corruption.
const MaxFrameBytes = 65535

// Codec encodes and decodes framed messages for one header configuration
// and one field specification table. It is stateless and safe for
// concurrent use.
type Codec struct {
	specs  FieldSpecs
	header HeaderConfig
}

// NewCodec creates a codec. A nil spec table falls back to DefaultSpecs.
func NewCodec(specs FieldSpecs, header HeaderConfig) (*Codec, error) {
	if err := header.Validate(); err != nil {
		return nil, err
	}
	if specs == nil {
		specs = DefaultSpecs()
	}
	return &Codec{specs: specs, header: header}, nil
}

// Header returns the codec's framing configuration.
func (c *Codec) Header() HeaderConfig {
	return c.header
}

// Encode serializes the message, recomputing the bitmaps from the populated
// field set and prepending the configured length header.
func (c *Codec) Encode(m *Message) ([]byte, error) {
	if !validMTI(m.mti) {
		return nil, ErrInvalidMTI
	}

	var body bytes.Buffer
	body.WriteString(m.mti)

	primary, secondary, hasSecondary := m.Bitmaps()
	body.Write(primary[:])
	if hasSecondary {
		body.Write(secondary[:])
	}

	for _, n := range m.Fields() {
		spec, ok := c.specs[n]
		if !ok {
			return nil, fmt.Errorf("field %d: %w", n, ErrFieldNotSpecified)
		}
		value := m.fields[n]
		if err := writeField(&body, spec, n, value); err != nil {
			return nil, err
		}
	}

	if body.Len() > MaxFrameBytes {
		return nil, ErrFrameTooLarge
	}
	if !c.header.IncludeLength {
		return body.Bytes(), nil
	}

	declared := body.Len()
	if c.header.IncludesHeader {
		declared += c.header.LengthBytes
	}
	frame := make([]byte, c.header.LengthBytes+body.Len())
	if err := c.header.encodeLength(frame[:c.header.LengthBytes], declared); err != nil {
		return nil, err
	}
	copy(frame[c.header.LengthBytes:], body.Bytes())
	return frame, nil
}

// Decode parses one frame from the front of data. It returns the message and
// the number of bytes consumed. When data holds less than one full frame it
// returns ErrIncompleteFrame and consumes nothing, so a stream reader can
// retry after the next read event. Any other error is connection-fatal.
func (c *Codec) Decode(data []byte) (*Message, int, error) {
	if !c.header.IncludeLength {
		m, n, err := parseBody(data, c.specs, false)
		if err != nil {
			return nil, 0, err
		}
		return m, n, nil
	}

	hb := c.header.LengthBytes
	if len(data) < hb {
		return nil, 0, ErrIncompleteFrame
	}
	declared, err := c.header.decodeLength(data[:hb])
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrFrameMalformed, err)
	}
	bodyLen := declared
	if c.header.IncludesHeader {
		bodyLen -= hb
	}
	if bodyLen <= 0 {
		return nil, 0, fmt.Errorf("%w: declared length %d", ErrFrameMalformed, declared)
	}
	if bodyLen > MaxFrameBytes {
		return nil, 0, fmt.Errorf("%w: declared length %d", ErrFrameTooLarge, declared)
	}
	if len(data) < hb+bodyLen {
		return nil, 0, ErrIncompleteFrame
	}

	m, consumed, err := parseBody(data[hb:hb+bodyLen], c.specs, true)
	if err != nil {
		return nil, 0, err
	}
	if consumed != bodyLen {
		return nil, 0, fmt.Errorf("%w: %d trailing bytes in frame", ErrFrameMalformed, bodyLen-consumed)
	}
	return m, hb + bodyLen, nil
}

// parseBody parses MTI, bitmaps and field values. With bounded true the
// slice is known to hold exactly one frame, so running out of bytes is
// corruption rather than a short read.
func parseBody(data []byte, specs FieldSpecs, bounded bool) (*Message, int, error) {
	short := func() error {
		if bounded {
			return ErrFrameMalformed
		}
		return ErrIncompleteFrame
	}

	if len(data) < 4+bitmapBytes {
		return nil, 0, short()
	}
	mti := string(data[:4])
	if !validMTI(mti) {
		return nil, 0, fmt.Errorf("%w: %q", ErrInvalidMTI, mti)
	}
	offset := 4

	var primary, secondary [bitmapBytes]byte
	copy(primary[:], data[offset:offset+bitmapBytes])
	offset += bitmapBytes

	hasSecondary := primary[0]&0x80 != 0
	if hasSecondary {
		if len(data) < offset+bitmapBytes {
			return nil, 0, short()
		}
		copy(secondary[:], data[offset:offset+bitmapBytes])
		offset += bitmapBytes
	}

	m := NewMessage(mti)
	for n := 2; n <= MaxFieldNumber; n++ {
		if !bitSet(primary, secondary, hasSecondary, n) {
			continue
		}
		spec, ok := specs[n]
		if !ok {
			return nil, 0, fmt.Errorf("%w: field %d present in bitmap", ErrFieldNotSpecified, n)
		}
		value, consumed, err := readField(data[offset:], spec, n, short)
		if err != nil {
			return nil, 0, err
		}
		m.fields[n] = value
		offset += consumed
	}
	return m, offset, nil
}

func bitSet(primary, secondary [bitmapBytes]byte, hasSecondary bool, n int) bool {
	if n <= 64 {
		return primary[(n-1)/8]&(1<<(7-uint((n-1)%8))) != 0
	}
	if !hasSecondary {
		return false
	}
	adjusted := n - 64
	return secondary[(adjusted-1)/8]&(1<<(7-uint((adjusted-1)%8))) != 0
}

func writeField(buf *bytes.Buffer, spec FieldSpec, n int, value []byte) error {
	if spec.Kind == Fixed {
		if len(value) != spec.Length {
			return fmt.Errorf("field %d: have %d bytes, spec requires %d: %w",
				n, len(value), spec.Length, ErrInvalidFieldLength)
		}
		buf.Write(value)
		return nil
	}

	if len(value) > spec.Length {
		return fmt.Errorf("field %d: %d bytes exceeds maximum %d: %w",
			n, len(value), spec.Length, ErrValueTooLong)
	}
	digits := spec.Kind.prefixDigits()
	buf.WriteString(pad(len(value), digits))
	buf.Write(value)
	return nil
}

func readField(data []byte, spec FieldSpec, n int, short func() error) ([]byte, int, error) {
	if spec.Kind == Fixed {
		if len(data) < spec.Length {
			return nil, 0, short()
		}
		value := make([]byte, spec.Length)
		copy(value, data[:spec.Length])
		return value, spec.Length, nil
	}

	digits := spec.Kind.prefixDigits()
	if len(data) < digits {
		return nil, 0, short()
	}
	length := 0
	for i := 0; i < digits; i++ {
		if data[i] < '0' || data[i] > '9' {
			return nil, 0, fmt.Errorf("field %d: non-decimal length prefix: %w", n, ErrInvalidFieldLength)
		}
		length = length*10 + int(data[i]-'0')
	}
	if length > spec.Length {
		return nil, 0, fmt.Errorf("field %d: declared %d exceeds maximum %d: %w",
			n, length, spec.Length, ErrInvalidFieldLength)
	}
	if len(data) < digits+length {
		return nil, 0, short()
	}
	value := make([]byte, length)
	copy(value, data[digits:digits+length])
	return value, digits + length, nil
}

// StreamDecoder accumulates raw bytes from a connection and yields complete
// frames. Partial frames stay buffered across read events.
type StreamDecoder struct {
	codec *Codec
	buf   bytes.Buffer
}

// NewStreamDecoder creates a decoder bound to one connection's byte stream.
func NewStreamDecoder(codec *Codec) *StreamDecoder {
	return &StreamDecoder{codec: codec}
}

// Feed appends bytes received from the transport.
func (d *StreamDecoder) Feed(p []byte) {
	d.buf.Write(p)
}

// Buffered returns the number of bytes awaiting a complete frame.
func (d *StreamDecoder) Buffered() int {
	return d.buf.Len()
}

// Next returns the next complete message, or (nil, nil) when the buffer does
// not yet hold a full frame. A non-nil error means the stream is corrupt and
// the connection must be torn down.
func (d *StreamDecoder) Next() (*Message, error) {
	if d.buf.Len() == 0 {
		return nil, nil
	}
	m, consumed, err := d.codec.Decode(d.buf.Bytes())
	if errors.Is(err, ErrIncompleteFrame) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	d.buf.Next(consumed)
	return m, nil
}
