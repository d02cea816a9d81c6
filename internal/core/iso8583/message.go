package iso8583

import (
	"bytes"
	"sort"
	"strconv"
)

const (
	// MaxFieldNumber is the highest data element a two-bitmap message can carry.
	MaxFieldNumber = 128

	bitmapBytes = 8
)

// Message is a bitmap-keyed financial message: a 4-digit MTI plus a sparse
// set of numbered data elements. The presence bitmaps are derived from the
// populated field set at encode time, never stored.
type Message struct {
	mti    string
	fields map[int][]byte
}

// NewMessage creates an empty message with the given MTI. The MTI is not
// validated here; Encode rejects anything that is not 4 decimal digits.
func NewMessage(mti string) *Message {
	return &Message{
		mti:    mti,
		fields: make(map[int][]byte),
	}
}

// MTI returns the message type indicator.
func (m *Message) MTI() string {
	return m.mti
}

// SetMTI replaces the message type indicator.
func (m *Message) SetMTI(mti string) {
	m.mti = mti
}

// ResponseMTI derives the MTI a response to this message carries: the
// function digit pair is incremented by one (0200 -> 0210, 0800 -> 0810).
func (m *Message) ResponseMTI() (string, error) {
	if !validMTI(m.mti) {
		return "", ErrInvalidMTI
	}
	n, _ := strconv.Atoi(m.mti)
	n += 10
	if n > 9999 {
		return "", ErrInvalidMTI
	}
	return pad(n, 4), nil
}

// IsRequest reports whether the origin digit marks this as a request-class
// message (even function digit, per convention).
func (m *Message) IsRequest() bool {
	if !validMTI(m.mti) {
		return false
	}
	return (m.mti[2]-'0')%2 == 0
}

// SetField sets a string-valued data element.
func (m *Message) SetField(number int, value string) error {
	return m.SetBinary(number, []byte(value))
}

// SetBinary sets a raw data element. Field 1 is reserved for the secondary
// bitmap indicator and cannot carry a value.
func (m *Message) SetBinary(number int, value []byte) error {
	if number <= 1 || number > MaxFieldNumber {
		return ErrFieldOutOfRange
	}
	buf := make([]byte, len(value))
	copy(buf, value)
	m.fields[number] = buf
	return nil
}

// Unset removes a data element if present.
func (m *Message) Unset(number int) {
	delete(m.fields, number)
}

// Has reports whether the data element is populated.
func (m *Message) Has(number int) bool {
	_, ok := m.fields[number]
	return ok
}

// GetString returns the data element as a string.
func (m *Message) GetString(number int) (string, error) {
	v, ok := m.fields[number]
	if !ok {
		return "", ErrFieldNotPresent
	}
	return string(v), nil
}

// GetBytes returns the raw data element value.
func (m *Message) GetBytes(number int) ([]byte, error) {
	v, ok := m.fields[number]
	if !ok {
		return nil, ErrFieldNotPresent
	}
	return v, nil
}

// GetInt parses the data element as a decimal integer.
func (m *Message) GetInt(number int) (int, error) {
	s, err := m.GetString(number)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(s)
}

// Fields returns the populated data element numbers in ascending order.
func (m *Message) Fields() []int {
	nums := make([]int, 0, len(m.fields))
	for n := range m.fields {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	return nums
}

// Bitmaps recomputes the primary and secondary presence maps from the
// populated field set. hasSecondary is true when any field above 64 is set;
// bit 1 of the primary map is the secondary indicator.
func (m *Message) Bitmaps() (primary, secondary [bitmapBytes]byte, hasSecondary bool) {
	for n := range m.fields {
		if n > 64 {
			hasSecondary = true
			adjusted := n - 64
			secondary[(adjusted-1)/8] |= 1 << (7 - uint((adjusted-1)%8))
		} else {
			primary[(n-1)/8] |= 1 << (7 - uint((n-1)%8))
		}
	}
	if hasSecondary {
		primary[0] |= 0x80
	}
	return primary, secondary, hasSecondary
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	clone := NewMessage(m.mti)
	for n, v := range m.fields {
		buf := make([]byte, len(v))
		copy(buf, v)
		clone.fields[n] = buf
	}
	return clone
}

// Equal reports field-for-field equality, MTI included.
func (m *Message) Equal(other *Message) bool {
	if other == nil || m.mti != other.mti || len(m.fields) != len(other.fields) {
		return false
	}
	for n, v := range m.fields {
		ov, ok := other.fields[n]
		if !ok || !bytes.Equal(v, ov) {
			return false
		}
	}
	return true
}

func validMTI(mti string) bool {
	if len(mti) != 4 {
		return false
	}
	for i := 0; i < 4; i++ {
		if mti[i] < '0' || mti[i] > '9' {
			return false
		}
	}
	return true
}

// pad formats n as a zero-padded decimal string of the given width.
func pad(n, width int) string {
	s := strconv.Itoa(n)
	for len(s) < width {
		s = "0" + s
	}
	return s
}
