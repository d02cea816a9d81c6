package iso8583

// LengthEncoding defines how the frame length header is encoded.
type LengthEncoding int

const (
	LengthASCII  LengthEncoding = iota // one decimal digit character per byte
	LengthBCD                          // two decimal digits per byte, big-endian
	LengthBinary                       // big-endian unsigned integer
)

func (e LengthEncoding) String() string {
	switch e {
	case LengthASCII:
		return "ascii"
	case LengthBCD:
		return "bcd"
	case LengthBinary:
		return "binary"
	default:
		return "unknown"
	}
}

// MarshalText lets the encoding appear as a readable name in JSON config.
func (e LengthEncoding) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// UnmarshalText accepts "ascii", "bcd" or "binary".
func (e *LengthEncoding) UnmarshalText(text []byte) error {
	parsed, err := parseLengthEncoding(string(text))
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

// UnmarshalYAML accepts the same names from YAML config files.
func (e *LengthEncoding) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := parseLengthEncoding(s)
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

func parseLengthEncoding(s string) (LengthEncoding, error) {
	switch s {
	case "ascii", "ASCII":
		return LengthASCII, nil
	case "bcd", "BCD":
		return LengthBCD, nil
	case "binary", "BINARY":
		return LengthBinary, nil
	default:
		return 0, ErrInvalidLengthHeader
	}
}

// HeaderConfig describes the length-prefix framing of a message stream.
// With IncludeLength false the stream carries bare messages and LengthBytes
// must be 0.
type HeaderConfig struct {
	IncludeLength  bool           `json:"include_length" yaml:"include_length"`
	LengthBytes    int            `json:"length_bytes" yaml:"length_bytes"` // 0, 2 or 4
	Encoding       LengthEncoding `json:"encoding" yaml:"encoding"`
	IncludesHeader bool           `json:"includes_header" yaml:"includes_header"`
}

// DefaultHeaderConfig is the common production framing: a 2-byte binary
// length that does not count itself.
func DefaultHeaderConfig() HeaderConfig {
	return HeaderConfig{
		IncludeLength:  true,
		LengthBytes:    2,
		Encoding:       LengthBinary,
		IncludesHeader: false,
	}
}

// Validate checks internal consistency of the header configuration.
func (c HeaderConfig) Validate() error {
	if !c.IncludeLength {
		if c.LengthBytes != 0 {
			return ErrInvalidLengthHeader
		}
		return nil
	}
	if c.LengthBytes != 2 && c.LengthBytes != 4 {
		return ErrInvalidLengthHeader
	}
	return nil
}

// maxDeclarable returns the largest length value the header can represent.
func (c HeaderConfig) maxDeclarable() int {
	switch c.Encoding {
	case LengthASCII:
		if c.LengthBytes == 2 {
			return 99
		}
		return 9999
	case LengthBCD:
		if c.LengthBytes == 2 {
			return 9999
		}
		return 99999999
	default:
		if c.LengthBytes == 2 {
			return 0xFFFF
		}
		return 0x7FFFFFFF
	}
}

// encodeLength writes the length value into buf per the configured encoding.
// buf must be exactly LengthBytes long.
func (c HeaderConfig) encodeLength(buf []byte, length int) error {
	if length < 0 || length > c.maxDeclarable() {
		return ErrInvalidLengthHeader
	}
	switch c.Encoding {
	case LengthASCII:
		for i := len(buf) - 1; i >= 0; i-- {
			buf[i] = byte('0' + length%10)
			length /= 10
		}
	case LengthBCD:
		for i := len(buf) - 1; i >= 0; i-- {
			lo := length % 10
			length /= 10
			hi := length % 10
			length /= 10
			buf[i] = byte(hi<<4 | lo)
		}
	default:
		for i := len(buf) - 1; i >= 0; i-- {
			buf[i] = byte(length & 0xFF)
			length >>= 8
		}
	}
	return nil
}

// decodeLength reads the declared length from buf per the configured
// encoding. buf must be exactly LengthBytes long.
func (c HeaderConfig) decodeLength(buf []byte) (int, error) {
	length := 0
	switch c.Encoding {
	case LengthASCII:
		for _, b := range buf {
			if b < '0' || b > '9' {
				return 0, ErrInvalidLengthHeader
			}
			length = length*10 + int(b-'0')
		}
	case LengthBCD:
		for _, b := range buf {
			hi := int(b >> 4)
			lo := int(b & 0x0F)
			if hi > 9 || lo > 9 {
				return 0, ErrInvalidLengthHeader
			}
			length = length*100 + hi*10 + lo
		}
	default:
		for _, b := range buf {
			length = length<<8 | int(b)
		}
	}
	return length, nil
}
