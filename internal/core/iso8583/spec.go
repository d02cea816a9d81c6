package iso8583

// FieldType classifies the content of a data element.
type FieldType int

const (
	TypeNumeric      FieldType = iota // N: decimal digits only
	TypeAlpha                         // A: letters only
	TypeAlphaNumeric                  // ANS: printable ASCII
	TypeBinary                        // B: raw bytes
)

// LengthKind selects fixed-length encoding or a decimal length sub-header.
type LengthKind int

const (
	Fixed   LengthKind = iota
	LLVar              // 2-digit decimal length prefix
	LLLVar             // 3-digit decimal length prefix
	LLLLVar            // 4-digit decimal length prefix
)

// FieldSpec describes how one data element is encoded on the wire.
// For Fixed fields Length is the exact size; for variable fields it is the
// maximum the length prefix may declare.
type FieldSpec struct {
	Name   string
	Type   FieldType
	Kind   LengthKind
	Length int
}

func (k LengthKind) prefixDigits() int {
	switch k {
	case LLVar:
		return 2
	case LLLVar:
		return 3
	case LLLLVar:
		return 4
	default:
		return 0
	}
}

// FieldSpecs maps data element numbers (2-128) to their wire specification.
// Field 1 is the secondary bitmap indicator and never carries a value.
type FieldSpecs map[int]FieldSpec

// DefaultSpecs returns the field table used by the simulator: the common
// data elements of a financial host interface.
func DefaultSpecs() FieldSpecs {
	return FieldSpecs{
		2:   {Name: "Primary Account Number", Type: TypeNumeric, Kind: LLVar, Length: 19},
		3:   {Name: "Processing Code", Type: TypeNumeric, Kind: Fixed, Length: 6},
		4:   {Name: "Amount, Transaction", Type: TypeNumeric, Kind: Fixed, Length: 12},
		7:   {Name: "Transmission Date and Time", Type: TypeNumeric, Kind: Fixed, Length: 10},
		11:  {Name: "System Trace Audit Number", Type: TypeNumeric, Kind: Fixed, Length: 6},
		12:  {Name: "Time, Local Transaction", Type: TypeNumeric, Kind: Fixed, Length: 6},
		13:  {Name: "Date, Local Transaction", Type: TypeNumeric, Kind: Fixed, Length: 4},
		14:  {Name: "Date, Expiration", Type: TypeNumeric, Kind: Fixed, Length: 4},
		15:  {Name: "Date, Settlement", Type: TypeNumeric, Kind: Fixed, Length: 4},
		18:  {Name: "Merchant Type", Type: TypeNumeric, Kind: Fixed, Length: 4},
		22:  {Name: "POS Entry Mode", Type: TypeNumeric, Kind: Fixed, Length: 3},
		25:  {Name: "POS Condition Code", Type: TypeNumeric, Kind: Fixed, Length: 2},
		28:  {Name: "Amount, Transaction Fee", Type: TypeAlphaNumeric, Kind: Fixed, Length: 9},
		32:  {Name: "Acquiring Institution ID", Type: TypeNumeric, Kind: LLVar, Length: 11},
		33:  {Name: "Forwarding Institution ID", Type: TypeNumeric, Kind: LLVar, Length: 11},
		35:  {Name: "Track 2 Data", Type: TypeAlphaNumeric, Kind: LLVar, Length: 37},
		37:  {Name: "Retrieval Reference Number", Type: TypeAlphaNumeric, Kind: Fixed, Length: 12},
		38:  {Name: "Authorization ID Response", Type: TypeAlphaNumeric, Kind: Fixed, Length: 6},
		39:  {Name: "Response Code", Type: TypeAlphaNumeric, Kind: Fixed, Length: 2},
		41:  {Name: "Card Acceptor Terminal ID", Type: TypeAlphaNumeric, Kind: Fixed, Length: 8},
		42:  {Name: "Card Acceptor ID", Type: TypeAlphaNumeric, Kind: Fixed, Length: 15},
		43:  {Name: "Card Acceptor Name/Location", Type: TypeAlphaNumeric, Kind: Fixed, Length: 40},
		44:  {Name: "Additional Response Data", Type: TypeAlphaNumeric, Kind: LLVar, Length: 25},
		48:  {Name: "Additional Data, Private", Type: TypeAlphaNumeric, Kind: LLLVar, Length: 999},
		49:  {Name: "Currency Code, Transaction", Type: TypeNumeric, Kind: Fixed, Length: 3},
		52:  {Name: "PIN Data", Type: TypeBinary, Kind: Fixed, Length: 8},
		53:  {Name: "Security Control Information", Type: TypeNumeric, Kind: Fixed, Length: 16},
		54:  {Name: "Additional Amounts", Type: TypeAlphaNumeric, Kind: LLLVar, Length: 120},
		60:  {Name: "Reserved Private 60", Type: TypeAlphaNumeric, Kind: LLLVar, Length: 999},
		61:  {Name: "Reserved Private 61", Type: TypeAlphaNumeric, Kind: LLLVar, Length: 999},
		62:  {Name: "Reserved Private 62", Type: TypeAlphaNumeric, Kind: LLLVar, Length: 999},
		63:  {Name: "Reserved Private 63", Type: TypeAlphaNumeric, Kind: LLLVar, Length: 999},
		70:  {Name: "Network Management Information Code", Type: TypeNumeric, Kind: Fixed, Length: 3},
		90:  {Name: "Original Data Elements", Type: TypeNumeric, Kind: Fixed, Length: 42},
		96:  {Name: "Message Security Code", Type: TypeBinary, Kind: Fixed, Length: 8},
		100: {Name: "Receiving Institution ID", Type: TypeNumeric, Kind: LLVar, Length: 11},
		102: {Name: "Account Identification 1", Type: TypeAlphaNumeric, Kind: LLVar, Length: 28},
		103: {Name: "Account Identification 2", Type: TypeAlphaNumeric, Kind: LLVar, Length: 28},
		128: {Name: "MAC", Type: TypeBinary, Kind: Fixed, Length: 8},
	}
}
