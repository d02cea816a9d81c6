package engine

import (
	"fmt"
	"time"

	"github.com/finsim/finsim/internal/core/iso8583"
	"github.com/finsim/finsim/internal/core/rules"
)

// Mode selects how the engine behaves during a sampling cycle.
type Mode int

const (
	// Passive waits for an inbound request and answers it.
	Passive Mode = iota
	// Active originates a message towards the connected endpoints.
	Active
	// Bidirectional runs both behaviors concurrently in the same cycle.
	Bidirectional
)

func (m Mode) String() string {
	switch m {
	case Passive:
		return "passive"
	case Active:
		return "active"
	case Bidirectional:
		return "bidirectional"
	default:
		return "unknown"
	}
}

// ParseMode converts a configuration string into a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "passive", "PASSIVE", "":
		return Passive, nil
	case "active", "ACTIVE":
		return Active, nil
	case "bidirectional", "BIDIRECTIONAL":
		return Bidirectional, nil
	default:
		return 0, fmt.Errorf("unknown operation mode %q", s)
	}
}

// ActiveKind selects which network-management message the active path builds.
type ActiveKind int

const (
	ActiveSignOn ActiveKind = iota
	ActiveSignOff
	ActiveEcho
	ActiveKeyExchange
	ActiveCustom
)

// ParseActiveKind converts a configuration string into an ActiveKind.
func ParseActiveKind(s string) (ActiveKind, error) {
	switch s {
	case "sign-on", "signon", "":
		return ActiveSignOn, nil
	case "sign-off", "signoff":
		return ActiveSignOff, nil
	case "echo":
		return ActiveEcho, nil
	case "key-exchange", "keyexchange":
		return ActiveKeyExchange, nil
	case "custom":
		return ActiveCustom, nil
	default:
		return 0, fmt.Errorf("unknown active message type %q", s)
	}
}

// ActiveConfig parameterizes the active path of a cycle.
type ActiveConfig struct {
	Kind ActiveKind
	// Target is the identity to send to. Empty with Broadcast false is a
	// configuration error at cycle time.
	Target string
	// Broadcast sends to every bound identity instead of one target.
	Broadcast bool
	// CustomMTI and CustomFields define the message when Kind is ActiveCustom.
	CustomMTI    string
	CustomFields map[int]string
}

// Config holds one engine instance's settings. Engines are independently
// constructible; nothing here is process-global.
type Config struct {
	Host        string
	ReceivePort int
	SendPort    int

	// Framing and field table for both channels.
	Header iso8583.HeaderConfig
	Specs  iso8583.FieldSpecs

	// RoutingField carries the business identity (acquiring institution by
	// default). StanField carries the correlation id.
	RoutingField int
	StanField    int

	// Rules. A nil RuleSet disables validation entirely.
	RuleSet       *rules.RuleSet
	ResponseRules rules.ResponseRules
	// Overrides are custom field values applied to every built response,
	// after all rule-driven injection.
	Overrides map[int]string
	// ValidationFailureCode, when set, is substituted as the response code
	// for requests that fail validation. When empty, invalid requests are
	// still answered by the normal response rules.
	ValidationFailureCode string

	Mode   Mode
	Active ActiveConfig

	// ResponseDelay is applied before every passive reply.
	ResponseDelay time.Duration
	// PassiveWait bounds the wait for an inbound message per cycle.
	PassiveWait time.Duration
	// ActiveTimeout bounds the wait for a response to an active request.
	ActiveTimeout time.Duration

	WriteTimeout   time.Duration
	QueueSize      int
	ReadBufferSize int
}

// DefaultConfig returns the engine defaults. Ports must still be set.
func DefaultConfig() Config {
	return Config{
		Host:           "0.0.0.0",
		Header:         iso8583.DefaultHeaderConfig(),
		RoutingField:   32,
		StanField:      11,
		Mode:           Passive,
		PassiveWait:    30 * time.Second,
		ActiveTimeout:  10 * time.Second,
		WriteTimeout:   10 * time.Second,
		QueueSize:      1024,
		ReadBufferSize: 4096,
	}
}

// Validate checks configuration consistency before Start.
func (c Config) Validate() error {
	if c.ReceivePort <= 0 || c.SendPort <= 0 {
		return fmt.Errorf("both channel ports must be configured")
	}
	if c.ReceivePort == c.SendPort {
		return fmt.Errorf("receive and send channels must use distinct ports")
	}
	if c.RoutingField < 2 || c.RoutingField > iso8583.MaxFieldNumber {
		return fmt.Errorf("routing field %d out of range", c.RoutingField)
	}
	if c.StanField < 2 || c.StanField > iso8583.MaxFieldNumber {
		return fmt.Errorf("stan field %d out of range", c.StanField)
	}
	return c.Header.Validate()
}
