package rules

import (
	"fmt"
	"math/rand"
	"strings"
	"sync/atomic"
	"time"

	"github.com/finsim/finsim/internal/core/iso8583"
)

// Fields with conventional meanings in the response path.
const (
	fieldProcessingCode = 3
	fieldStan           = 11
	fieldAuthCode       = 38
	fieldResponseCode   = 39
	fieldBalances       = 54
)

// ResponseApproved is the approval response code.
const ResponseApproved = "00"

// ResponseRules maps a request's processing code to the response code to
// return, with optional literal-or-template field injection.
type ResponseRules struct {
	// Codes maps processing code -> response code.
	Codes map[string]string
	// Default is used when the processing code has no mapping.
	Default string
	// Inject maps field number -> value template applied to every response.
	Inject map[int]string
}

// Responder builds response messages from inbound requests. Safe for
// concurrent use; the template sequence counter is atomic.
type Responder struct {
	rules    ResponseRules
	sequence atomic.Uint64
	now      func() time.Time
}

// NewResponder creates a responder. An empty Default falls back to approval.
func NewResponder(rules ResponseRules) *Responder {
	if rules.Default == "" {
		rules.Default = ResponseApproved
	}
	return &Responder{rules: rules, now: time.Now}
}

// Build produces the response for a request: a response-MTI shell echoing
// the request's fields, the resolved response code, simulated values for
// success cases, and finally the caller's custom overrides, which win over
// everything injected before them.
func (r *Responder) Build(req *iso8583.Message, overrides map[int]string) (*iso8583.Message, error) {
	responseMTI, err := req.ResponseMTI()
	if err != nil {
		return nil, fmt.Errorf("deriving response MTI: %w", err)
	}

	resp := req.Clone()
	resp.SetMTI(responseMTI)

	code := r.resolveCode(req)
	if err := resp.SetField(fieldResponseCode, code); err != nil {
		return nil, err
	}

	if code == ResponseApproved {
		if isInquiry(req) {
			// Ledger then available balance, both zero-valued amounts in the
			// additional-amounts format.
			if err := resp.SetField(fieldBalances, "0001840C0000000100000002840C000000010000"); err != nil {
				return nil, err
			}
		}
		if isFinancial(req) {
			if err := resp.SetField(fieldAuthCode, authCode()); err != nil {
				return nil, err
			}
		}
	}

	for _, n := range sortedKeys(r.rules.Inject) {
		if err := resp.SetField(n, r.expand(r.rules.Inject[n])); err != nil {
			return nil, fmt.Errorf("injecting field %d: %w", n, err)
		}
	}

	for _, n := range sortedKeys(overrides) {
		if err := resp.SetField(n, r.expand(overrides[n])); err != nil {
			return nil, fmt.Errorf("overriding field %d: %w", n, err)
		}
	}

	return resp, nil
}

func (r *Responder) resolveCode(req *iso8583.Message) string {
	processingCode, err := req.GetString(fieldProcessingCode)
	if err == nil {
		if code, ok := r.rules.Codes[processingCode]; ok {
			return code
		}
	}
	return r.rules.Default
}

// expand substitutes the supported template tokens in an injected value.
func (r *Responder) expand(template string) string {
	if !strings.Contains(template, "{") {
		return template
	}
	now := r.now()
	replacer := strings.NewReplacer(
		"{stan}", fmt.Sprintf("%06d", r.sequence.Add(1)%1000000),
		"{time}", now.Format("150405"),
		"{date}", now.Format("0102"),
		"{datetime}", now.Format("0102150405"),
	)
	return replacer.Replace(template)
}

// isInquiry reports whether the processing code denotes a balance or
// account inquiry (30xxxx / 31xxxx transaction classes).
func isInquiry(req *iso8583.Message) bool {
	pc, err := req.GetString(fieldProcessingCode)
	if err != nil || len(pc) < 2 {
		return false
	}
	return pc[:2] == "30" || pc[:2] == "31"
}

// isFinancial reports whether the request class moves money and therefore
// deserves an authorization code (01xx/02xx request classes).
func isFinancial(req *iso8583.Message) bool {
	mti := req.MTI()
	return len(mti) == 4 && (mti[1] == '1' || mti[1] == '2')
}

// authCode returns a locally plausible 6-digit authorization id. Codes need
// not be unique, only well-formed.
func authCode() string {
	return fmt.Sprintf("%06d", rand.Intn(1000000))
}
