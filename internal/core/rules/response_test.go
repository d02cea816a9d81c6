package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/finsim/finsim/internal/core/iso8583"
)

func financialRequest(t *testing.T, processingCode string) *iso8583.Message {
	t.Helper()
	m := iso8583.NewMessage("0200")
	require.NoError(t, m.SetField(3, processingCode))
	require.NoError(t, m.SetField(4, "000000010000"))
	require.NoError(t, m.SetField(11, "000042"))
	require.NoError(t, m.SetField(32, "12345678"))
	return m
}

func TestResponder_CodeMapping(t *testing.T) {
	r := NewResponder(ResponseRules{
		Codes:   map[string]string{"010000": "51"},
		Default: "00",
	})

	t.Run("Mapped Processing Code", func(t *testing.T) {
		resp, err := r.Build(financialRequest(t, "010000"), nil)
		require.NoError(t, err)

		require.Equal(t, "0210", resp.MTI())
		code, err := resp.GetString(39)
		require.NoError(t, err)
		require.Equal(t, "51", code)
		require.False(t, resp.Has(54), "a declined request gets no balance data")
		require.False(t, resp.Has(38), "a declined request gets no authorization code")
	})

	t.Run("Unmapped Falls To Default", func(t *testing.T) {
		resp, err := r.Build(financialRequest(t, "200000"), nil)
		require.NoError(t, err)
		code, err := resp.GetString(39)
		require.NoError(t, err)
		require.Equal(t, "00", code)
	})
}

func TestResponder_EchoesRequestFields(t *testing.T) {
	r := NewResponder(ResponseRules{})
	req := financialRequest(t, "000000")

	resp, err := r.Build(req, nil)
	require.NoError(t, err)

	for _, n := range []int{3, 4, 11, 32} {
		want, err := req.GetString(n)
		require.NoError(t, err)
		got, err := resp.GetString(n)
		require.NoError(t, err)
		require.Equal(t, want, got, "field %d must be echoed", n)
	}
}

func TestResponder_ApprovedInquiryInjectsBalances(t *testing.T) {
	r := NewResponder(ResponseRules{})

	resp, err := r.Build(financialRequest(t, "310000"), nil)
	require.NoError(t, err)

	balances, err := resp.GetString(54)
	require.NoError(t, err)
	require.Len(t, balances, 40, "two additional-amounts entries of 20 characters")
}

func TestResponder_ApprovedFinancialGetsAuthCode(t *testing.T) {
	r := NewResponder(ResponseRules{})

	resp, err := r.Build(financialRequest(t, "000000"), nil)
	require.NoError(t, err)

	auth, err := resp.GetString(38)
	require.NoError(t, err)
	require.Len(t, auth, 6)
	for i := 0; i < len(auth); i++ {
		require.True(t, auth[i] >= '0' && auth[i] <= '9')
	}
}

func TestResponder_NetworkManagementGetsNeither(t *testing.T) {
	r := NewResponder(ResponseRules{})
	req := iso8583.NewMessage("0800")
	require.NoError(t, req.SetField(11, "000001"))
	require.NoError(t, req.SetField(70, "301"))

	resp, err := r.Build(req, nil)
	require.NoError(t, err)
	require.Equal(t, "0810", resp.MTI())
	require.False(t, resp.Has(38))
	require.False(t, resp.Has(54))
}

func TestResponder_TemplateExpansion(t *testing.T) {
	r := NewResponder(ResponseRules{
		Inject: map[int]string{62: "TXN-{stan}"},
	})
	r.now = func() time.Time {
		return time.Date(2026, 3, 15, 14, 30, 45, 0, time.UTC)
	}

	resp, err := r.Build(financialRequest(t, "000000"), map[int]string{
		60: "{date}{time}",
		61: "{datetime}",
	})
	require.NoError(t, err)

	injected, err := resp.GetString(62)
	require.NoError(t, err)
	require.Equal(t, "TXN-000001", injected)

	stamp, err := resp.GetString(60)
	require.NoError(t, err)
	require.Equal(t, "0315143045", stamp)

	datetime, err := resp.GetString(61)
	require.NoError(t, err)
	require.Equal(t, "0315143045", datetime)
}

func TestResponder_OverridesWinOverInjection(t *testing.T) {
	r := NewResponder(ResponseRules{
		Codes:  map[string]string{"010000": "51"},
		Inject: map[int]string{44: "injected"},
	})

	resp, err := r.Build(financialRequest(t, "010000"), map[int]string{
		39: "05",
		44: "overridden",
	})
	require.NoError(t, err)

	code, err := resp.GetString(39)
	require.NoError(t, err)
	require.Equal(t, "05", code, "an explicit override replaces the rule-resolved code")

	value, err := resp.GetString(44)
	require.NoError(t, err)
	require.Equal(t, "overridden", value)
}

func TestResponder_SequenceAdvances(t *testing.T) {
	r := NewResponder(ResponseRules{Inject: map[int]string{62: "{stan}"}})

	first, err := r.Build(financialRequest(t, "000000"), nil)
	require.NoError(t, err)
	second, err := r.Build(financialRequest(t, "000000"), nil)
	require.NoError(t, err)

	a, _ := first.GetString(62)
	b, _ := second.GetString(62)
	require.NotEqual(t, a, b)
}
