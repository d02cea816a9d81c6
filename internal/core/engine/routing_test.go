package engine

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/finsim/finsim/internal/core/iso8583"
	"github.com/finsim/finsim/internal/observability/log"
)

func pipeConnection(t *testing.T, role ChannelRole) *Connection {
	t.Helper()
	codec, err := iso8583.NewCodec(nil, iso8583.DefaultHeaderConfig())
	require.NoError(t, err)

	client, server := net.Pipe()
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return newConnection(server, role, codec, 0, log.Nop())
}

func TestRoutingTable_LastRegisteredWins(t *testing.T) {
	table := newRoutingTable()
	first := pipeConnection(t, SendChannel)
	second := pipeConnection(t, SendChannel)

	require.Nil(t, table.Register("BANK01", first))

	displaced := table.Register("BANK01", second)
	require.Same(t, first, displaced, "a rebind must report the connection it replaced")

	routed, ok := table.RouteTo("BANK01")
	require.True(t, ok)
	require.Same(t, second, routed)
	require.Equal(t, 1, table.Len())
}

func TestRoutingTable_RegisterSameConnectionTwice(t *testing.T) {
	table := newRoutingTable()
	conn := pipeConnection(t, SendChannel)

	require.Nil(t, table.Register("BANK01", conn))
	require.Nil(t, table.Register("BANK01", conn), "re-registering the same connection displaces nothing")
}

func TestRoutingTable_EvictIsPointerChecked(t *testing.T) {
	table := newRoutingTable()
	old := pipeConnection(t, SendChannel)
	current := pipeConnection(t, SendChannel)

	table.Register("BANK01", old)
	table.Register("BANK01", current)

	// The displaced connection's teardown must not tear out the new binding.
	table.Evict("BANK01", old)
	routed, ok := table.RouteTo("BANK01")
	require.True(t, ok)
	require.Same(t, current, routed)

	table.Evict("BANK01", current)
	_, ok = table.RouteTo("BANK01")
	require.False(t, ok)
}

func TestRoutingTable_BoundAndIdentities(t *testing.T) {
	table := newRoutingTable()
	a := pipeConnection(t, SendChannel)
	b := pipeConnection(t, SendChannel)

	table.Register("BANK01", a)
	table.Register("BANK02", b)

	require.ElementsMatch(t, []string{"BANK01", "BANK02"}, table.Identities())
	require.ElementsMatch(t, []*Connection{a, b}, table.Bound())
}

func TestConnection_IdentityIsWriteOnce(t *testing.T) {
	conn := pipeConnection(t, SendChannel)

	require.Empty(t, conn.Identity())
	require.True(t, conn.bindIdentity("BANK01"))
	require.False(t, conn.bindIdentity("BANK02"), "a later identity must not rebind the connection")
	require.Equal(t, "BANK01", conn.Identity())
}

func TestConnection_CloseIsIdempotent(t *testing.T) {
	conn := pipeConnection(t, ReceiveChannel)

	require.False(t, conn.IsClosed())
	require.True(t, conn.close())
	require.False(t, conn.close())
	require.True(t, conn.IsClosed())

	require.ErrorIs(t, conn.write([]byte{0x00}), ErrConnectionClosed)
}
