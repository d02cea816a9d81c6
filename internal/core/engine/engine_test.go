package engine

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/finsim/finsim/internal/core/iso8583"
	"github.com/finsim/finsim/internal/core/rules"
	"github.com/finsim/finsim/internal/observability/log"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func testConfig(t *testing.T) Config {
	t.Helper()
	config := DefaultConfig()
	config.Host = "127.0.0.1"
	config.ReceivePort = freePort(t)
	for {
		config.SendPort = freePort(t)
		if config.SendPort != config.ReceivePort {
			break
		}
	}
	config.PassiveWait = 2 * time.Second
	config.ActiveTimeout = 2 * time.Second
	return config
}

func startEngine(t *testing.T, config Config) *Engine {
	t.Helper()
	eng, err := New(config, log.Nop())
	require.NoError(t, err)
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(func() { _ = eng.Shutdown() })
	return eng
}

// testClient is one side of a channel socket with its own frame decoder.
type testClient struct {
	conn    net.Conn
	codec   *iso8583.Codec
	decoder *iso8583.StreamDecoder
}

func dialChannel(t *testing.T, port int) *testClient {
	t.Helper()
	codec, err := iso8583.NewCodec(nil, iso8583.DefaultHeaderConfig())
	require.NoError(t, err)

	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return &testClient{conn: conn, codec: codec, decoder: iso8583.NewStreamDecoder(codec)}
}

func (c *testClient) send(t *testing.T, msg *iso8583.Message) {
	t.Helper()
	frame, err := c.codec.Encode(msg)
	require.NoError(t, err)
	_, err = c.conn.Write(frame)
	require.NoError(t, err)
}

func (c *testClient) recv(t *testing.T) *iso8583.Message {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	buf := make([]byte, 4096)
	for {
		if msg, err := c.decoder.Next(); err != nil {
			t.Fatalf("decoding inbound frame: %v", err)
		} else if msg != nil {
			return msg
		}
		n, err := c.conn.Read(buf)
		require.NoError(t, err)
		c.decoder.Feed(buf[:n])
	}
}

func signOn(t *testing.T, identity, stan string) *iso8583.Message {
	t.Helper()
	msg := iso8583.NewMessage("0800")
	require.NoError(t, msg.SetField(11, stan))
	require.NoError(t, msg.SetField(32, identity))
	require.NoError(t, msg.SetField(70, "001"))
	return msg
}

// register binds the client's identity on the engine's routing table and
// waits for the binding to land.
func (c *testClient) register(t *testing.T, eng *Engine, identity, stan string) {
	t.Helper()
	c.send(t, signOn(t, identity, stan))

	deadline := time.Now().Add(5 * time.Second)
	for {
		for _, bound := range eng.BoundIdentities() {
			if bound == identity {
				return
			}
		}
		require.True(t, time.Now().Before(deadline), "identity %s never bound", identity)
		time.Sleep(5 * time.Millisecond)
	}
}

// drainInbound discards queued requests so a later cycle sees only what the
// test sends next.
func drainInbound(eng *Engine) {
	for {
		select {
		case <-eng.inboundQueue:
		default:
			return
		}
	}
}

func TestEngine_Lifecycle(t *testing.T) {
	eng, err := New(testConfig(t), log.Nop())
	require.NoError(t, err)
	require.False(t, eng.IsRunning())

	require.NoError(t, eng.Start(context.Background()))
	require.True(t, eng.IsRunning())
	require.ErrorIs(t, eng.Start(context.Background()), ErrEngineRunning)

	require.NoError(t, eng.Shutdown())
	require.False(t, eng.IsRunning())
	require.ErrorIs(t, eng.Shutdown(), ErrEngineStopped)
}

func TestEngine_ConfigValidation(t *testing.T) {
	config := testConfig(t)
	config.SendPort = config.ReceivePort
	_, err := New(config, log.Nop())
	require.Error(t, err)

	config = testConfig(t)
	config.RoutingField = 200
	_, err = New(config, log.Nop())
	require.Error(t, err)
}

func TestEngine_BindFailure(t *testing.T) {
	config := testConfig(t)
	blocker, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", config.ReceivePort))
	require.NoError(t, err)
	defer func() { _ = blocker.Close() }()

	eng, err := New(config, log.Nop())
	require.NoError(t, err)
	require.ErrorIs(t, eng.Start(context.Background()), ErrBindFailed)
	require.False(t, eng.IsRunning(), "a failed bind must leave the engine stopped")
}

func TestEngine_PassiveCycle(t *testing.T) {
	config := testConfig(t)
	eng := startEngine(t, config)

	sender := dialChannel(t, config.SendPort)

	t.Run("Sign-On Gets A Reply", func(t *testing.T) {
		sender.send(t, signOn(t, "12345678", "000001"))

		outcome := eng.RunCycle(context.Background())
		require.True(t, outcome.Success)
		require.NotNil(t, outcome.Passive)
		require.True(t, outcome.Passive.Received)
		require.True(t, outcome.Passive.Replied)
		require.Equal(t, "12345678", outcome.Passive.ReplyTo)

		reply := sender.recv(t)
		require.Equal(t, "0810", reply.MTI())
		code, err := reply.GetString(39)
		require.NoError(t, err)
		require.Equal(t, "00", code)
	})

	t.Run("Financial Request Over Receive Channel", func(t *testing.T) {
		receiver := dialChannel(t, config.ReceivePort)

		request := iso8583.NewMessage("0200")
		require.NoError(t, request.SetField(3, "310000"))
		require.NoError(t, request.SetField(4, "000000010000"))
		require.NoError(t, request.SetField(11, "000002"))
		require.NoError(t, request.SetField(32, "12345678"))
		receiver.send(t, request)

		outcome := eng.RunCycle(context.Background())
		require.True(t, outcome.Success)
		require.True(t, outcome.Passive.Replied)

		// The reply rides the send channel, not the requesting socket.
		reply := sender.recv(t)
		require.Equal(t, "0210", reply.MTI())
		require.True(t, reply.Has(54), "an approved inquiry carries balances")
		require.True(t, reply.Has(38), "an approved financial request carries an auth code")

		stan, err := reply.GetString(11)
		require.NoError(t, err)
		require.Equal(t, "000002", stan)
	})

	t.Run("No Route For Unknown Identity", func(t *testing.T) {
		receiver := dialChannel(t, config.ReceivePort)

		request := iso8583.NewMessage("0200")
		require.NoError(t, request.SetField(3, "000000"))
		require.NoError(t, request.SetField(4, "000000010000"))
		require.NoError(t, request.SetField(11, "000003"))
		require.NoError(t, request.SetField(32, "99999999"))
		receiver.send(t, request)

		outcome := eng.RunCycle(context.Background())
		require.False(t, outcome.Success)
		require.True(t, outcome.Passive.Received)
		require.False(t, outcome.Passive.Replied)
		require.ErrorIs(t, outcome.Passive.Err, ErrRouteNotFound)
	})

	t.Run("Idle Cycle Succeeds", func(t *testing.T) {
		idle := testConfig(t)
		idle.PassiveWait = 50 * time.Millisecond
		idleEngine := startEngine(t, idle)

		outcome := idleEngine.RunCycle(context.Background())
		require.True(t, outcome.Success, "no traffic in the window is a healthy outcome")
		require.False(t, outcome.Passive.Received)
	})
}

func TestEngine_ValidationFailureCode(t *testing.T) {
	config := testConfig(t)
	config.RuleSet = &rules.RuleSet{
		PerMTI: map[string]rules.FieldRules{
			"0200": {Required: []int{4}},
		},
	}
	config.ValidationFailureCode = "30"
	eng := startEngine(t, config)

	sender := dialChannel(t, config.SendPort)
	sender.register(t, eng, "12345678", "000001")
	drainInbound(eng)

	request := iso8583.NewMessage("0200")
	require.NoError(t, request.SetField(3, "000000"))
	require.NoError(t, request.SetField(11, "000002"))
	require.NoError(t, request.SetField(32, "12345678"))
	sender.send(t, request)

	outcome := eng.RunCycle(context.Background())
	require.True(t, outcome.Passive.Received)
	require.False(t, outcome.Passive.Validation.Valid)
	require.True(t, outcome.Passive.Replied, "invalid requests are still answered")

	reply := sender.recv(t)
	code, err := reply.GetString(39)
	require.NoError(t, err)
	require.Equal(t, "30", code)

	require.NotZero(t, eng.Stats().Snapshot().ValidationErrors)
}

func TestEngine_RequestResponseCorrelation(t *testing.T) {
	config := testConfig(t)
	eng := startEngine(t, config)

	client := dialChannel(t, config.SendPort)
	client.register(t, eng, "12345678", "900001")

	request := iso8583.NewMessage("0800")
	require.NoError(t, request.SetField(11, "777001"))
	require.NoError(t, request.SetField(70, "301"))

	type result struct {
		resp *iso8583.Message
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := eng.Request(context.Background(), "12345678", request, 5*time.Second)
		done <- result{resp: resp, err: err}
	}()

	// Play the remote endpoint: echo the request back as its response.
	inbound := client.recv(t)
	require.Equal(t, "0800", inbound.MTI())
	stan, err := inbound.GetString(11)
	require.NoError(t, err)
	require.Equal(t, "777001", stan)

	response := iso8583.NewMessage("0810")
	require.NoError(t, response.SetField(11, stan))
	require.NoError(t, response.SetField(32, "12345678"))
	require.NoError(t, response.SetField(39, "00"))
	client.send(t, response)

	got := <-done
	require.NoError(t, got.err)
	require.Equal(t, "0810", got.resp.MTI())
	require.Zero(t, eng.pending.outstanding())
}

func TestEngine_RequestTimeout(t *testing.T) {
	config := testConfig(t)
	eng := startEngine(t, config)

	client := dialChannel(t, config.SendPort)
	client.register(t, eng, "12345678", "900001")

	request := iso8583.NewMessage("0800")
	require.NoError(t, request.SetField(70, "301"))

	_, err := eng.Request(context.Background(), "12345678", request, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrAwaitTimeout)
	require.Zero(t, eng.pending.outstanding(), "a timed-out request must not leak its entry")
}

func TestEngine_RequestFailsFastOnDisconnect(t *testing.T) {
	config := testConfig(t)
	eng := startEngine(t, config)

	client := dialChannel(t, config.SendPort)
	client.register(t, eng, "12345678", "900001")

	request := iso8583.NewMessage("0800")
	require.NoError(t, request.SetField(70, "301"))

	done := make(chan error, 1)
	go func() {
		_, err := eng.Request(context.Background(), "12345678", request, 10*time.Second)
		done <- err
	}()

	// Wait for the request to hit the wire, then drop the connection.
	client.recv(t)
	require.NoError(t, client.conn.Close())

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrChannelClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("request did not fail fast on disconnect")
	}
}

func TestEngine_RequestWithoutRoute(t *testing.T) {
	eng := startEngine(t, testConfig(t))

	request := iso8583.NewMessage("0800")
	require.NoError(t, request.SetField(70, "301"))

	_, err := eng.Request(context.Background(), "99999999", request, time.Second)
	require.ErrorIs(t, err, ErrRouteNotFound)
}

func TestEngine_Broadcast(t *testing.T) {
	config := testConfig(t)
	eng := startEngine(t, config)

	first := dialChannel(t, config.SendPort)
	first.register(t, eng, "11111111", "900001")
	second := dialChannel(t, config.SendPort)
	second.register(t, eng, "22222222", "900002")

	notice := iso8583.NewMessage("0800")
	require.NoError(t, notice.SetField(11, "900003"))
	require.NoError(t, notice.SetField(70, "301"))

	require.Equal(t, 2, eng.Broadcast(notice))

	for _, client := range []*testClient{first, second} {
		got := client.recv(t)
		require.Equal(t, "0800", got.MTI())
		nmic, err := got.GetString(70)
		require.NoError(t, err)
		require.Equal(t, "301", nmic)
	}
	require.Equal(t, uint64(1), eng.Stats().Snapshot().Broadcasts)
}

func TestEngine_ActiveCycleBroadcast(t *testing.T) {
	config := testConfig(t)
	config.Mode = Active
	config.Active = ActiveConfig{Kind: ActiveEcho, Broadcast: true}
	eng := startEngine(t, config)

	client := dialChannel(t, config.SendPort)
	client.register(t, eng, "12345678", "900001")

	outcome := eng.RunCycle(context.Background())
	require.True(t, outcome.Success)
	require.NotNil(t, outcome.Active)
	require.True(t, outcome.Active.Sent)
	require.Equal(t, 1, outcome.Active.Delivered)

	echo := client.recv(t)
	require.Equal(t, "0800", echo.MTI())
	nmic, err := echo.GetString(70)
	require.NoError(t, err)
	require.Equal(t, "301", nmic)
	require.True(t, echo.Has(11), "active messages carry a fresh trace number")
	require.True(t, echo.Has(7), "active messages carry a transmission timestamp")
}

func TestEngine_ActiveCycleWithoutEndpoints(t *testing.T) {
	config := testConfig(t)
	config.Mode = Active
	config.Active = ActiveConfig{Kind: ActiveEcho, Broadcast: true}
	eng := startEngine(t, config)

	outcome := eng.RunCycle(context.Background())
	require.False(t, outcome.Success)
	require.ErrorIs(t, outcome.Active.Err, ErrRouteNotFound)
}

func TestEngine_BidirectionalCycle(t *testing.T) {
	config := testConfig(t)
	config.Mode = Bidirectional
	config.PassiveWait = 100 * time.Millisecond
	config.Active = ActiveConfig{Kind: ActiveEcho, Target: "12345678"}
	eng := startEngine(t, config)

	client := dialChannel(t, config.SendPort)
	client.register(t, eng, "12345678", "900001")
	drainInbound(eng)

	// The remote endpoint answers the echo while the passive half idles.
	go func() {
		inbound := client.recv(t)
		stan, _ := inbound.GetString(11)
		response := iso8583.NewMessage("0810")
		_ = response.SetField(11, stan)
		_ = response.SetField(32, "12345678")
		_ = response.SetField(39, "00")
		client.send(t, response)
	}()

	outcome := eng.RunCycle(context.Background())
	require.True(t, outcome.Success, "an idle passive half must not fail the cycle")
	require.NotNil(t, outcome.Passive)
	require.False(t, outcome.Passive.Received)
	require.NotNil(t, outcome.Active)
	require.True(t, outcome.Active.Sent)
	require.NotNil(t, outcome.Active.Response)
	require.Equal(t, "0810", outcome.Active.Response.MTI())
}

func TestEngine_StatsTrackTraffic(t *testing.T) {
	config := testConfig(t)
	eng := startEngine(t, config)

	sender := dialChannel(t, config.SendPort)
	sender.send(t, signOn(t, "12345678", "000042"))

	outcome := eng.RunCycle(context.Background())
	require.True(t, outcome.Passive.Replied)
	sender.recv(t)

	snapshot := eng.Stats().Snapshot()
	require.Equal(t, uint64(1), snapshot.MessagesReceived)
	require.Equal(t, uint64(1), snapshot.MessagesSent)
	require.Equal(t, int64(1), snapshot.SendConnections)
	require.Equal(t, "0800", snapshot.LastRequestMTI)
	require.Equal(t, "000042", snapshot.LastRequestStan)
}
