package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func startTestServer(t *testing.T, opts ...gwOption) (*Server, *Gateway) {
	t.Helper()

	o := Options{
		Logger:      zerolog.Nop(),
		AuthTimeout: 5 * time.Second,
	}
	for _, fn := range opts {
		fn(&o)
	}

	g := New(o)
	srv := NewServer(ServerConfig{Addr: "127.0.0.1:0"}, g, nil, zerolog.Nop())
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return srv, g
}

func dialWS(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()

	url := fmt.Sprintf("ws://%s/ws", srv.Addr())
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, frameType string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(Frame{Type: frameType, Data: data}))
}

func readWSFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f Frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

// readWSFrameOfType skips unrelated pushes until the wanted type
// arrives.
func readWSFrameOfType(t *testing.T, conn *websocket.Conn, frameType string) Frame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f := readWSFrame(t, conn)
		if f.Type == frameType {
			return f
		}
	}
	t.Fatalf("no %s frame received", frameType)
	return Frame{}
}

func TestServerRegisterHeartbeatSendAck(t *testing.T) {
	srv, g := startTestServer(t)
	conn := dialWS(t, srv)

	// Register.
	writeFrame(t, conn, "register", registerRequest{ID: "user-a"})
	f := readWSFrame(t, conn)
	require.Equal(t, frameRegisterResult, f.Type)
	var reg registerResult
	require.NoError(t, json.Unmarshal(f.Data, &reg))
	require.True(t, reg.Success)
	require.Equal(t, g.Identity(), reg.ServerIdentity)

	// Heartbeat.
	writeFrame(t, conn, "heartbeat", struct{}{})
	f = readWSFrame(t, conn)
	require.Equal(t, frameHeartbeat, f.Type)

	// Send to self with requireAck; the push and the send result both
	// arrive on this connection.
	writeFrame(t, conn, "send", sendRequest{
		To:         "user-a",
		Type:       "chat",
		Data:       json.RawMessage(`{"text":"hello"}`),
		RequireAck: true,
	})

	push := readWSFrameOfType(t, conn, frameMessage)
	var env Envelope
	require.NoError(t, json.Unmarshal(push.Data, &env))
	require.True(t, env.RequireAck)
	require.Equal(t, "user-a", env.From)

	require.Eventually(t, func() bool {
		return g.Acks().PendingCount() == 1
	}, time.Second, 10*time.Millisecond)

	// Ack resolves the pending entry.
	writeFrame(t, conn, "ack", ackRequest{MessageID: env.MessageID})
	require.Eventually(t, func() bool {
		return g.Acks().PendingCount() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestServerTwoClientsExchange(t *testing.T) {
	srv, _ := startTestServer(t)

	alice := dialWS(t, srv)
	bob := dialWS(t, srv)

	writeFrame(t, alice, "register", registerRequest{ID: "alice"})
	readWSFrameOfType(t, alice, frameRegisterResult)
	writeFrame(t, bob, "register", registerRequest{ID: "bob"})
	readWSFrameOfType(t, bob, frameRegisterResult)

	writeFrame(t, alice, "send", sendRequest{
		To:   "bob",
		Type: "chat",
		Data: json.RawMessage(`{"text":"hi bob"}`),
	})

	push := readWSFrameOfType(t, bob, frameMessage)
	var env Envelope
	require.NoError(t, json.Unmarshal(push.Data, &env))
	require.Equal(t, "alice", env.From)
	require.Equal(t, "chat", env.Type)
}

func TestServerRoomBroadcast(t *testing.T) {
	srv, _ := startTestServer(t)

	alice := dialWS(t, srv)
	bob := dialWS(t, srv)

	writeFrame(t, alice, "register", registerRequest{ID: "alice"})
	readWSFrameOfType(t, alice, frameRegisterResult)
	writeFrame(t, bob, "register", registerRequest{ID: "bob"})
	readWSFrameOfType(t, bob, frameRegisterResult)

	writeFrame(t, alice, "joinRoom", roomRequest{Room: "lobby"})
	readWSFrameOfType(t, alice, frameRoomResult)
	writeFrame(t, bob, "joinRoom", roomRequest{Room: "lobby"})
	readWSFrameOfType(t, bob, frameRoomResult)

	writeFrame(t, alice, "send", sendRequest{
		Room: "lobby",
		Type: "chat",
		Data: json.RawMessage(`{"text":"hi room"}`),
	})

	push := readWSFrameOfType(t, bob, frameMessage)
	var env Envelope
	require.NoError(t, json.Unmarshal(push.Data, &env))
	require.Equal(t, "lobby", env.Room)
}

func TestServerDisconnectCleansUp(t *testing.T) {
	srv, g := startTestServer(t)
	conn := dialWS(t, srv)

	writeFrame(t, conn, "register", registerRequest{ID: "user-a"})
	readWSFrameOfType(t, conn, frameRegisterResult)
	require.Eventually(t, func() bool {
		return g.Presence().IsOnline("user-a")
	}, time.Second, 10*time.Millisecond)

	conn.Close()

	require.Eventually(t, func() bool {
		return !g.Presence().IsOnline("user-a") && g.Registry().Size() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServerHealthz(t *testing.T) {
	srv, _ := startTestServer(t)

	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", srv.Addr()))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	require.Equal(t, "healthy", status["status"])
	require.NotEmpty(t, status["server_identity"])
}

func TestServerMetricsEndpoint(t *testing.T) {
	srv, _ := startTestServer(t)

	resp, err := http.Get(fmt.Sprintf("http://%s/metrics", srv.Addr()))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServerRejectsDuringShutdown(t *testing.T) {
	srv, _ := startTestServer(t)
	srv.shuttingDown.Store(true)

	url := fmt.Sprintf("ws://%s/ws", srv.Addr())
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
