package netlink

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/avatar-lite/pkg/core/types"
)

func newWebsocketTestServer(t *testing.T, handler func(conn *websocket.Conn)) (string, func()) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		handler(conn)
	}))
	return server.URL, server.Close
}

func TestWebSocketEndpoint(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in, out string
	}{
		{"http://backend.example.com/stream", "ws://backend.example.com/stream"},
		{"https://backend.example.com/stream", "wss://backend.example.com/stream"},
		{"wss://backend.example.com/stream", "wss://backend.example.com/stream"},
	}
	for _, tc := range cases {
		got, err := WebSocketEndpoint(tc.in)
		if err != nil {
			t.Fatalf("WebSocketEndpoint(%q) error: %v", tc.in, err)
		}
		if got != tc.out {
			t.Fatalf("WebSocketEndpoint(%q)=%q, expected %q", tc.in, got, tc.out)
		}
	}

	if _, err := WebSocketEndpoint("ftp://backend.example.com"); err == nil {
		t.Fatalf("expected scheme error")
	}
}

func TestStreamTransport_RoundTrip(t *testing.T) {
	t.Parallel()

	serverURL, closeServer := newWebsocketTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()

		var env types.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		_ = conn.WriteJSON(types.Envelope{
			Type:      types.TypeResponse,
			Content:   "echo: " + env.Content,
			RequestID: env.RequestID,
		})
		// Malformed and typeless frames must be dropped without killing
		// the connection.
		_ = conn.WriteMessage(websocket.TextMessage, []byte("{not json"))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"content":"no type"}`))
		_ = conn.WriteJSON(types.Envelope{Type: types.TypeStatus, Content: "still alive"})
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
	})
	defer closeServer()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	transport, err := DialStream(ctx, serverURL, time.Second, testLogger())
	if err != nil {
		t.Fatalf("DialStream error: %v", err)
	}
	defer transport.Close()

	if err := transport.Send(ctx, types.NewEnvelope(types.TypeMessage, "ping", "req_1")); err != nil {
		t.Fatalf("Send error: %v", err)
	}

	var got []types.Envelope
	for env := range transport.Frames() {
		got = append(got, env)
	}
	if len(got) != 2 {
		t.Fatalf("received %d frames, expected 2 (malformed frames dropped): %+v", len(got), got)
	}
	if got[0].Type != types.TypeResponse || !strings.Contains(got[0].Content, "ping") {
		t.Fatalf("first frame %+v", got[0])
	}
	if got[1].Type != types.TypeStatus {
		t.Fatalf("second frame %+v", got[1])
	}
	if err := transport.Err(); err != nil {
		t.Fatalf("clean close should not report an error, got %v", err)
	}
}

func TestDialStream_RefusedIsTransportError(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := DialStream(ctx, "ws://127.0.0.1:1/stream", 500*time.Millisecond, testLogger())
	if err == nil {
		t.Fatalf("expected dial error")
	}
	if !strings.Contains(err.Error(), "transport error") {
		t.Fatalf("error=%q, expected transport error wrapper", err.Error())
	}
}

func TestConn_HeartbeatMissForcesReconnect(t *testing.T) {
	t.Parallel()

	var connects atomic.Int32
	serverURL, closeServer := newWebsocketTestServer(t, func(conn *websocket.Conn) {
		if connects.Add(1) == 1 {
			// Never ack heartbeats; just hold the connection open.
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}
		// Second connection acks heartbeats so the link stays up.
		for {
			var env types.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			if env.Type == types.TypeHeartbeat {
				_ = conn.WriteJSON(types.Envelope{Type: types.TypeHeartbeatAck})
			}
		}
	})
	defer closeServer()

	opts := baseOptions()
	opts.StreamURL = serverURL
	opts.HeartbeatInterval = 10 * time.Millisecond
	opts.HeartbeatMissLimit = 2
	opts.DialFunc = nil // use the real websocket dialer

	conn := NewConn(opts)
	defer conn.Disconnect()

	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect error: %v", err)
	}

	waitFor(t, "heartbeat-forced reconnect", func() bool {
		return connects.Load() >= 2 && conn.State() == StateConnected
	})
}
