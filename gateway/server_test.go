package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/speechbridge/gateway/engine"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// requireTCPListen skips the test if the sandbox forbids binding a TCP
// listener, which httptest.NewServer needs.
func requireTCPListen(t *testing.T) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("skipping: cannot bind a TCP listener in this environment: %v", err)
	}
	ln.Close()
}

// newMockUpstream starts an h2c server standing in for the remote speech
// service; it writes whatever lines the handler is given and then lets the
// response end naturally.
func newMockUpstream(t *testing.T, lines ...string) *httptest.Server {
	t.Helper()
	h2s := &http2.Server{}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		for _, line := range lines {
			fmt.Fprint(w, line+"\n")
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		}
		io.Copy(io.Discard, r.Body)
	})
	srv := httptest.NewServer(h2c.NewHandler(handler, h2s))
	t.Cleanup(srv.Close)
	return srv
}

func newTestGatewayServer(t *testing.T, upstream *httptest.Server) *httptest.Server {
	t.Helper()
	cfg := engine.Config{
		RemoteEndpoint:     upstream.URL,
		Insecure:           true,
		RequestTimeout:     5 * time.Second,
		QueueWaitTimeout:   2 * time.Second,
		TeardownStepPause:  time.Millisecond,
		TeardownBudget:     2 * time.Second,
		DisconnectDeadline: 2 * time.Second,
	}
	cfg.ApplyDefaults()

	manager := engine.NewManager(cfg, testLogger())
	srv := NewServer(manager, cfg, testLogger())
	mux := http.NewServeMux()
	srv.Register(mux)

	httpSrv := httptest.NewServer(mux)
	t.Cleanup(httpSrv.Close)
	return httpSrv
}

func dialVoice(t *testing.T, httpSrv *httptest.Server) *websocket.Conn {
	t.Helper()
	u, err := url.Parse(httpSrv.URL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	wsURL := "ws://" + u.Host + "/v1/voice"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial voice: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSONUntil(t *testing.T, conn *websocket.Conn, typ string, timeout time.Duration) map[string]any {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(time.Now().Add(timeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %q: %v", typ, err)
		}
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg["type"] == typ {
			return msg
		}
	}
	t.Fatalf("timed out waiting for a %q message", typ)
	return nil
}

func TestServer_HealthCheck(t *testing.T) {
	requireTCPListen(t)
	upstream := newMockUpstream(t)
	httpSrv := newTestGatewayServer(t, upstream)

	resp, err := http.Get(httpSrv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestServer_InitSession_AcksAndForwardsEvents(t *testing.T) {
	requireTCPListen(t)
	upstream := newMockUpstream(t, `{"event":{"textOutput":{"contentName":"c1","content":"hello there"}}}`)
	httpSrv := newTestGatewayServer(t, upstream)
	conn := dialVoice(t, httpSrv)

	if err := conn.WriteJSON(map[string]any{"type": "initSession", "prompt": "be terse"}); err != nil {
		t.Fatalf("write initSession: %v", err)
	}

	ack := readJSONUntil(t, conn, "sessionInitialized", 5*time.Second)
	if ack["success"] != true {
		t.Errorf("expected success=true ack, got %v", ack)
	}
	if ack["sessionId"] == "" || ack["sessionId"] == nil {
		t.Error("expected a sessionId in the ack")
	}

	out := readJSONUntil(t, conn, "textOutput", 5*time.Second)
	if !strings.Contains(fmt.Sprint(out["content"]), "hello there") {
		t.Errorf("expected forwarded textOutput content, got %v", out)
	}
}

func TestServer_StopAudio_TearsDownSession(t *testing.T) {
	requireTCPListen(t)
	upstream := newMockUpstream(t)
	httpSrv := newTestGatewayServer(t, upstream)
	conn := dialVoice(t, httpSrv)

	if err := conn.WriteJSON(map[string]any{"type": "initSession", "prompt": ""}); err != nil {
		t.Fatalf("write initSession: %v", err)
	}
	readJSONUntil(t, conn, "sessionInitialized", 5*time.Second)

	if err := conn.WriteJSON(map[string]any{"type": "stopAudio"}); err != nil {
		t.Fatalf("write stopAudio: %v", err)
	}

	readJSONUntil(t, conn, "streamComplete", 5*time.Second)
}

func TestServer_Disconnect_ClosesCleanly(t *testing.T) {
	requireTCPListen(t)
	upstream := newMockUpstream(t)
	httpSrv := newTestGatewayServer(t, upstream)
	conn := dialVoice(t, httpSrv)

	if err := conn.WriteJSON(map[string]any{"type": "initSession", "prompt": ""}); err != nil {
		t.Fatalf("write initSession: %v", err)
	}
	readJSONUntil(t, conn, "sessionInitialized", 5*time.Second)

	// Closing the socket should make the server's read loop exit cleanly
	// without hanging, whether the session was torn down ordered or forced.
	conn.Close()
	time.Sleep(100 * time.Millisecond)
}
