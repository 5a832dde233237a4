package wstransport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"simlab-telemetry/internal/bridge"
)

const runtimeOrigin = "http://runtime.test"

func readyMessage(t *testing.T) []byte {
	t.Helper()
	data, err := json.Marshal(bridge.Envelope{Source: bridge.SourceRuntime, Type: bridge.TypeRuntimeReady})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func readEnvelope(t *testing.T, ctx context.Context, conn *websocket.Conn) bridge.Envelope {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	env, err := bridge.DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return env
}

func TestHandler_DeliversQueuedAfterReady(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b, err := bridge.New(nil, bridge.Options{AllowedOrigins: []string{runtimeOrigin}})
	if err != nil {
		t.Fatalf("bridge.New: %v", err)
	}
	defer b.Destroy()
	if err := b.SendConfig(ctx, map[string]int{"level": 2}); err != nil {
		t.Fatalf("SendConfig: %v", err)
	}

	h, err := Handler(b, []string{runtimeOrigin}, nil)
	if err != nil {
		t.Fatalf("Handler: %v", err)
	}
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": []string{runtimeOrigin}},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	if err := conn.Write(ctx, websocket.MessageText, readyMessage(t)); err != nil {
		t.Fatalf("write ready: %v", err)
	}
	env := readEnvelope(t, ctx, conn)
	if env.Type != bridge.TypeConfig || env.Source != bridge.SourceHost {
		t.Errorf("first envelope = %+v, want host config", env)
	}
	if string(env.Payload) != `{"level":2}` {
		t.Errorf("payload = %s", env.Payload)
	}
}

func TestHandler_RejectsWildcard(t *testing.T) {
	b, _ := bridge.New(nil, bridge.Options{})
	if _, err := Handler(b, []string{"*"}, nil); err == nil {
		t.Error("Handler should reject the wildcard origin")
	}
}

func TestDial_RequestResponse(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ready := readyMessage(t)
	// The server plays the runtime: announce readiness, answer get_state.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.CloseNow()
		_ = conn.Write(r.Context(), websocket.MessageText, ready)
		_, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}
		req, err := bridge.DecodeEnvelope(data)
		if err != nil {
			return
		}
		resp, _ := json.Marshal(bridge.Envelope{
			Source:    bridge.SourceRuntime,
			Type:      "state",
			Payload:   json.RawMessage(`{"score":42}`),
			MessageID: req.MessageID,
		})
		_ = conn.Write(r.Context(), websocket.MessageText, resp)
		_, _, _ = conn.Read(r.Context())
	}))
	defer srv.Close()

	tr, err := Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), "http://host.test")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer tr.Close()
	if !strings.HasPrefix(tr.PeerOrigin(), "http://127.0.0.1:") {
		t.Errorf("PeerOrigin = %q", tr.PeerOrigin())
	}

	b, err := bridge.New(tr, bridge.Options{AllowedOrigins: []string{tr.PeerOrigin()}})
	if err != nil {
		t.Fatalf("bridge.New: %v", err)
	}
	defer b.Destroy()
	go func() { _ = tr.Run(ctx, b, nil) }()

	call, err := b.RequestGameState(ctx)
	if err != nil {
		t.Fatalf("RequestGameState: %v", err)
	}
	payload, err := call.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if string(payload) != `{"score":42}` {
		t.Errorf("payload = %s", payload)
	}
}

func TestOriginOf(t *testing.T) {
	testCases := []struct {
		url, want string
		wantErr   bool
	}{
		{"ws://runtime.test:8081/bridge", "http://runtime.test:8081", false},
		{"wss://games.example.org/ws", "https://games.example.org", false},
		{"ftp://x", "", true},
		{"ws:///nohost", "", true},
	}
	for _, tc := range testCases {
		got, err := originOf(tc.url)
		if (err != nil) != tc.wantErr {
			t.Errorf("originOf(%q) error = %v, wantErr %v", tc.url, err, tc.wantErr)
			continue
		}
		if got != tc.want {
			t.Errorf("originOf(%q) = %q, want %q", tc.url, got, tc.want)
		}
	}
}
