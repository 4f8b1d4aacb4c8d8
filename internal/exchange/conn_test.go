package exchange

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"funding-arb-alerts/internal/config"
)

// dialTestSocket stands up a throwaway websocket server and dials it.
func dialTestSocket(t *testing.T) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(wr http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(wr, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestBackoffDelaySchedule(t *testing.T) {
	base := 500 * time.Millisecond
	cap := 8 * time.Second

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 500 * time.Millisecond},
		{2, time.Second},
		{3, 2 * time.Second},
		{4, 4 * time.Second},
		{5, 8 * time.Second},
		{6, 8 * time.Second},
		{20, 8 * time.Second},
	}
	for _, tc := range cases {
		if got := backoffDelay(tc.attempt, base, cap); got != tc.want {
			t.Errorf("backoffDelay(%d) = %s, want %s", tc.attempt, got, tc.want)
		}
	}
}

func TestBackoffDelayClampsAttempt(t *testing.T) {
	if got := backoffDelay(0, time.Second, time.Minute); got != time.Second {
		t.Fatalf("attempt 0 should behave as attempt 1, got %s", got)
	}
}

func TestAdoptConnRegistersSocket(t *testing.T) {
	conn := dialTestSocket(t)

	w := newWSConn("test", "ws://unused", config.WSConfig{}, zerolog.Nop())
	hbStop, ok := w.adoptConn(conn)
	if !ok {
		t.Fatal("fresh connection should adopt the socket")
	}
	if hbStop == nil {
		t.Fatal("adopting must hand back a heartbeat stop channel")
	}
	if !w.Connected() {
		t.Fatal("adopted socket should report connected")
	}
	w.Close()
}

func TestCloseDuringDialDiscardsSocket(t *testing.T) {
	conn := dialTestSocket(t)

	// Teardown lands between the dial and the socket registration.
	w := newWSConn("test", "ws://unused", config.WSConfig{}, zerolog.Nop())
	w.Close()

	if _, ok := w.adoptConn(conn); ok {
		t.Fatal("a socket dialed before Close must be refused")
	}
	if w.Connected() {
		t.Fatal("refused socket must not mark the transport connected")
	}
	if w.State() != "disconnected" {
		t.Fatalf("state = %q, want disconnected", w.State())
	}
}

func TestConnStateString(t *testing.T) {
	states := map[connState]string{
		stateDisconnected:       "disconnected",
		stateConnecting:         "connecting",
		stateConnected:          "connected",
		stateReconnectScheduled: "reconnect-scheduled",
	}
	for state, want := range states {
		if got := state.String(); got != want {
			t.Errorf("state %d = %q, want %q", state, got, want)
		}
	}
}
