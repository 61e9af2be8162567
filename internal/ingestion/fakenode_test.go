package ingestion

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"solana-event-listener/internal/domain"
	"solana-event-listener/internal/normalization"
	"solana-event-listener/internal/solana"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// fakeNode is a scripted Solana WebSocket endpoint. Each accepted
// connection is handed to script in the server goroutine.
type fakeNode struct {
	server *httptest.Server
	url    string

	mu    sync.Mutex
	conns int
}

func newFakeNode(t *testing.T, script func(t *testing.T, n int, c *websocket.Conn)) *fakeNode {
	t.Helper()

	node := &fakeNode{}
	node.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer c.Close()

		node.mu.Lock()
		node.conns++
		n := node.conns
		node.mu.Unlock()

		script(t, n, c)
	}))
	node.url = "ws" + strings.TrimPrefix(node.server.URL, "http")
	t.Cleanup(node.server.Close)
	return node
}

func (n *fakeNode) connections() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.conns
}

// subscribeCall is a decoded subscribe request as seen by the node.
type subscribeCall struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      uint64            `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

func readSubscribe(t *testing.T, c *websocket.Conn) (subscribeCall, bool) {
	t.Helper()
	_, msg, err := c.ReadMessage()
	if err != nil {
		return subscribeCall{}, false
	}
	var call subscribeCall
	if err := json.Unmarshal(msg, &call); err != nil {
		t.Errorf("unmarshal subscribe: %v", err)
		return subscribeCall{}, false
	}
	return call, true
}

func send(t *testing.T, c *websocket.Conn, frame string) {
	t.Helper()
	if err := c.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Logf("write: %v", err)
	}
}

func closeNormally(c *websocket.Conn) {
	_ = c.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
		time.Now().Add(time.Second))
}

// drain blocks until the client goes away.
func drain(c *websocket.Conn) {
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			return
		}
	}
}

// recordingDispatcher captures every outcome handed to it.
type recordingDispatcher struct {
	mu     sync.Mutex
	events []domain.Event
	errs   []error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, e domain.Event, err error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err != nil {
		d.errs = append(d.errs, err)
		return nil
	}
	d.events = append(d.events, e)
	return nil
}

func (d *recordingDispatcher) snapshot() ([]domain.Event, []error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]domain.Event(nil), d.events...), append([]error(nil), d.errs...)
}

// countingResetter counts Reset calls.
type countingResetter struct {
	mu     sync.Mutex
	resets int
}

func (r *countingResetter) Reset() {
	r.mu.Lock()
	r.resets++
	r.mu.Unlock()
}

func (r *countingResetter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resets
}

var fixedTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func fixedNormalizer() *normalization.Normalizer {
	return normalization.NewNormalizer(func() time.Time { return fixedTime })
}

func testWSConfig() solana.WSClientConfig {
	return solana.WSClientConfig{
		HandshakeTimeout: 2 * time.Second,
		PingInterval:     0,
		ReadTimeout:      5 * time.Second,
		WriteTimeout:     2 * time.Second,
	}
}
