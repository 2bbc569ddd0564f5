package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/vango-go/live-relay/pkg/gateway/config"
	"github.com/vango-go/live-relay/pkg/gateway/lifecycle"
	"github.com/vango-go/live-relay/pkg/gateway/live/sessions"
	"github.com/vango-go/live-relay/pkg/gateway/logging"
	"github.com/vango-go/live-relay/pkg/gateway/upstream"
)

type stubUpstream struct {
	mu        sync.Mutex
	turns     [][]*genai.Part
	recv      chan *genai.LiveServerMessage
	done      chan struct{}
	closeOnce sync.Once
}

func newStubUpstream() *stubUpstream {
	return &stubUpstream{recv: make(chan *genai.LiveServerMessage, 8), done: make(chan struct{})}
}

func (u *stubUpstream) SendTurn(parts []*genai.Part) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.turns = append(u.turns, parts)
	return nil
}

func (u *stubUpstream) Receive() (*genai.LiveServerMessage, error) {
	select {
	case m := <-u.recv:
		return m, nil
	case <-u.done:
		return nil, errors.New("use of closed network connection")
	}
}

func (u *stubUpstream) Close() error {
	u.closeOnce.Do(func() { close(u.done) })
	return nil
}

func (u *stubUpstream) sentTurns() [][]*genai.Part {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([][]*genai.Part(nil), u.turns...)
}

type stubDialer struct {
	sess *stubUpstream
	err  error
}

func (d stubDialer) Dial(context.Context) (upstream.Session, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.sess, nil
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.GeminiAPIKey = "test-key"
	cfg.SendInitialPrompt = false
	return cfg
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestLiveHandler_RelaysTurnsBothWays(t *testing.T) {
	up := newStubUpstream()
	up.recv <- &genai.LiveServerMessage{SetupComplete: &genai.LiveServerSetupComplete{}}
	tracker := sessions.NewTracker()

	srv := httptest.NewServer(LiveHandler{
		Config:       testConfig(),
		Dialer:       stubDialer{sess: up},
		Logger:       logging.Discard(),
		LiveSessions: tracker,
	})
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer conn.Close()

	// The first upstream message proves the session is bound.
	first := readFrame(t, conn)
	assert.Contains(t, first, "setupComplete")
	assert.Equal(t, 1, tracker.Count())

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"text":"hello"}`)))
	require.Eventually(t, func() bool { return len(up.sentTurns()) == 1 }, 2*time.Second, 10*time.Millisecond)
	turn := up.sentTurns()[0]
	require.Len(t, turn, 1)
	assert.Equal(t, "hello", turn[0].Text)

	up.recv <- &genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{TurnComplete: true}}
	reply := readFrame(t, conn)
	content, ok := reply["serverContent"].(map[string]any)
	require.True(t, ok, "reply=%v", reply)
	assert.Equal(t, true, content["turnComplete"])

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	require.Eventually(t, func() bool { return tracker.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
	select {
	case <-up.done:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream was not closed after client close")
	}
}

func TestLiveHandler_InitFailureSendsErrorFrame(t *testing.T) {
	srv := httptest.NewServer(LiveHandler{
		Config: testConfig(),
		Dialer: stubDialer{err: errors.New("quota exceeded")},
		Logger: logging.Discard(),
	})
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer conn.Close()

	frame := readFrame(t, conn)
	msg, _ := frame["error"].(string)
	assert.True(t, strings.HasPrefix(msg, "Failed to initialize Gemini session"), "error=%q", msg)
	assert.Contains(t, msg, "quota exceeded")
}

func TestLiveHandler_RejectsDisallowedOrigin(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedOrigins = []string{"https://app.example.com"}
	h := LiveHandler{Config: cfg, Dialer: stubDialer{sess: newStubUpstream()}, Logger: logging.Discard()}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Contains(t, rr.Body.String(), `"error":"origin is not allowed"`)
}

func TestLiveHandler_DrainingRejects(t *testing.T) {
	lc := &lifecycle.Lifecycle{}
	lc.SetDraining(true)
	h := LiveHandler{Config: testConfig(), Dialer: stubDialer{sess: newStubUpstream()}, Lifecycle: lc}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestLiveHandler_MethodNotAllowed(t *testing.T) {
	h := LiveHandler{Config: testConfig(), Dialer: stubDialer{sess: newStubUpstream()}}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestLiveHandler_OriginAllowlistEmptyAcceptsAll(t *testing.T) {
	h := LiveHandler{Config: testConfig()}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	assert.True(t, h.originAllowed(req))
}
