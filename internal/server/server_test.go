package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zot/projhost/internal/projection"
	"github.com/zot/projhost/internal/protocol"
)

type wireResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

type sessions struct {
	mu   sync.Mutex
	made []*projection.Session
}

func (ss *sessions) factory(string) (*projection.Session, error) {
	s := projection.NewSession(nil, projection.Options{
		Prelude: `function greet(name) return "hello " .. name end`,
		Logger:  func(int, string) {},
	})
	ss.mu.Lock()
	ss.made = append(ss.made, s)
	ss.mu.Unlock()
	return s, nil
}

func (ss *sessions) first() *projection.Session {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.made[0]
}

func startServer(t *testing.T, factory SessionFactory) (*Server, *httptest.Server) {
	t.Helper()
	s := New(nil, factory)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.wsEndpoint.CloseAll()
	})
	return s, ts
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func call(t *testing.T, conn *websocket.Conn, msgType protocol.MessageType, id string, data interface{}) wireResponse {
	t.Helper()
	msg, err := protocol.NewMessage(msgType, id, data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(msg))
	var resp wireResponse
	require.NoError(t, conn.ReadJSON(&resp))
	return resp
}

func TestHealthAndVersion(t *testing.T) {
	var ss sessions
	_, ts := startServer(t, ss.factory)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "ok", string(body))

	resp, err = http.Get(ts.URL + "/version")
	require.NoError(t, err)
	defer resp.Body.Close()
	var version struct {
		Name    string `json:"name"`
		Version int    `json:"version"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&version))
	assert.Equal(t, "projhost", version.Name)
	assert.Equal(t, 1, version.Version)
}

func TestWebSocketCompileAndExecute(t *testing.T) {
	var ss sessions
	_, ts := startServer(t, ss.factory)
	conn := dial(t, ts)
	defer conn.Close()

	resp := call(t, conn, protocol.MsgCompileQuery, "1", protocol.CompileQueryMessage{
		Name:   "greeter",
		Source: `register_command_handler("greet", function(ev) return greet(ev.name) end)`,
	})
	assert.Equal(t, "1", resp.ID)
	assert.Empty(t, resp.Error)

	resp = call(t, conn, protocol.MsgExecute, "2", protocol.ExecuteMessage{
		Query:   "greeter",
		Handler: "greet",
		Data:    json.RawMessage(`{"name":"ada"}`),
	})
	assert.Equal(t, "2", resp.ID)
	var exec protocol.ExecuteResponse
	require.NoError(t, json.Unmarshal(resp.Result, &exec))
	require.Len(t, exec.Results, 1)
	assert.JSONEq(t, `"hello ada"`, string(exec.Results[0].Payload))
}

func TestWebSocketBatchKeepsOrder(t *testing.T) {
	var ss sessions
	_, ts := startServer(t, ss.factory)
	conn := dial(t, ts)
	defer conn.Close()

	batch := `[
		{"type":"compile_query","id":"a","data":{"name":"q","source":"register_command_handler('h', function(ev) return ev.n end)"}},
		{"type":"execute","id":"b","data":{"query":"q","handler":"h","data":{"n":7}}},
		{"type":"version","id":"c"}
	]`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(batch)))

	var ids []string
	for range 3 {
		var resp wireResponse
		require.NoError(t, conn.ReadJSON(&resp))
		assert.Empty(t, resp.Error)
		ids = append(ids, resp.ID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestWebSocketReportsBadMessages(t *testing.T) {
	var ss sessions
	_, ts := startServer(t, ss.factory)
	conn := dial(t, ts)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{not json`)))
	var resp wireResponse
	require.NoError(t, conn.ReadJSON(&resp))
	assert.NotEmpty(t, resp.Error)

	resp = call(t, conn, "launch", "x", nil)
	assert.Equal(t, "x", resp.ID)
	assert.Contains(t, resp.Error, "unknown message type")

	// the connection survives both
	resp = call(t, conn, protocol.MsgVersion, "y", nil)
	assert.Empty(t, resp.Error)
}

func TestDisconnectClosesSession(t *testing.T) {
	var ss sessions
	s, ts := startServer(t, ss.factory)
	conn := dial(t, ts)

	call(t, conn, protocol.MsgCompileQuery, "1", protocol.CompileQueryMessage{
		Name:   "q",
		Source: `register_command_handler("h", function() return 1 end)`,
	})
	session := ss.first()
	assert.Equal(t, 2, session.Host().Live())
	assert.Equal(t, 1, s.Connections())

	conn.Close()
	assert.Eventually(t, func() bool {
		return s.Connections() == 0 && session.Host().Live() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSessionFactoryFailure(t *testing.T) {
	_, ts := startServer(t, func(string) (*projection.Session, error) {
		return nil, errors.New("no prelude")
	})
	conn := dial(t, ts)
	defer conn.Close()

	var resp wireResponse
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Contains(t, resp.Error, "no prelude")
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}
