package gateway

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiancaiamao/shellbuddy/pkg/agent"
	"github.com/tiancaiamao/shellbuddy/pkg/auth"
	"github.com/tiancaiamao/shellbuddy/pkg/protocol"
)

const testSecret = "gateway-test-secret"

var testClaims = auth.ChatClaims{UserID: "user-1", ChatID: "chat-1"}

func echoRuntime() agent.Runtime {
	return agent.FuncRuntime(func(ctx context.Context, req agent.Request, tools agent.Tools, emit func(string)) error {
		emit(req.ChatID + ":" + req.Message)
		return nil
	})
}

func newTestGateway(t *testing.T, rt agent.Runtime) (*Server, *auth.Issuer) {
	t.Helper()
	issuer, err := auth.NewIssuer(testSecret)
	require.NoError(t, err)
	return New(issuer, rt), issuer
}

func issue(t *testing.T, issuer *auth.Issuer) string {
	t.Helper()
	token, err := issuer.Issue(testClaims, time.Hour)
	require.NoError(t, err)
	return token
}

func wsURL(httpURL, token string) string {
	u := "ws" + strings.TrimPrefix(httpURL, "http") + DefaultWSPath
	if token != "" {
		u += "?token=" + token
	}
	return u
}

func readFrame(t *testing.T, ws *websocket.Conn) protocol.S2CMessage {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	msg, err := protocol.DecodeS2C(data)
	require.NoError(t, err)
	return msg
}

func TestHealth(t *testing.T) {
	gw, _ := newTestGateway(t, echoRuntime())
	srv := httptest.NewServer(gw.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, map[string]string{"status": "ok"}, body)
}

func TestRejectsBadTokens(t *testing.T) {
	gw, _ := newTestGateway(t, echoRuntime())
	srv := httptest.NewServer(gw.Handler())
	defer srv.Close()

	other, err := auth.NewIssuer("another-secret")
	require.NoError(t, err)
	forged := issue(t, other)

	tests := []struct {
		name  string
		token string
		want  string
	}{
		{name: "missing", token: "", want: "No token provided"},
		{name: "garbage", token: "not-a-jwt", want: "Invalid token"},
		{name: "wrong secret", token: forged, want: "Invalid token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv.URL, tt.token), nil)
			require.Error(t, err)
			require.NotNil(t, resp)
			defer resp.Body.Close()

			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			var body errorBody
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Equal(t, tt.want, body.Error)
		})
	}
	assert.Equal(t, int64(3), gw.Stats().AuthRejected())
	assert.Equal(t, int64(0), gw.Stats().SessionsTotal())
}

func TestSessionRunsAgentTurn(t *testing.T) {
	gw, issuer := newTestGateway(t, echoRuntime())
	srv := httptest.NewServer(gw.Handler())
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL, issue(t, issuer)), nil)
	require.NoError(t, err)
	defer ws.Close()

	data, err := protocol.Encode(protocol.SendReply{Reply: "hello"})
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))

	assert.Equal(t, protocol.AgentStart{}, readFrame(t, ws))
	assert.Equal(t, protocol.AgentToken{Token: "chat-1:hello"}, readFrame(t, ws))
	assert.Equal(t, protocol.AgentStop{}, readFrame(t, ws))

	assert.Equal(t, int64(1), gw.Stats().SessionsActive())
	assert.Equal(t, int64(1), gw.Stats().SessionsTotal())

	ws.Close()
	assert.Eventually(t, func() bool { return gw.Stats().SessionsActive() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestMetrics(t *testing.T) {
	gw, _ := newTestGateway(t, echoRuntime())
	srv := httptest.NewServer(gw.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	var snap Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, int64(0), snap.SessionsActive)
	assert.NotEmpty(t, snap.Uptime)
}

func TestServeShutdownClosesSessions(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	rt := agent.FuncRuntime(func(ctx context.Context, req agent.Request, tools agent.Tools, emit func(string)) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-block:
			return nil
		}
	})
	gw, issuer := newTestGateway(t, rt)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- gw.Serve(ctx, ln) }()

	url := wsURL("http://"+ln.Addr().String(), issue(t, issuer))
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	data, err := protocol.Encode(protocol.SendReply{Reply: "wait"})
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))
	assert.Equal(t, protocol.AgentStart{}, readFrame(t, ws))

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	assert.Equal(t, int64(0), gw.Stats().SessionsActive())
}
