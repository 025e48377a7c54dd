package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/consortium-dev/consortium/internal/auth"
	"github.com/consortium-dev/consortium/internal/db"
	"github.com/consortium-dev/consortium/internal/events"
	"github.com/consortium-dev/consortium/internal/repository"
	"github.com/consortium-dev/consortium/internal/rpc"
)

const wsTestSecret = "0123456789abcdef0123456789abcdef"

// readTimeout bounds every expected read; silence checks use a shorter
// window so tests stay fast.
const (
	readTimeout   = 2 * time.Second
	silenceWindow = 300 * time.Millisecond
)

type wsEnv struct {
	server   *httptest.Server
	tokens   *auth.TokenService
	accounts repository.AccountRepository
	sessions repository.SessionRepository
	registry *rpc.Registry
}

func newWSEnv(t *testing.T) *wsEnv {
	t.Helper()

	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      ":memory:",
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		sqlDB, err := database.DB()
		require.NoError(t, err)
		_ = sqlDB.Close()
	})

	tokens, err := auth.NewTokenService(wsTestSecret)
	require.NoError(t, err)

	accounts := repository.NewAccountRepository(database)
	sessions := repository.NewSessionRepository(database)
	machines := repository.NewMachineRepository(database)
	router := events.NewRouter(zap.NewNop())
	registry := rpc.NewRegistry(zap.NewNop())

	handler := NewHandler(Config{
		Logger:   zap.NewNop(),
		Tokens:   tokens,
		Router:   router,
		Emitter:  events.NewEmitter(router, accounts, zap.NewNop()),
		Registry: registry,
		Sessions: sessions,
		Machines: machines,
		// Short enough that the timeout path is testable.
		RPCTimeout: 250 * time.Millisecond,
	})

	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	return &wsEnv{
		server:   ts,
		tokens:   tokens,
		accounts: accounts,
		sessions: sessions,
		registry: registry,
	}
}

func (e *wsEnv) newAccount(t *testing.T) (uuid.UUID, string) {
	t.Helper()
	account, err := e.accounts.UpsertByPublicKey(
		context.Background(), fmt.Sprintf("%x%x", uuid.New(), uuid.New()))
	require.NoError(t, err)
	token, err := e.tokens.CreateToken(account.ID.String(), nil)
	require.NoError(t, err)
	return account.ID, token
}

func (e *wsEnv) newSession(t *testing.T, accountID uuid.UUID) *db.Session {
	t.Helper()
	session, created, err := e.sessions.CreateIfAbsent(context.Background(), &db.Session{
		AccountID:       accountID,
		Tag:             uuid.NewString(),
		Metadata:        "cipher-metadata",
		MetadataVersion: 1,
		LastActiveAt:    time.Now(),
	})
	require.NoError(t, err)
	require.True(t, created)
	return session
}

// testFrame is the wire frame as seen from the client side.
type testFrame struct {
	Event   string          `json:"event"`
	ID      *int64          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func (e *wsEnv) dial(t *testing.T, query url.Values) *wsClient {
	t.Helper()
	endpoint := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/?" + query.Encode()
	conn, resp, err := websocket.DefaultDialer.Dial(endpoint, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (e *wsEnv) dialScoped(t *testing.T, token, clientType, sessionID, machineID string) *wsClient {
	t.Helper()
	q := url.Values{"token": {token}}
	if clientType != "" {
		q.Set("clientType", clientType)
	}
	if sessionID != "" {
		q.Set("sessionId", sessionID)
	}
	if machineID != "" {
		q.Set("machineId", machineID)
	}
	return e.dial(t, q)
}

func (c *wsClient) send(event string, id *int64, payload any) {
	c.t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteJSON(testFrame{Event: event, ID: id, Payload: data}))
}

func (c *wsClient) read(timeout time.Duration) (testFrame, error) {
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(timeout)))
	var frame testFrame
	err := c.conn.ReadJSON(&frame)
	return frame, err
}

func (c *wsClient) mustRead(event string) testFrame {
	c.t.Helper()
	frame, err := c.read(readTimeout)
	require.NoError(c.t, err)
	require.Equal(c.t, event, frame.Event)
	return frame
}

// expectSilence asserts no frame arrives within the window. It must be
// the last read on the connection: an expired read deadline poisons
// subsequent reads.
func (c *wsClient) expectSilence() {
	c.t.Helper()
	frame, err := c.read(silenceWindow)
	require.Error(c.t, err, "unexpected frame %q", frame.Event)
}

func frameID(n int64) *int64 { return &n }

func TestHandshakeRejections(t *testing.T) {
	env := newWSEnv(t)
	_, token := env.newAccount(t)

	tests := []struct {
		name       string
		token      string
		clientType string
		sessionID  string
		machineID  string
		wantError  string
	}{
		{"bad token", "garbage", "", "", "", "Invalid token"},
		{"unknown client type", token, "room-scoped", "", "", "Unknown client type"},
		{"session scope without session", token, "session-scoped", "", "", "Session not found"},
		{"session scope with foreign session", token, "session-scoped", uuid.NewString(), "", "Session not found"},
		{"machine scope without machine", token, "machine-scoped", "", "", "Machine not found"},
		{"machine scope with unknown machine", token, "machine-scoped", "", "ghost", "Machine not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := env.dialScoped(t, tt.token, tt.clientType, tt.sessionID, tt.machineID)

			frame := client.mustRead("error")
			var payload struct {
				Message string `json:"message"`
			}
			require.NoError(t, json.Unmarshal(frame.Payload, &payload))
			require.Equal(t, tt.wantError, payload.Message)

			// The server disconnects after the error frame.
			_, err := client.read(readTimeout)
			require.Error(t, err)
		})
	}
}

func TestRPCRoundTrip(t *testing.T) {
	env := newWSEnv(t)
	_, token := env.newAccount(t)

	provider := env.dialScoped(t, token, "", "", "")
	caller := env.dialScoped(t, token, "", "", "")

	provider.send("rpc-register", nil, map[string]string{"method": "S1:bash"})
	provider.mustRead("rpc-registered")

	caller.send("rpc-call", frameID(1), map[string]any{
		"method": "S1:bash",
		"params": "enc-params",
	})

	// The provider sees the params blob exactly as sent; the relay never
	// decodes it.
	request := provider.mustRead("rpc-request")
	require.NotNil(t, request.ID)
	require.JSONEq(t, `{"method":"S1:bash","params":"enc-params"}`, string(request.Payload))

	provider.send("ack", request.ID, "result-enc")

	reply := caller.mustRead("ack")
	require.NotNil(t, reply.ID)
	require.Equal(t, int64(1), *reply.ID)
	var result struct {
		OK     bool            `json:"ok"`
		Result json.RawMessage `json:"result"`
	}
	require.NoError(t, json.Unmarshal(reply.Payload, &result))
	require.True(t, result.OK)
	require.JSONEq(t, `"result-enc"`, string(result.Result))
}

func TestRPCCallErrorPaths(t *testing.T) {
	env := newWSEnv(t)
	accountID, token := env.newAccount(t)

	readCallError := func(c *wsClient, id int64) string {
		c.t.Helper()
		reply := c.mustRead("ack")
		require.NotNil(c.t, reply.ID)
		require.Equal(c.t, id, *reply.ID)
		var result struct {
			OK    bool   `json:"ok"`
			Error string `json:"error"`
		}
		require.NoError(c.t, json.Unmarshal(reply.Payload, &result))
		require.False(c.t, result.OK)
		return result.Error
	}

	t.Run("unregistered method", func(t *testing.T) {
		caller := env.dialScoped(t, token, "", "", "")
		caller.send("rpc-call", frameID(1), map[string]any{"method": "nobody:home", "params": "x"})
		require.Equal(t, "RPC method not available", readCallError(caller, 1))
	})

	t.Run("self call", func(t *testing.T) {
		client := env.dialScoped(t, token, "", "", "")
		client.send("rpc-register", nil, map[string]string{"method": "S1:self"})
		client.mustRead("rpc-registered")

		client.send("rpc-call", frameID(2), map[string]any{"method": "S1:self", "params": "x"})
		require.Equal(t, "Cannot call RPC on the same socket", readCallError(client, 2))
	})

	t.Run("unresponsive target times out", func(t *testing.T) {
		provider := env.dialScoped(t, token, "", "", "")
		caller := env.dialScoped(t, token, "", "", "")

		provider.send("rpc-register", nil, map[string]string{"method": "S1:slow"})
		provider.mustRead("rpc-registered")

		start := time.Now()
		caller.send("rpc-call", frameID(3), map[string]any{"method": "S1:slow", "params": "x"})
		// The provider receives the forward but never acks it.
		provider.mustRead("rpc-request")

		require.Equal(t, "RPC call failed", readCallError(caller, 3))
		require.Less(t, time.Since(start), readTimeout,
			"timeout must be enforced server-side, well before the read deadline")
	})

	t.Run("disconnected target", func(t *testing.T) {
		provider := env.dialScoped(t, token, "", "", "")
		provider.send("rpc-register", nil, map[string]string{"method": "S1:gone"})
		provider.mustRead("rpc-registered")
		require.NoError(t, provider.conn.Close())

		// Disconnect cleanup drops the registration.
		require.Eventually(t, func() bool {
			_, ok := env.registry.Lookup(accountID.String(), "S1:gone")
			return !ok
		}, readTimeout, 10*time.Millisecond)

		caller := env.dialScoped(t, token, "", "", "")
		caller.send("rpc-call", frameID(4), map[string]any{"method": "S1:gone", "params": "x"})
		require.Equal(t, "RPC method not available", readCallError(caller, 4))
	})
}

func TestMessageDedupOverSocket(t *testing.T) {
	env := newWSEnv(t)
	accountID, token := env.newAccount(t)
	session := env.newSession(t, accountID)
	sid := session.ID.String()

	sender := env.dialScoped(t, token, "", "", "")
	receiver := env.dialScoped(t, token, "", "", "")

	payload := map[string]string{"sid": sid, "message": "cipher-b64", "localId": "L1"}

	sender.send("message", frameID(1), payload)
	ack := sender.mustRead("ack")
	require.Equal(t, int64(1), *ack.ID)
	require.JSONEq(t, `{"result":"success"}`, string(ack.Payload))

	update := receiver.mustRead("update")
	var envelope struct {
		ID   string `json:"id"`
		Seq  int64  `json:"seq"`
		Body struct {
			T       string `json:"t"`
			SID     string `json:"sid"`
			Message struct {
				Seq     int64 `json:"seq"`
				Content struct {
					T string `json:"t"`
					C string `json:"c"`
				} `json:"content"`
			} `json:"message"`
		} `json:"body"`
	}
	require.NoError(t, json.Unmarshal(update.Payload, &envelope))
	require.Len(t, envelope.ID, 12)
	require.Equal(t, "new-message", envelope.Body.T)
	require.Equal(t, sid, envelope.Body.SID)
	require.Equal(t, "encrypted", envelope.Body.Message.Content.T)
	require.Equal(t, "cipher-b64", envelope.Body.Message.Content.C)

	// Redelivery with the same localId: acked, persisted once, fanned
	// out once.
	sender.send("message", frameID(2), payload)
	ack = sender.mustRead("ack")
	require.Equal(t, int64(2), *ack.ID)
	require.JSONEq(t, `{"result":"success"}`, string(ack.Payload))

	messages, err := env.sessions.ListMessages(context.Background(), session.ID, 10)
	require.NoError(t, err)
	require.Len(t, messages, 1)

	receiver.expectSilence()
	// The sender never receives an echo of its own message.
	sender.expectSilence()
}

func TestFramesAckedExactlyOnce(t *testing.T) {
	env := newWSEnv(t)
	_, token := env.newAccount(t)
	client := env.dialScoped(t, token, "", "", "")

	client.send("ping", frameID(1), struct{}{})
	ack := client.mustRead("ack")
	require.Equal(t, int64(1), *ack.ID)

	// A failing request-reply frame gets its single error callback.
	client.send("update-metadata", frameID(2), map[string]any{"sid": "not-a-uuid"})
	ack = client.mustRead("ack")
	require.Equal(t, int64(2), *ack.ID)
	require.JSONEq(t, `{"result":"error"}`, string(ack.Payload))

	// Frames without a correlation id get no reply at all, and no frame
	// ever produces a second ack.
	client.send("ping", nil, struct{}{})
	client.expectSilence()
}
