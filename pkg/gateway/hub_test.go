package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "unit-test-secret"

func signChallenge(secret, challenge string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(challenge))
	return hex.EncodeToString(h.Sum(nil))
}

func dialHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()

	srv := httptest.NewServer(hub.Handler())
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func authenticate(t *testing.T, conn *websocket.Conn, secret string) AuthResult {
	t.Helper()

	var challenge AuthChallenge
	require.NoError(t, conn.ReadJSON(&challenge))
	require.Equal(t, "auth.challenge", challenge.Event)

	require.NoError(t, conn.WriteJSON(AuthResponse{
		Method:    "auth.response",
		Signature: signChallenge(secret, challenge.Challenge),
	}))

	var result AuthResult
	require.NoError(t, conn.ReadJSON(&result))
	return result
}

func TestHubAuthentication(t *testing.T) {
	hub := NewHub(testSecret, zerolog.Nop())
	defer hub.Close()

	conn := dialHub(t, hub)
	result := authenticate(t, conn, testSecret)

	assert.True(t, result.Success)
	assert.Equal(t, "auth.success", result.Event)
}

func TestHubRejectsBadSignature(t *testing.T) {
	hub := NewHub(testSecret, zerolog.Nop())
	defer hub.Close()

	conn := dialHub(t, hub)
	result := authenticate(t, conn, "wrong-secret")

	assert.False(t, result.Success)
	assert.Equal(t, "auth.failure", result.Event)
}

func TestHubBroadcastsThreadEvents(t *testing.T) {
	hub := NewHub(testSecret, zerolog.Nop())
	defer hub.Close()

	conn := dialHub(t, hub)
	require.True(t, authenticate(t, conn, testSecret).Success)

	hub.ThreadAccepted("alice")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg EventMessage
	require.NoError(t, conn.ReadJSON(&msg))

	assert.Equal(t, EventThreadAccepted, msg.Event)
	data := msg.Data.(map[string]interface{})
	assert.Equal(t, "alice", data["thread_id"])
	assert.Equal(t, int64(1), msg.Seq)
}

func TestHubSkipsUnauthenticatedClients(t *testing.T) {
	hub := NewHub(testSecret, zerolog.Nop())
	defer hub.Close()

	conn := dialHub(t, hub)

	// Read the challenge but never answer it
	var challenge AuthChallenge
	require.NoError(t, conn.ReadJSON(&challenge))

	hub.ThreadCompleted("alice")

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var msg json.RawMessage
	err := conn.ReadJSON(&msg)
	assert.Error(t, err, "unauthenticated client must not receive events")
}

func TestHubContextChanged(t *testing.T) {
	hub := NewHub(testSecret, zerolog.Nop())
	defer hub.Close()

	conn := dialHub(t, hub)
	require.True(t, authenticate(t, conn, testSecret).Success)

	hub.ContextChanged("deploy-notes")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg EventMessage
	require.NoError(t, conn.ReadJSON(&msg))

	assert.Equal(t, EventContextChanged, msg.Event)
	data := msg.Data.(map[string]interface{})
	assert.Equal(t, "deploy-notes", data["name"])
}

func TestHubQueueActivity(t *testing.T) {
	hub := NewHub(testSecret, zerolog.Nop())
	defer hub.Close()

	conn := dialHub(t, hub)
	require.True(t, authenticate(t, conn, testSecret).Success)

	hub.QueueActivity("thread-alice", "enqueued", "thread-alice-1")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg EventMessage
	require.NoError(t, conn.ReadJSON(&msg))

	assert.Equal(t, EventQueueActivity, msg.Event)
	data := msg.Data.(map[string]interface{})
	assert.Equal(t, "thread-alice", data["lane"])
	assert.Equal(t, "enqueued", data["transition"])
	assert.Equal(t, "thread-alice-1", data["task_id"])
}

func TestHubClientInfo(t *testing.T) {
	hub := NewHub(testSecret, zerolog.Nop())
	defer hub.Close()

	conn := dialHub(t, hub)
	require.True(t, authenticate(t, conn, testSecret).Success)

	require.Eventually(t, func() bool {
		clients := hub.Clients()
		return len(clients) == 1 && clients[0].Authenticated
	}, 2*time.Second, 10*time.Millisecond)
}

func TestVerifySignature(t *testing.T) {
	auth := NewAuthHandler(testSecret)
	challenge, err := auth.GenerateChallenge()
	require.NoError(t, err)

	assert.True(t, auth.VerifySignature(challenge, signChallenge(testSecret, challenge)))
	assert.False(t, auth.VerifySignature(challenge, "deadbeef"))
}
