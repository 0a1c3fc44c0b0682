package server

import (
	"bufio"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convo/assist"
	"convo/auth"
	"convo/db"
	"convo/presence"
	"convo/protocol"
	"convo/relay"
	"convo/social"
)

const aiUser = "ai"

type testEnv struct {
	server *Server
	auth   *auth.Service
	db     *db.DB
	social *social.Coordinator
}

// setupTestServer wires a full server against a temp database and a fake
// AI provider that echoes the draft back with a prefix.
func setupTestServer(t *testing.T) *testEnv {
	t.Helper()

	tmpfile, err := os.CreateTemp("", "convo-server-*.db")
	require.NoError(t, err)
	tmpfile.Close()
	os.Remove(tmpfile.Name())

	database, err := db.New(tmpfile.Name())
	require.NoError(t, err)
	t.Cleanup(func() {
		database.Close()
		os.Remove(tmpfile.Name())
	})

	providerSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Message string `json:"message"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(map[string]string{"reply": "echo: " + req.Message})
	}))
	t.Cleanup(providerSrv.Close)

	authSvc := auth.NewService(database, "test-secret", time.Hour, nil)
	registry := presence.NewRegistry()
	coordinator := social.NewCoordinator(database, nil)
	messageRelay := relay.New(database, registry, coordinator, aiUser, time.Second, nil)
	composer := assist.NewCoordinator(assist.NewHTTPProvider(providerSrv.URL, "default", ""),
		messageRelay, aiUser, 5*time.Second, nil)

	config := &Config{
		Port:         0,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	srv := New(config, authSvc, registry, messageRelay, coordinator, composer, aiUser, nil)

	require.NoError(t, database.CreateUser(aiUser, "unused"))
	return &testEnv{server: srv, auth: authSvc, db: database, social: coordinator}
}

// connect spins up a handler goroutine on one pipe end and returns the
// client end.
func (e *testEnv) connect(t *testing.T) net.Conn {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	go e.server.handleConnection(serverConn)
	t.Cleanup(func() {
		serverConn.Close()
		clientConn.Close()
	})
	return clientConn
}

func (e *testEnv) register(t *testing.T, username string) string {
	t.Helper()
	require.NoError(t, e.auth.Register(username, "pw"))
	token, err := e.auth.Login(username, "pw")
	require.NoError(t, err)
	return token
}

func sendLine(t *testing.T, conn net.Conn, line string) {
	t.Helper()
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err := conn.Write([]byte(line + "\n"))
	require.NoError(t, err)
}

func readLine(t *testing.T, reader *bufio.Reader, conn net.Conn) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	return strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
}

// hello performs the handshake on an already connected client.
func (e *testEnv) hello(t *testing.T, conn net.Conn, reader *bufio.Reader, token string) {
	t.Helper()
	sendLine(t, conn, "hello|"+protocol.Escape(token))
	resp := readLine(t, reader, conn)
	require.True(t, strings.HasPrefix(resp, "ok|hello"), "handshake failed: %s", resp)
}

func TestPing(t *testing.T) {
	env := setupTestServer(t)
	conn := env.connect(t)
	reader := bufio.NewReader(conn)

	sendLine(t, conn, "ping")
	assert.Equal(t, "pong", readLine(t, reader, conn))
}

func TestHelloWithBadToken(t *testing.T) {
	env := setupTestServer(t)
	conn := env.connect(t)
	reader := bufio.NewReader(conn)

	sendLine(t, conn, "hello|bogus-token")
	resp := readLine(t, reader, conn)
	assert.True(t, strings.HasPrefix(resp, "fail|hello|UNAUTHENTICATED"), resp)
}

func TestMessageRequiresHandshake(t *testing.T) {
	env := setupTestServer(t)
	conn := env.connect(t)
	reader := bufio.NewReader(conn)

	sendLine(t, conn, "msg|bob|hi")
	resp := readLine(t, reader, conn)
	assert.True(t, strings.HasPrefix(resp, "fail|msg|UNAUTHENTICATED"), resp)
}

func TestSendToNonFriendForbidden(t *testing.T) {
	env := setupTestServer(t)
	aliceToken := env.register(t, "alice")
	env.register(t, "bob")

	conn := env.connect(t)
	reader := bufio.NewReader(conn)
	env.hello(t, conn, reader, aliceToken)

	sendLine(t, conn, "msg|bob|hi")
	resp := readLine(t, reader, conn)
	assert.True(t, strings.HasPrefix(resp, "fail|msg|FORBIDDEN"), resp)
}

func TestFriendRequestAcceptAndMessageFlow(t *testing.T) {
	env := setupTestServer(t)
	aliceToken := env.register(t, "alice")
	bobToken := env.register(t, "bob")

	aliceConn := env.connect(t)
	aliceReader := bufio.NewReader(aliceConn)
	env.hello(t, aliceConn, aliceReader, aliceToken)

	// Alice requests friendship while Bob is offline.
	sendLine(t, aliceConn, "freq|bob")
	resp := readLine(t, aliceReader, aliceConn)
	require.True(t, strings.HasPrefix(resp, "ok|freq|"), resp)

	// Duplicate request conflicts.
	sendLine(t, aliceConn, "freq|bob")
	resp = readLine(t, aliceReader, aliceConn)
	assert.True(t, strings.HasPrefix(resp, "fail|freq|CONFLICT"), resp)

	// Bob connects, sees the pending request and accepts it.
	bobConn := env.connect(t)
	bobReader := bufio.NewReader(bobConn)
	env.hello(t, bobConn, bobReader, bobToken)

	sendLine(t, bobConn, "pend")
	pendResp := readLine(t, bobReader, bobConn)
	require.True(t, strings.HasPrefix(pendResp, "pend|"), pendResp)
	require.NotEqual(t, "pend|", pendResp, "expected one pending request")
	requestID := strings.Split(strings.TrimPrefix(pendResp, "pend|"), "|")[0]

	sendLine(t, bobConn, "facc|"+requestID)
	resp = readLine(t, bobReader, bobConn)
	require.True(t, strings.HasPrefix(resp, "ok|facc"), resp)

	// Alice gets the acceptance push.
	push := readLine(t, aliceReader, aliceConn)
	assert.True(t, strings.HasPrefix(push, "facc|bob"), push)

	// Now messages flow and are pushed live.
	sendLine(t, aliceConn, "msg|bob|hello friend")
	resp = readLine(t, aliceReader, aliceConn)
	require.True(t, strings.HasPrefix(resp, "ok|msg"), resp)

	push = readLine(t, bobReader, bobConn)
	pkt, err := protocol.Parse(push + "\n")
	require.NoError(t, err)
	assert.Equal(t, "msg", pkt.Type)
	assert.Equal(t, "alice", pkt.Dest)
	assert.Equal(t, "hello friend", pkt.Fields[0])
}

func TestOfflineDeliveryViaHistory(t *testing.T) {
	env := setupTestServer(t)
	aliceToken := env.register(t, "alice")
	bobToken := env.register(t, "bob")

	// Befriend directly through the coordinator.
	req, err := env.social.SendRequest("alice", "bob")
	require.NoError(t, err)
	_, err = env.social.Accept("bob", req.ID)
	require.NoError(t, err)

	aliceConn := env.connect(t)
	aliceReader := bufio.NewReader(aliceConn)
	env.hello(t, aliceConn, aliceReader, aliceToken)

	// Bob is offline: persisted, no push.
	sendLine(t, aliceConn, "msg|bob|hi")
	resp := readLine(t, aliceReader, aliceConn)
	require.True(t, strings.HasPrefix(resp, "ok|msg"), resp)

	// Bob connects later and backfills from history.
	bobConn := env.connect(t)
	bobReader := bufio.NewReader(bobConn)
	env.hello(t, bobConn, bobReader, bobToken)

	sendLine(t, bobConn, "hist|alice")
	histResp := readLine(t, bobReader, bobConn)
	require.True(t, strings.HasPrefix(histResp, "hist|alice|"), histResp)
	assert.Contains(t, histResp, "msg|alice|hi|")
}

func TestComposePreviewDoesNotTouchHistory(t *testing.T) {
	env := setupTestServer(t)
	aliceToken := env.register(t, "alice")
	env.register(t, "bob")

	conn := env.connect(t)
	reader := bufio.NewReader(conn)
	env.hello(t, conn, reader, aliceToken)

	sendLine(t, conn, "prev|my draft text")
	resp := readLine(t, reader, conn)
	assert.Equal(t, "prev|echo: my draft text", resp)

	sendLine(t, conn, "hist|bob")
	histResp := readLine(t, reader, conn)
	assert.Equal(t, "hist|bob|", histResp)
}

func TestDirectAIChat(t *testing.T) {
	env := setupTestServer(t)
	aliceToken := env.register(t, "alice")

	conn := env.connect(t)
	reader := bufio.NewReader(conn)
	env.hello(t, conn, reader, aliceToken)

	// No friendship with the AI identity exists; the gate is bypassed.
	sendLine(t, conn, "msg|"+aiUser+"|what is the answer")
	resp := readLine(t, reader, conn)
	require.True(t, strings.HasPrefix(resp, "ok|msg"), resp)

	// The AI reply arrives as a regular message push.
	push := readLine(t, reader, conn)
	pkt, err := protocol.Parse(push + "\n")
	require.NoError(t, err)
	assert.Equal(t, "msg", pkt.Type)
	assert.Equal(t, aiUser, pkt.Dest)
	assert.Equal(t, "echo: what is the answer", pkt.Fields[0])
}

func TestReplacedConnectionIsClosed(t *testing.T) {
	env := setupTestServer(t)
	aliceToken := env.register(t, "alice")

	first := env.connect(t)
	firstReader := bufio.NewReader(first)
	env.hello(t, first, firstReader, aliceToken)

	second := env.connect(t)
	secondReader := bufio.NewReader(second)
	env.hello(t, second, secondReader, aliceToken)

	// The first connection's server side was closed by the registry;
	// the client end sees EOF.
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := firstReader.ReadString('\n')
	assert.Error(t, err)
}

func TestBye(t *testing.T) {
	env := setupTestServer(t)
	aliceToken := env.register(t, "alice")

	conn := env.connect(t)
	reader := bufio.NewReader(conn)
	env.hello(t, conn, reader, aliceToken)

	sendLine(t, conn, "bye")
	assert.Equal(t, "bye", readLine(t, reader, conn))
}
