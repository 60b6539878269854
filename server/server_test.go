package server

import (
	"bufio"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"chatrelay/auth"
	"chatrelay/models"
	"chatrelay/store"
)

const testPassword = "pass1234"

func setupTestServer(t *testing.T) *Server {
	t.Helper()

	tmp := t.TempDir()

	badWords := filepath.Join(tmp, "bad_words.txt")
	if err := os.WriteFile(badWords, []byte("spoiler\nchết\n"), 0o644); err != nil {
		t.Fatalf("failed to write bad words file: %v", err)
	}

	st, err := store.NewSQLite(filepath.Join(tmp, "test.db"), &auth.BcryptHasher{Cost: 4})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	srv := New(st, &Config{
		UploadDir:    filepath.Join(tmp, "uploads"),
		BadWordsPath: badWords,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}, zap.NewNop())

	return srv
}

// testClient talks to a Server over one half of a net.Pipe, the way a real
// client talks over TCP.
type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func connect(t *testing.T, srv *Server) *testClient {
	t.Helper()

	serverConn, clientConn := net.Pipe()
	go srv.HandleConnection(serverConn)
	t.Cleanup(func() { clientConn.Close() })

	return &testClient{t: t, conn: clientConn, r: bufio.NewReader(clientConn)}
}

func (c *testClient) send(line string) {
	c.t.Helper()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		c.t.Fatalf("failed to send %q: %v", line, err)
	}
}

func (c *testClient) readLine(timeout time.Duration) (string, error) {
	c.conn.SetReadDeadline(time.Now().Add(timeout))
	line, err := c.r.ReadString('\n')
	return strings.TrimSuffix(line, "\n"), err
}

// expect reads lines until one starts with prefix, skipping unrelated
// notifications, and returns it.
func (c *testClient) expect(prefix string) string {
	c.t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			c.t.Fatalf("timed out waiting for %q", prefix)
		}
		line, err := c.readLine(remaining)
		if err != nil {
			c.t.Fatalf("waiting for %q: %v", prefix, err)
		}
		if strings.HasPrefix(line, prefix) {
			return line
		}
	}
}

func (c *testClient) expectNothing(d time.Duration) {
	c.t.Helper()
	if line, err := c.readLine(d); err == nil {
		c.t.Fatalf("expected no line, got %q", line)
	}
}

// login creates the account if needed, authenticates and drains the welcome
// sequence so tests start from a quiet connection.
func login(t *testing.T, srv *Server, username string) *testClient {
	t.Helper()

	if exists, err := srv.store.UserExists(username); err != nil {
		t.Fatalf("user lookup failed: %v", err)
	} else if !exists {
		if err := srv.store.CreateUser(username, testPassword); err != nil {
			t.Fatalf("failed to create user %s: %v", username, err)
		}
	}

	c := connect(t, srv)
	c.send("LOGIN|" + username + "|" + testPassword)
	c.expect("LOGIN_SUCCESS|" + username)
	c.expect("USER_LIST|")
	c.expect("BROADCAST|[SERVER]: " + username + " joined the server!")
	return c
}

func TestRegisterAndLogin(t *testing.T) {
	srv := setupTestServer(t)
	c := connect(t, srv)

	c.send("REGISTER|carol|" + testPassword)
	c.expect("REGISTER_SUCCESS|")

	c.send("LOGIN|carol|wrongpass")
	c.expect("LOGIN_FAIL|Wrong username or password")

	c.send("LOGIN|carol|" + testPassword)
	c.expect("LOGIN_SUCCESS|carol")
	c.expect("USER_LIST|carol")
}

func TestRegisterValidation(t *testing.T) {
	srv := setupTestServer(t)
	c := connect(t, srv)

	c.send("REGISTER|ab|" + testPassword)
	c.expect("REGISTER_FAIL|Username or password too short")

	c.send("REGISTER|abc|pas")
	c.expect("REGISTER_FAIL|Username or password too short")

	c.send("REGISTER|carol|" + testPassword)
	c.expect("REGISTER_SUCCESS|")

	c.send("REGISTER|carol|" + testPassword)
	c.expect("REGISTER_FAIL|Username already taken")
}

func TestResetPassword(t *testing.T) {
	srv := setupTestServer(t)
	c := connect(t, srv)

	c.send("REGISTER|dave|oldpass99")
	c.expect("REGISTER_SUCCESS|")

	c.send("RESET_PASSWORD|ghost|whatever1")
	c.expect("RESET_FAIL|Account does not exist")

	c.send("RESET_PASSWORD|dave|newpass99")
	c.expect("RESET_SUCCESS|")

	c.send("LOGIN|dave|oldpass99")
	c.expect("LOGIN_FAIL|")

	c.send("LOGIN|dave|newpass99")
	c.expect("LOGIN_SUCCESS|dave")
}

func TestCommandBeforeLogin(t *testing.T) {
	srv := setupTestServer(t)
	c := connect(t, srv)

	c.send("PRIVATE|bob|hi")
	c.expect("ERROR|Please log in first")

	c.send("???")
	c.expect("ERROR|Please log in first")
}

func TestDuplicateLoginRejected(t *testing.T) {
	srv := setupTestServer(t)
	a := login(t, srv, "alice")

	second := connect(t, srv)
	second.send("LOGIN|alice|" + testPassword)
	second.expect("LOGIN_FAIL|Account is already logged in elsewhere")

	// Первая сессия не пострадала
	a.send("PRIVATE|alice|still here")
	a.expect("PRIVATE|alice|alice: still here")
}

func TestPrivateMessage(t *testing.T) {
	srv := setupTestServer(t)
	a := login(t, srv, "alice")
	b := login(t, srv, "bob")

	a.send("PRIVATE|bob|Hi&#124;there")
	got := b.expect("PRIVATE|alice|")
	if got != "PRIVATE|alice|alice: Hi&#124;there" {
		t.Fatalf("unexpected forward: %q", got)
	}

	a.send("REQ_HISTORY|PRIVATE|bob")
	a.expect("HISTORY_DATA|PRIVATE|bob|alice|alice: Hi&#124;there|")
}

func TestUserJoinedAndLeftNotifications(t *testing.T) {
	srv := setupTestServer(t)
	a := login(t, srv, "alice")

	b := login(t, srv, "bob")
	a.expect("USER_JOINED|bob")
	a.expect("BROADCAST|[SERVER]: bob joined the server!")

	b.conn.Close()
	a.expect("USER_LEFT|bob")
	a.expect("BROADCAST|[SERVER]: bob left the server.")
}

func TestGroupLifecycle(t *testing.T) {
	srv := setupTestServer(t)
	a := login(t, srv, "alice")
	b := login(t, srv, "bob")

	a.send("CREATE_GROUP|team")
	a.expect("GROUP_JOINED|team")
	a.expect("GROUP_LIST|team")

	b.send("JOIN_GROUP|team")
	b.expect("GROUP_JOINED|team")
	b.expect("GROUP_LIST|team")
	b.expect("GROUP|team|bob joined the group.")
	a.expect("GROUP|team|bob joined the group.")

	// Текст с разделителем внутри доходит в экранированном виде всем членам
	a.send("GROUP|team|Hi&#124;there")
	a.expect("GROUP|team|alice: Hi&#124;there")
	b.expect("GROUP|team|alice: Hi&#124;there")

	b.send("REQ_HISTORY|GROUP|team")
	b.expect("HISTORY_DATA|GROUP|team|alice|alice: Hi&#124;there|")

	b.send("LEAVE_GROUP|team")
	b.expect("GROUP_LEFT|team")
	a.expect("GROUP|team|bob left the group.")

	a.send("DISSOLVE_GROUP|team")
	a.expect("GROUP_DISSOLVED|team")
	b.expectNothing(200 * time.Millisecond)
}

func TestCreateGroupWithMembers(t *testing.T) {
	srv := setupTestServer(t)
	a := login(t, srv, "alice")
	b := login(t, srv, "bob")

	a.send("CREATE_GROUP|team|bob")
	a.expect("GROUP_JOINED|team")
	b.expect("GROUP_JOINED|team")
	b.expect("GROUP_LIST|team")

	b.send("GROUP|team|hello")
	a.expect("GROUP|team|bob: hello")
}

func TestModerationFilter(t *testing.T) {
	srv := setupTestServer(t)
	a := login(t, srv, "alice")
	b := login(t, srv, "bob")

	a.send("CREATE_GROUP|team|bob")
	a.expect("GROUP_JOINED|team")
	a.expect("GROUP_LIST|team")
	b.expect("GROUP_JOINED|team")
	b.expect("GROUP_LIST|team")

	// Нарушитель получает приватное предупреждение, группа ничего не видит
	a.send("GROUP|team|massive SPOILER ahead")
	a.expect("SYSTEM|")
	b.expectNothing(300 * time.Millisecond)

	// Совпадение без диакритики тоже ловится
	a.send("GROUP|team|chet happens")
	a.expect("SYSTEM|")

	a.send("GROUP|team|all clear")
	b.expect("GROUP|team|alice: all clear")

	messages, err := srv.store.LoadHistory(models.MsgGroup, "alice", "team", 50)
	if err != nil {
		t.Fatalf("failed to load history: %v", err)
	}
	if len(messages) != 1 || messages[0].Content != "alice: all clear" {
		t.Fatalf("blocked messages must not be persisted, got %+v", messages)
	}
}

func TestHistoryEmpty(t *testing.T) {
	srv := setupTestServer(t)
	a := login(t, srv, "alice")

	a.send("REQ_HISTORY|PRIVATE|ghost")
	a.expectNothing(300 * time.Millisecond)
}

func TestTypingRelay(t *testing.T) {
	srv := setupTestServer(t)
	a := login(t, srv, "alice")
	b := login(t, srv, "bob")

	a.send("TYPING|bob|START")
	b.expect("TYPING|alice|bob|START")

	a.send("TYPING|bob|STOP")
	b.expect("TYPING|alice|bob|STOP")
}

func TestWebRTCRelay(t *testing.T) {
	srv := setupTestServer(t)
	a := login(t, srv, "alice")
	b := login(t, srv, "bob")

	payload := `{"type":"offer","sdp":"v=0|o=-|s=-"}`
	a.send("WEBRTC|bob|" + payload)
	got := b.expect("WEBRTC|alice|")
	if got != "WEBRTC|alice|"+payload {
		t.Fatalf("signaling payload mangled: %q", got)
	}

	a.send("WEBRTC|ghost|" + payload)
	a.expect(`WEBRTC|SERVER|{"type":"ERROR"`)
}

func TestFileAnnouncement(t *testing.T) {
	srv := setupTestServer(t)
	a := login(t, srv, "alice")
	b := login(t, srv, "bob")

	a.send("FILE_PRIVATE|bob|alice|doc.pdf|2048|pdf")
	b.expect("FILE_PRIVATE|alice|bob|doc.pdf|2048|pdf")

	a.send("REQ_FILES|PRIVATE_bob")
	a.expect("FILES_DATA|PRIVATE_bob|doc.pdf|2048|alice|")
}

func TestVoiceGroupSkipsSender(t *testing.T) {
	srv := setupTestServer(t)
	a := login(t, srv, "alice")
	b := login(t, srv, "bob")

	a.send("CREATE_GROUP|team|bob")
	a.expect("GROUP_JOINED|team")
	a.expect("GROUP_LIST|team")
	b.expect("GROUP_JOINED|team")
	b.expect("GROUP_LIST|team")

	a.send("VOICE_GROUP|team|clip.wav|512|wav")
	b.expect("VOICE_GROUP|alice|team|clip.wav|512|wav")
	a.expectNothing(300 * time.Millisecond)
}

func TestCallMissed(t *testing.T) {
	srv := setupTestServer(t)
	a := login(t, srv, "alice")

	a.send("CALL_REQ|bob|VIDEO")
	a.expect("CALL_LOG|alice|bob|MISSED|0|")

	if _, busy := srv.calls.ActiveCall("alice"); busy {
		t.Fatal("caller must not stay busy after a missed call")
	}
}

func TestCallRejected(t *testing.T) {
	srv := setupTestServer(t)
	a := login(t, srv, "alice")
	b := login(t, srv, "bob")

	a.send("CALL_REQ|bob|VIDEO")
	req := b.expect("CALL_REQ|alice|")
	id := strings.Split(req, "|")[2]

	b.send("CALL_RES|alice|REJECTED|" + id)
	a.expect("CALL_LOG|alice|bob|REJECTED|0|")
	a.expect("CALL_RES|bob|REJECTED|" + id)
	b.expect("CALL_LOG|alice|bob|REJECTED|0|")

	if _, busy := srv.calls.ActiveCall("bob"); busy {
		t.Fatal("callee must not be busy after rejecting")
	}
}

func TestCallAcceptAndEnd(t *testing.T) {
	srv := setupTestServer(t)
	a := login(t, srv, "alice")
	b := login(t, srv, "bob")

	a.send("CALL_REQ|bob|VIDEO")
	req := b.expect("CALL_REQ|alice|")
	parts := strings.Split(req, "|")
	if len(parts) != 4 || parts[3] != "VIDEO" {
		t.Fatalf("unexpected call request: %q", req)
	}
	id := parts[2]

	b.send("CALL_RES|alice|ACCEPTED|" + id)
	a.expect("CALL_RES|bob|ACCEPTED|" + id)

	callID, _ := strconv.ParseInt(id, 10, 64)
	if got, busy := srv.calls.ActiveCall("alice"); !busy || got != callID {
		t.Fatal("caller must be marked busy after accept")
	}
	if got, busy := srv.calls.ActiveCall("bob"); !busy || got != callID {
		t.Fatal("callee must be marked busy after accept")
	}

	a.send("CALL_END|bob|" + id)
	a.expect("CALL_LOG|alice|bob|ENDED|")
	a.expect("CALL_END|SERVER")
	b.expect("CALL_LOG|alice|bob|ENDED|")
	b.expect("CALL_END|SERVER")
	b.expect("CALL_END|alice")

	if _, busy := srv.calls.ActiveCall("alice"); busy {
		t.Fatal("caller still busy after the call ended")
	}
	if _, busy := srv.calls.ActiveCall("bob"); busy {
		t.Fatal("callee still busy after the call ended")
	}

	// Повторное завершение того же звонка молча игнорируется
	a.send("CALL_END|bob|" + id)
	b.expect("CALL_END|alice")
	a.expectNothing(200 * time.Millisecond)
}

func TestDisconnectForceEndsCall(t *testing.T) {
	srv := setupTestServer(t)
	a := login(t, srv, "alice")
	b := login(t, srv, "bob")

	a.send("CALL_REQ|bob|VIDEO")
	req := b.expect("CALL_REQ|alice|")
	id := strings.Split(req, "|")[2]
	b.send("CALL_RES|alice|ACCEPTED|" + id)
	a.expect("CALL_RES|bob|ACCEPTED|" + id)

	b.conn.Close()

	a.expect("CALL_LOG|alice|bob|ENDED|")
	a.expect("CALL_END|SERVER")
	a.expect("USER_LEFT|bob")

	if _, busy := srv.calls.ActiveCall("alice"); busy {
		t.Fatal("caller still busy after peer disconnected")
	}
}

func TestBroadcast(t *testing.T) {
	srv := setupTestServer(t)
	a := login(t, srv, "alice")
	b := login(t, srv, "bob")

	a.send("BROADCAST|maintenance at noon")
	a.expect("BROADCAST|[SERVER]: maintenance at noon")
	b.expect("BROADCAST|[SERVER]: maintenance at noon")
}

func TestMalformedLineKeepsConnection(t *testing.T) {
	srv := setupTestServer(t)
	a := login(t, srv, "alice")

	a.send("NO_SUCH_COMMAND|x")
	a.send("PRIVATE|alice|still alive")
	a.expect("PRIVATE|alice|alice: still alive")
}
