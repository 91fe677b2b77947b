package server

import (
	"bufio"
	"crypto/tls"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ircserve/ircserve/irc"
	"github.com/ircserve/ircserve/irc/config"
)

// ircClient is a minimal test client speaking over a real socket.
type ircClient struct {
	conn   net.Conn
	reader *bufio.Reader
}

func dialIRC(t *testing.T, address string) *ircClient {
	t.Helper()
	conn, err := net.Dial("tcp", address)
	require.NoError(t, err, "should connect to the server")
	t.Cleanup(func() { conn.Close() })
	return &ircClient{conn: conn, reader: bufio.NewReader(conn)}
}

func (c *ircClient) send(t *testing.T, line string) {
	t.Helper()
	_, err := c.conn.Write([]byte(line + "\r\n"))
	require.NoError(t, err, "should send %q", line)
}

// expect reads until a line containing the expected string arrives.
func (c *ircClient) expect(t *testing.T, expected string) string {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	defer c.conn.SetReadDeadline(time.Time{})
	for {
		line, err := c.reader.ReadString('\n')
		require.NoError(t, err, "awaiting %q", expected)
		line = strings.TrimSpace(line)
		if strings.Contains(line, expected) {
			return line
		}
	}
}

func testConfig(t *testing.T, listeners ...config.Listener) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ircd.yaml")
	content := `
server:
  name: irc.test
  network: testnet
timing:
  cap_end_delay: 10ms
listeners:
  - addr: "127.0.0.1:0"
motd: "test server"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	if len(listeners) > 0 {
		cfg.Listeners = listeners
	}
	return cfg
}

// startServer builds a server with an accept-all login that sends the
// welcome block, mirroring what a minimal host does.
func startServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	s, err := New(cfg)
	require.NoError(t, err)
	s.OnConnect(func(c *irc.Conn) {
		c.Handle(irc.EventLoginAttempt, func(e *irc.Event) { e.Login.Accept() })
		c.Handle(irc.EventSuccessfulLogin, func(e *irc.Event) {
			e.Conn.SendWelcome(cfg.Server.Network)
		})
	})
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Stop() })
	return s
}

func login(t *testing.T, c *ircClient, nick string) {
	t.Helper()
	c.send(t, "NICK "+nick)
	c.send(t, "USER "+nick+" 0 * :"+nick)
	c.send(t, "CAP END")
	c.expect(t, "001")
}

func TestServerEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	s := startServer(t, cfg)

	addrs := s.ListenAddrs()
	require.Len(t, addrs, 1)

	alice := dialIRC(t, addrs[0])
	login(t, alice, "alice")

	bob := dialIRC(t, addrs[0])
	login(t, bob, "bob")

	live, authed := s.Counts()
	assert.Equal(t, 2, live)
	assert.Equal(t, 2, authed)

	found := s.FindByNick("alice")
	require.NotNil(t, found)
	assert.Equal(t, "alice", found.Nick())
	assert.Nil(t, s.FindByNick("nobody"))

	// route a private message host-side, the way an application would
	found.SendChat(*s.FindByNick("bob").User(), "alice", "hi alice")
	alice.expect(t, "PRIVMSG alice :hi alice")

	require.NoError(t, s.Stop())
	alice.expect(t, "ERROR :Server shutting down")

	require.Eventually(t, func() bool {
		live, _ := s.Counts()
		return live == 0
	}, 3*time.Second, 10*time.Millisecond, "registry should drain on stop")
}

func TestServerQuitUpdatesRegistry(t *testing.T) {
	cfg := testConfig(t)
	s := startServer(t, cfg)

	c := dialIRC(t, s.ListenAddrs()[0])
	login(t, c, "alice")

	c.send(t, "QUIT :done")
	require.Eventually(t, func() bool {
		live, authed := s.Counts()
		return live == 0 && authed == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestServerTLSAutoGeneratedCert(t *testing.T) {
	cfg := testConfig(t, config.Listener{
		Addr:             "127.0.0.1:0",
		TLS:              true,
		AutoGenerateCert: true,
	})
	s := startServer(t, cfg)

	conn, err := tls.Dial("tcp", s.ListenAddrs()[0], &tls.Config{InsecureSkipVerify: true})
	require.NoError(t, err, "should complete the TLS handshake")
	t.Cleanup(func() { conn.Close() })

	c := &ircClient{conn: conn, reader: bufio.NewReader(conn)}
	c.send(t, "CAP LS")
	assert.Contains(t, c.expect(t, "CAP * LS"), "server-time")
}

func TestServerTLSRequiresCertSource(t *testing.T) {
	cfg := testConfig(t, config.Listener{Addr: "127.0.0.1:0", TLS: true})
	s, err := New(cfg)
	require.NoError(t, err)
	assert.Error(t, s.Start(), "TLS without cert/key or auto-generation should fail")
}

func TestAdminAPI(t *testing.T) {
	cfg := testConfig(t)
	cfg.Admin.BearerTokens = []string{"secret"}
	s := startServer(t, cfg)

	c := dialIRC(t, s.ListenAddrs()[0])
	login(t, c, "alice")

	do := func(path, token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		s.admin.echo.ServeHTTP(rec, req)
		return rec
	}

	rec := do("/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code, "health check should not need a token")

	rec = do("/api/status", "wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do("/api/status", "secret")
	require.Equal(t, http.StatusOK, rec.Code)
	var status statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "irc.test", status.Name)
	assert.Equal(t, 1, status.Connections)
	assert.Equal(t, 1, status.Authenticated)

	rec = do("/api/connections", "secret")
	require.Equal(t, http.StatusOK, rec.Code)
	var conns []connectionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conns))
	require.Len(t, conns, 1)
	assert.Equal(t, "alice", conns[0].Nick)
	assert.True(t, conns[0].Authenticated)

	rec = do("/metrics", "secret")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "ircserve_connections_open 1")
	assert.Contains(t, body, "ircserve_connections_accepted_total 1")
}

func TestMetricsLifecycle(t *testing.T) {
	cfg := testConfig(t)
	s := startServer(t, cfg)

	c := dialIRC(t, s.ListenAddrs()[0])
	login(t, c, "alice")
	c.send(t, "QUIT :done")

	require.Eventually(t, func() bool {
		live, _ := s.Counts()
		return live == 0
	}, 3*time.Second, 10*time.Millisecond)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.admin.echo.ServeHTTP(rec, req)
	body := rec.Body.String()
	assert.Contains(t, body, "ircserve_connections_open 0")
	assert.Contains(t, body, "ircserve_connections_closed_total 1")
	assert.Contains(t, body, "ircserve_connections_accepted_total 1")
}
