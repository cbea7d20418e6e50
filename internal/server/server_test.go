package server

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"onlib/internal/dispatch"
	"onlib/internal/storage/stubs"
)

// startTestServer runs a server on a random port over a fresh mock store and
// returns its address.
func startTestServer(t *testing.T) string {
	t.Helper()

	db := stubs.NewMockDB()
	require.NoError(t, db.Initialize(context.Background()))

	dispatcher := dispatch.New(db, db, zap.NewNop())
	srv := New("127.0.0.1:0", dispatcher, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})

	// Wait for the listener to bind
	deadline := time.Now().Add(5 * time.Second)
	for srv.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("server did not start listening")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return srv.Addr()
}

type testClient struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func dialTestServer(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn, reader: bufio.NewReader(conn)}
}

func (c *testClient) readLine() string {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	line, err := c.reader.ReadString('\n')
	require.NoError(c.t, err)
	return line
}

func (c *testClient) send(line string) string {
	c.t.Helper()
	_, err := c.conn.Write([]byte(line + "\r\n"))
	require.NoError(c.t, err)
	return c.readLine()
}

func TestServer_Greeting(t *testing.T) {
	addr := startTestServer(t)
	client := dialTestServer(t, addr)

	assert.Equal(t, Greeting, client.readLine())
}

func TestServer_FullSession(t *testing.T) {
	addr := startTestServer(t)
	client := dialTestServer(t, addr)
	client.readLine() // greeting

	// Guests are turned away from protected commands
	assert.Equal(t, "error&Authentication required\r\n", client.send("get_all_books"))

	assert.Equal(t, "auth+&admin&librarian&1\r\n", client.send("auth&admin&admin"))
	assert.Equal(t, "reg+&alice\r\n", client.send("reg&alice&pw&alice@example.com&client"))
	assert.Equal(t, "add_book_lib+&Dune\r\n", client.send("add_book_to_lib&Dune&Frank Herbert&1965&Sci-Fi"))
	assert.Equal(t, "assign_book+&2&1\r\n", client.send("assign_book&2&1"))
	assert.Equal(t, "books_list+&1,Dune,Frank Herbert,1965,Sci-Fi,0,\r\n", client.send("get_all_books"))
	assert.Equal(t, "unassign_book+&2&1\r\n", client.send("unassign_book&2&1"))
	assert.Equal(t, "error&Unknown command\r\n", client.send("bogus"))
}

func TestServer_SessionsAreIndependent(t *testing.T) {
	addr := startTestServer(t)

	librarian := dialTestServer(t, addr)
	librarian.readLine()
	assert.Equal(t, "auth+&admin&librarian&1\r\n", librarian.send("auth&admin&admin"))

	// A second connection starts unauthenticated regardless of the first
	guest := dialTestServer(t, addr)
	guest.readLine()
	assert.Equal(t, "error&Authentication required\r\n", guest.send("get_all_books"))

	// And authenticating it does not grant librarian rights
	assert.Equal(t, "reg+&bob\r\n", guest.send("reg&bob&pw&bob@example.com&client"))
	assert.Equal(t, "auth+&bob&client&2\r\n", guest.send("auth&bob&pw"))
	assert.Equal(t, "error&Permission denied\r\n", guest.send("get_all_debts"))
}

func TestServer_BlankLinesIgnored(t *testing.T) {
	addr := startTestServer(t)
	client := dialTestServer(t, addr)
	client.readLine()

	// A blank line produces no response; the next real command still works
	_, err := client.conn.Write([]byte("\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "auth+&admin&librarian&1\r\n", client.send("auth&admin&admin"))
}
