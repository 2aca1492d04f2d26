package mp

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakePeer is a scripted hypervisor-side MP endpoint for exercising Client
// against real socket I/O without a real hypervisor binary.
type fakePeer struct {
	t    *testing.T
	ln   net.Listener
	path string
}

func newFakePeer(t *testing.T) *fakePeer {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "mp.sock")
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	return &fakePeer{t: t, ln: ln, path: path}
}

// acceptAndHandshake accepts one connection, sends the standard greeting,
// and answers qmp_capabilities successfully. It returns the connection and
// reader for the test to script further exchanges on.
func (p *fakePeer) acceptAndHandshake() (net.Conn, *bufio.Reader) {
	conn, err := p.ln.Accept()
	require.NoError(p.t, err)

	_, err = conn.Write([]byte(`{"QMP":{"version":{"qemu":{"major":7,"minor":0,"micro":0},"package":""},"capabilities":[]}}` + "\n"))
	require.NoError(p.t, err)

	reader := bufio.NewReader(conn)
	_, err = reader.ReadBytes('\n') // qmp_capabilities request
	require.NoError(p.t, err)

	_, err = conn.Write([]byte(`{"return":{}}` + "\n"))
	require.NoError(p.t, err)

	return conn, reader
}

func (p *fakePeer) close() {
	p.ln.Close()
}

func TestConnectUnixHandshake(t *testing.T) {
	peer := newFakePeer(t)
	defer peer.close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		peer.acceptAndHandshake()
	}()

	c := NewClient()
	require.NoError(t, c.ConnectUnix(peer.path))
	<-done

	require.True(t, c.IsConnected())
	require.NotNil(t, c.Greeting())
	require.EqualValues(t, 7, c.Greeting().Version.Major)

	require.NoError(t, c.Disconnect())
	require.False(t, c.IsConnected())
}

func TestExecuteMPErrorSurfaces(t *testing.T) {
	peer := newFakePeer(t)
	defer peer.close()

	go func() {
		conn, reader := peer.acceptAndHandshake()
		defer conn.Close()
		_, err := reader.ReadBytes('\n') // the invalid-command request
		require.NoError(t, err)
		_, err = conn.Write([]byte(`{"error":{"class":"CommandNotFound","desc":"The command invalid-command has not been found"},"id":"1"}` + "\n"))
		require.NoError(t, err)
	}()

	c := NewClient()
	require.NoError(t, c.ConnectUnix(peer.path))

	_, err := c.Execute("invalid-command", nil)
	require.Error(t, err)
	var mpErr *MPError
	require.ErrorAs(t, err, &mpErr)
	require.Equal(t, "CommandNotFound", mpErr.Class)
	require.Equal(t, "The command invalid-command has not been found", mpErr.Desc)
}

func TestQueryStatusParsing(t *testing.T) {
	peer := newFakePeer(t)
	defer peer.close()

	go func() {
		conn, reader := peer.acceptAndHandshake()
		defer conn.Close()
		_, err := reader.ReadBytes('\n')
		require.NoError(t, err)
		_, err = conn.Write([]byte(`{"return":{"status":"running","singlestep":false,"running":true},"id":1}` + "\n"))
		require.NoError(t, err)
	}()

	c := NewClient()
	require.NoError(t, c.ConnectUnix(peer.path))

	status, err := c.QueryStatus(context.Background())
	require.NoError(t, err)
	require.Equal(t, "running", status.Status)
	require.True(t, status.Running)
	require.False(t, status.Singlestep)
}

// TestFIFOCorrelation submits K concurrent requests and verifies each
// waiter resolves with the matching reply, even though the peer replies in
// submission order with arbitrary payloads (spec §8, "FIFO correlation").
func TestFIFOCorrelation(t *testing.T) {
	peer := newFakePeer(t)
	defer peer.close()

	const k = 5
	go func() {
		conn, reader := peer.acceptAndHandshake()
		defer conn.Close()
		for i := 0; i < k; i++ {
			line, err := reader.ReadBytes('\n')
			require.NoError(t, err)
			req, err := DecodeRequest(line)
			require.NoError(t, err)
			resp := fmt.Sprintf(`{"return":{"index":%d,"command":%q}}`+"\n", i, req.Command)
			_, err = conn.Write([]byte(resp))
			require.NoError(t, err)
		}
	}()

	c := NewClient()
	require.NoError(t, c.ConnectUnix(peer.path))

	results := make(chan int, k)
	for i := 0; i < k; i++ {
		i := i
		go func() {
			ret, err := c.Execute(fmt.Sprintf("cmd-%d", i), nil)
			require.NoError(t, err)
			obj, ok := ret.AsObject()
			require.True(t, ok)
			cmd, ok := obj["command"].AsString()
			require.True(t, ok)
			require.Equal(t, fmt.Sprintf("cmd-%d", i), cmd)
			idx, ok := obj["index"].AsInt()
			require.True(t, ok)
			results <- int(idx)
		}()
		time.Sleep(time.Millisecond) // preserve submission order
	}

	seen := make(map[int]bool)
	for i := 0; i < k; i++ {
		seen[<-results] = true
	}
	require.Len(t, seen, k)
}

func TestExecuteWithoutConnectionFails(t *testing.T) {
	c := NewClient()
	_, err := c.Execute("query-status", nil)
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestDisconnectIdempotent(t *testing.T) {
	c := NewClient()
	require.NoError(t, c.Disconnect())
	require.NoError(t, c.Disconnect())
}

func TestConnectionLostResolvesPending(t *testing.T) {
	peer := newFakePeer(t)
	defer peer.close()

	connCh := make(chan net.Conn, 1)
	go func() {
		conn, reader := peer.acceptAndHandshake()
		_, _ = reader.ReadBytes('\n')
		connCh <- conn
	}()

	c := NewClient()
	require.NoError(t, c.ConnectUnix(peer.path))

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Execute("query-status", nil)
		errCh <- err
	}()

	conn := <-connCh
	conn.Close() // simulate the hypervisor dying mid-request

	err := <-errCh
	require.ErrorIs(t, err, ErrConnectionLost)
	require.False(t, c.IsConnected())
}
