package control

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vireo/runnerd/errors"
)

type echoHandler struct{}

func (echoHandler) Handle(method string, params map[string]interface{}) (interface{}, error) {
	switch method {
	case "status":
		return map[string]string{"state": "running"}, nil
	case "echo":
		return params, nil
	case "boom":
		return nil, errors.NewNotFound("job %q", "ghost")
	default:
		return nil, errors.NewInvalidRequest("unknown method %q", method)
	}
}

func startTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	socket := filepath.Join(t.TempDir(), "runnerd.sock")
	srv := NewServer(socket, echoHandler{}, zap.NewNop().Sugar())
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	return srv, socket
}

func TestRoundTrip(t *testing.T) {
	_, socket := startTestServer(t)
	client := NewClient(socket)

	var result map[string]string
	require.NoError(t, client.CallInto("status", nil, &result))
	assert.Equal(t, "running", result["state"])
}

func TestParamsPassThrough(t *testing.T) {
	_, socket := startTestServer(t)
	client := NewClient(socket)

	var result map[string]interface{}
	err := client.CallInto("echo", map[string]interface{}{"name": "grid"}, &result)
	require.NoError(t, err)
	assert.Equal(t, "grid", result["name"])
}

func TestDaemonErrorIsNotTransportError(t *testing.T) {
	_, socket := startTestServer(t)
	client := NewClient(socket)

	_, err := client.Call("boom", nil)
	require.Error(t, err)
	assert.False(t, errors.IsDaemonUnreachable(err))
	assert.Contains(t, err.Error(), "ghost")
}

func TestMalformedRequestAnsweredAtBoundary(t *testing.T) {
	_, socket := startTestServer(t)

	conn, err := net.Dial("unix", socket)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("this is not json\n"))
	require.NoError(t, err)

	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf[:n]), `"ok":false`)
}

func TestSocketPermissions(t *testing.T) {
	_, socket := startTestServer(t)

	info, err := os.Stat(socket)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestClientUnreachable(t *testing.T) {
	client := NewClient(filepath.Join(t.TempDir(), "missing.sock"))

	_, err := client.Call("status", nil)
	require.Error(t, err)
	assert.True(t, errors.IsDaemonUnreachable(err))
	assert.False(t, client.Ping())
}

func TestStopIsIdempotentAndRemovesSocket(t *testing.T) {
	srv, socket := startTestServer(t)

	srv.Stop()
	srv.Stop()

	_, err := os.Stat(socket)
	assert.True(t, os.IsNotExist(err))
}
