package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rpcagent/server"
)

func startEcho(t *testing.T) string {
	t.Helper()
	srv := server.NewServer()
	require.NoError(t, srv.Register(&Echo{}))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Shutdown(context.Background()) })
	return ln.Addr().String()
}

func TestCallCommand(t *testing.T) {
	addr := startEcho(t)
	path := filepath.Join(t.TempDir(), "rpcagent.yml")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(`
discovery:
  backend: static
  static:
    - service: Echo
      addrs: [%s]
pool:
  size: 1
log:
  level: error
`, addr)), 0o600))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"call", "--config", path, "Echo.Echo", `{"Message":"hello"}`})
	require.NoError(t, rootCmd.Execute())

	var reply EchoReply
	require.NoError(t, json.Unmarshal(out.Bytes(), &reply))
	assert.Equal(t, "hello", reply.Message)
}

func TestCallCommandRejectsBadArgs(t *testing.T) {
	rootCmd.SetArgs([]string{"call", "EchoEcho"})
	assert.Error(t, rootCmd.Execute())

	rootCmd.SetArgs([]string{"call", "Echo.Echo", "{not json"})
	assert.Error(t, rootCmd.Execute())
}
