package relayserver

import (
	"context"
	"io"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "identities.db")
	srv, err := New(path, log.New(io.Discard))
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })

	httpSrv := httptest.NewServer(srv)
	t.Cleanup(httpSrv.Close)
	return srv, httpSrv
}

func dialClient(t *testing.T, httpSrv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, wsURL(httpSrv.URL), nil)
	require.NoError(t, err)
	return ws
}

func wsURL(httpURL string) string {
	return "ws" + httpURL[len("http"):]
}

func TestRegisterAssignsIdentity(t *testing.T) {
	_, httpSrv := newTestServer(t)
	ws := dialClient(t, httpSrv)
	defer ws.Close(websocket.StatusNormalClosure, "")

	ctx := context.Background()
	require.NoError(t, ws.Write(ctx, websocket.MessageBinary, nil))

	_, reply, err := ws.Read(ctx)
	require.NoError(t, err)
	require.Len(t, reply, 32)
}

func TestReauthWithWrongSecretCloses(t *testing.T) {
	_, httpSrv := newTestServer(t)
	ws := dialClient(t, httpSrv)
	defer ws.Close(websocket.StatusNormalClosure, "")

	ctx := context.Background()
	frame := make([]byte, 32) // zero id, zero secret: not registered
	require.NoError(t, ws.Write(ctx, websocket.MessageBinary, frame))

	_, _, err := ws.Read(ctx)
	require.Error(t, err)
}

func TestRoutesFrameBetweenTwoClients(t *testing.T) {
	_, httpSrv := newTestServer(t)
	ctx := context.Background()

	alice := dialClient(t, httpSrv)
	defer alice.Close(websocket.StatusNormalClosure, "")
	require.NoError(t, alice.Write(ctx, websocket.MessageBinary, nil))
	_, aliceReply, err := alice.Read(ctx)
	require.NoError(t, err)
	aliceID := aliceReply[:16]

	bob := dialClient(t, httpSrv)
	defer bob.Close(websocket.StatusNormalClosure, "")
	require.NoError(t, bob.Write(ctx, websocket.MessageBinary, nil))
	_, bobReply, err := bob.Read(ctx)
	require.NoError(t, err)
	bobID := bobReply[:16]

	frame := append([]byte("hello alice"), bobID...) // alice's send() appends the target id
	require.NoError(t, alice.Write(ctx, websocket.MessageBinary, frame))

	readCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, got, err := bob.Read(readCtx)
	require.NoError(t, err)
	require.Equal(t, "hello alice", string(got[:len(got)-16]))
	require.Equal(t, aliceID, got[len(got)-16:])
}
