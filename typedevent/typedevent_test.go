package typedevent

import (
	"io"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/fxamacker/cbor/v2"
	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/require"
)

const (
	kindPing Kind = 1
	kindChat Kind = 2
)

type pingMsg struct {
	Seq uint32
}

type chatMsg struct {
	Text string
}

func discardLogger() *log.Logger {
	return log.New(io.Discard)
}

// stubMux builds a Multiplexer with no live connection; these tests only
// exercise registration and handler dispatch, not Update's conn.Read loop.
func stubMux() *Multiplexer {
	return New(nil, discardLogger())
}

func TestRegisterAndDispatchRoutesByKind(t *testing.T) {
	m := stubMux()
	pings := Register[pingMsg](m, kindPing)
	chats := Register[chatMsg](m, kindChat)

	sender := uuid.Must(uuid.NewV4())

	body, err := cbor.Marshal(pingMsg{Seq: 7})
	require.NoError(t, err)

	handler, ok := m.handlers[kindPing]
	require.True(t, ok)
	handler(sender, body)

	_, _, ok = chats.Read()
	require.False(t, ok)

	gotSender, gotVal, ok := pings.Read()
	require.True(t, ok)
	require.Equal(t, sender, gotSender)
	require.Equal(t, uint32(7), gotVal.Seq)
}

func TestDispatchDropsUndecodablePayload(t *testing.T) {
	m := stubMux()
	pings := Register[pingMsg](m, kindPing)

	handler := m.handlers[kindPing]
	handler(uuid.Must(uuid.NewV4()), []byte{0xff, 0x00, 0x01}) // not a valid CBOR map for pingMsg

	_, _, ok := pings.Read()
	require.False(t, ok)
}

func TestRegisterDuplicateKindPanics(t *testing.T) {
	m := stubMux()
	Register[pingMsg](m, kindPing)
	require.Panics(t, func() {
		Register[chatMsg](m, kindPing)
	})
}

func TestKindTrailerIsTwoBytes(t *testing.T) {
	m := stubMux()
	Register[pingMsg](m, kindPing)
	// Update's short-frame check (len(data) < kindTrailerSize) needs a live
	// connection to reach; this pins the trailer size that check and
	// SendTo both rely on.
	require.Equal(t, 2, kindTrailerSize)
}
