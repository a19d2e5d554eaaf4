package relayclient

import (
	"testing"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/require"
)

func newTestConnection() *Connection {
	return &Connection{
		state:  disconnectedState{},
		sendCh: make(chan []byte, outboundQueueCap),
		recvCh: make(chan inboundMessage, inboundQueueCap),
	}
}

func TestIdentifierUnsetBeforeRegistration(t *testing.T) {
	c := newTestConnection()
	_, ok := c.Identifier()
	require.False(t, ok)
}

func TestIdentifierSetAfterIdentitySet(t *testing.T) {
	c := newTestConnection()
	id := identity{id: uuid.Must(uuid.NewV4()), secret: uuid.Must(uuid.NewV4())}
	c.setIdentity(id)

	got, ok := c.Identifier()
	require.True(t, ok)
	require.Equal(t, id.id, got)
}

func TestSendAppendsTargetIDTrailer(t *testing.T) {
	c := newTestConnection()
	target := uuid.Must(uuid.NewV4())
	c.Send(target, []byte("payload"))

	msg := <-c.sendCh
	require.Equal(t, "payload", string(msg[:len(msg)-16]))
	require.Equal(t, target[:], msg[len(msg)-16:])
}

func TestSendNeverBlocksWhenQueueFull(t *testing.T) {
	c := newTestConnection()
	c.log = discardLogger() // the overflow path logs a warning
	target := uuid.Must(uuid.NewV4())
	for i := 0; i < outboundQueueCap; i++ {
		c.Send(target, []byte("x"))
	}

	done := make(chan struct{})
	go func() {
		c.Send(target, []byte("overflow"))
		close(done)
	}()
	<-done // would hang if Send ever blocked on a full channel
}

func TestReadReturnsFalseWhenEmpty(t *testing.T) {
	c := newTestConnection()
	_, _, ok := c.Read()
	require.False(t, ok)
}

func TestReadPopsQueuedMessage(t *testing.T) {
	c := newTestConnection()
	sender := uuid.Must(uuid.NewV4())
	c.recvCh <- inboundMessage{sender: sender, payload: []byte("hi")}

	gotSender, gotPayload, ok := c.Read()
	require.True(t, ok)
	require.Equal(t, sender, gotSender)
	require.Equal(t, []byte("hi"), gotPayload)
}

func TestUpdateWithNoAddressStaysDisconnected(t *testing.T) {
	c := newTestConnection()
	c.log = discardLogger()
	c.Update()
	require.IsType(t, disconnectedState{}, c.state)
}
