package framedcrypto

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func pair(t *testing.T) (*Channel, *Channel) {
	t.Helper()
	a, b := net.Pipe()
	var key [16]byte
	copy(key[:], "0123456789abcdef")
	ca, err := New(a, key, nil)
	require.NoError(t, err)
	cb, err := New(b, key, nil)
	require.NoError(t, err)
	return ca, cb
}

func drain(t *testing.T, c *Channel) []byte {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		payload, ok, err := c.Receive()
		require.NoError(t, err)
		if ok {
			return payload
		}
	}
	t.Fatal("timed out waiting for frame")
	return nil
}

func TestSendReceiveRoundTrip(t *testing.T) {
	ca, cb := pair(t)
	defer ca.Close()
	defer cb.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := ca.Send([]byte("hello border wars"))
		require.NoError(t, err)
	}()

	got := drain(t, cb)
	require.Equal(t, []byte("hello border wars"), got)
	<-done
}

func TestSendReceiveEmptyPayload(t *testing.T) {
	ca, cb := pair(t)
	defer ca.Close()
	defer cb.Close()

	go ca.Send(nil)

	got := drain(t, cb)
	require.Empty(t, got)
}

func TestPayloadTooLarge(t *testing.T) {
	ca, cb := pair(t)
	defer ca.Close()
	defer cb.Close()

	_, err := ca.Send(make([]byte, maxPayloadSize+1))
	require.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestReceiveNoDataIsNotReady(t *testing.T) {
	ca, cb := pair(t)
	defer ca.Close()
	defer cb.Close()
	_ = ca

	_, ok, err := cb.Receive()
	require.NoError(t, err)
	require.False(t, ok)
}
