package natlisten

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDescriptorParse(t *testing.T) {
	l := &Listener{
		externalIP: net.IPv4(203, 0, 113, 7),
		localPort:  51820,
	}
	copy(l.key[:], []byte("0123456789abcdef"))

	desc := l.Descriptor()
	ip, port, key, err := ParseDescriptor(desc)
	require.NoError(t, err)
	require.True(t, ip.Equal(net.IPv4(203, 0, 113, 7)))
	require.Equal(t, uint16(51820), port)
	require.Equal(t, []byte("0123456789abcdef"), key[:])
}
