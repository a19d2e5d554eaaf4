// Package natlisten provides a NAT-traversed TCP listener: it binds a local
// port, asks the first UPnP/IGD gateway it finds to forward an external port
// to it, and emits a compact connection descriptor other peers can dial.
package natlisten

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/charmbracelet/log"
	"github.com/huin/goupnp/dcps/internetgateway2"

	"github.com/CoCoSol007/border-wars/framedcrypto"
)

func randomKey(dst []byte) error {
	_, err := io.ReadFull(rand.Reader, dst)
	return err
}

const (
	descriptorSize = 4 + 2 + 16 // ipv4 ∥ port(little-endian on the wire) ∥ aes128 key
	mappingLease   = 24 * time.Hour
	mappingLabel   = "border-wars relay"
)

var (
	// ErrNoIPv4Address is returned when the host has no routable IPv4
	// address to bind and advertise. IPv6-only hosts are unsupported; this
	// is a structured error rather than the panic the reference
	// implementation used.
	ErrNoIPv4Address = errors.New("natlisten: no local IPv4 address found")

	// ErrNoGateway is returned when no IGD gateway responds to discovery.
	ErrNoGateway = errors.New("natlisten: no IGD gateway found")
)

// igdClient is the subset of the goupnp WANIPConnection1 client surface
// this package depends on, so tests can substitute a fake gateway.
type igdClient interface {
	GetExternalIPAddress() (string, error)
	AddPortMapping(remoteHost string, externalPort uint16, protocol string, internalPort uint16, internalClient string, enabled bool, description string, leaseDuration uint32) error
	DeletePortMapping(remoteHost string, externalPort uint16, protocol string) error
}

// Listener is a NAT-traversed, non-blocking TCP listener that hands out
// framedcrypto.Channel connections keyed with a single listener-wide key.
type Listener struct {
	ln         *net.TCPListener
	gateway    igdClient
	localIPv4  net.IP
	externalIP net.IP
	localPort  uint16
	key        [16]byte
	log        *log.Logger

	acceptCh chan net.Conn
	closeCh  chan struct{}
}

// Descriptor is the 22-byte compact connection descriptor: ipv4 ∥ port
// (little-endian, whatever the host's byte order) ∥ aes128 key.
type Descriptor [descriptorSize]byte

// New discovers a local IPv4 address, binds an OS-chosen TCP port, maps it
// through the first discovered IGD gateway, and generates a fresh AES-128
// key for all connections accepted through this listener.
func New(logger *log.Logger) (*Listener, error) {
	if logger == nil {
		logger = log.Default()
	}

	localIPv4, err := firstIPv4()
	if err != nil {
		return nil, err
	}

	ln, err := net.ListenTCP("tcp4", &net.TCPAddr{})
	if err != nil {
		return nil, fmt.Errorf("natlisten: bind: %w", err)
	}
	localPort := uint16(ln.Addr().(*net.TCPAddr).Port)

	clients, _, err := internetgateway2.NewWANIPConnection1Clients()
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("natlisten: discover gateway: %w", err)
	}
	if len(clients) == 0 {
		ln.Close()
		return nil, ErrNoGateway
	}
	gw := clients[0]

	if err := gw.AddPortMapping("", localPort, "TCP", localPort, localIPv4.String(), true, mappingLabel, uint32(mappingLease.Seconds())); err != nil {
		ln.Close()
		return nil, fmt.Errorf("natlisten: add port mapping: %w", err)
	}

	externalIPStr, err := gw.GetExternalIPAddress()
	if err != nil {
		gw.DeletePortMapping("", localPort, "TCP")
		ln.Close()
		return nil, fmt.Errorf("natlisten: external ip: %w", err)
	}
	externalIP := net.ParseIP(externalIPStr)
	if externalIP == nil || externalIP.To4() == nil {
		gw.DeletePortMapping("", localPort, "TCP")
		ln.Close()
		return nil, fmt.Errorf("natlisten: %w: %q", ErrNoIPv4Address, externalIPStr)
	}

	var key [16]byte
	if err := randomKey(key[:]); err != nil {
		gw.DeletePortMapping("", localPort, "TCP")
		ln.Close()
		return nil, fmt.Errorf("natlisten: key generation: %w", err)
	}

	l := &Listener{
		ln:         ln,
		gateway:    gw,
		localIPv4:  localIPv4,
		externalIP: externalIP.To4(),
		localPort:  localPort,
		key:        key,
		log:        logger,
		acceptCh:   make(chan net.Conn, 16),
		closeCh:    make(chan struct{}),
	}
	go l.acceptLoop()
	return l, nil
}

func (l *Listener) acceptLoop() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.closeCh:
				return
			default:
			}
			l.log.Warn("natlisten: accept failed", "err", err)
			return
		}
		select {
		case l.acceptCh <- conn:
		case <-l.closeCh:
			conn.Close()
			return
		}
	}
}

// Accept is non-blocking; it returns a framedcrypto.Channel wrapping the
// accepted stream with the listener's key, or (nil, false) if nothing has
// arrived yet.
func (l *Listener) Accept() (*framedcrypto.Channel, bool, error) {
	select {
	case conn := <-l.acceptCh:
		ch, err := framedcrypto.New(conn, l.key, l.log)
		if err != nil {
			conn.Close()
			return nil, false, err
		}
		return ch, true, nil
	default:
		return nil, false, nil
	}
}

// Descriptor returns the compact, base64url-no-pad-encoded connection
// descriptor for this listener.
func (l *Listener) Descriptor() string {
	var d Descriptor
	copy(d[0:4], l.externalIP.To4())
	binary.LittleEndian.PutUint16(d[4:6], l.localPort)
	copy(d[6:22], l.key[:])
	return base64.RawURLEncoding.EncodeToString(d[:])
}

// ParseDescriptor decodes a descriptor produced by Descriptor.
func ParseDescriptor(s string) (ip net.IP, port uint16, key [16]byte, err error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, 0, key, fmt.Errorf("natlisten: decode descriptor: %w", err)
	}
	if len(raw) != descriptorSize {
		return nil, 0, key, fmt.Errorf("natlisten: descriptor has %d bytes, want %d", len(raw), descriptorSize)
	}
	ip = net.IPv4(raw[0], raw[1], raw[2], raw[3])
	port = binary.LittleEndian.Uint16(raw[4:6])
	copy(key[:], raw[6:22])
	return ip, port, key, nil
}

// Close releases the external port mapping (best effort) and stops
// accepting connections.
func (l *Listener) Close() error {
	close(l.closeCh)
	if l.gateway != nil {
		if err := l.gateway.DeletePortMapping("", l.localPort, "TCP"); err != nil {
			l.log.Warn("natlisten: failed to release port mapping", "err", err)
		}
	}
	return l.ln.Close()
}

func firstIPv4() (net.IP, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, fmt.Errorf("natlisten: %w", err)
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if v4 := ipNet.IP.To4(); v4 != nil {
			return v4, nil
		}
	}
	return nil, ErrNoIPv4Address
}
