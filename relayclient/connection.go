// Package relayclient is a non-blocking, resumable client for the relay
// server: it holds a ClientID/ClientSecret identity, maintains a single
// WebSocket connection to one of a configured set of relay addresses, and
// exposes a send/read/update surface that never blocks the caller.
package relayclient

import (
	"net"
	"strconv"

	"github.com/charmbracelet/log"
)

const (
	relayPort        = 443
	outboundQueueCap = 1024
	inboundQueueCap  = 256
)

type inboundMessage struct {
	sender  ClientID
	payload []byte
}

// Connection is a single non-blocking, resumable link to the relay server.
// All exported methods are safe to call from one goroutine driving the
// host's event loop; Update must be the only thing that advances the
// connection's internal state.
type Connection struct {
	domain       string
	addressList  []string
	identityPath string
	log          *log.Logger

	state connState
	id    *identity // nil until registered/loaded

	sendCh chan []byte
	recvCh chan inboundMessage
}

// New resolves domain for relay addresses, loads any existing identity from
// identityPath (or the default ~/.relay-data if empty), and returns a
// Connection in the disconnected state. Call Update repeatedly to drive it.
func New(domain string, identityPath string, logger *log.Logger) (*Connection, error) {
	addrs, err := resolveAddresses(domain)
	if err != nil {
		return nil, err
	}
	return NewWithAddresses(domain, addrs, identityPath, logger)
}

// NewWithAddresses behaves like New but takes a pre-resolved address list
// instead of performing DNS resolution. Useful for hosts that pin a
// static relay address, and for tests.
func NewWithAddresses(domain string, addresses []string, identityPath string, logger *log.Logger) (*Connection, error) {
	if logger == nil {
		logger = log.Default()
	}
	if identityPath == "" {
		p, err := defaultIdentityPath()
		if err != nil {
			return nil, err
		}
		identityPath = p
	}

	c := &Connection{
		domain:       domain,
		addressList:  addresses,
		identityPath: identityPath,
		log:          logger,
		state:        disconnectedState{},
		sendCh:       make(chan []byte, outboundQueueCap),
		recvCh:       make(chan inboundMessage, inboundQueueCap),
	}

	id, ok, err := loadIdentity(identityPath)
	switch {
	case err != nil:
		logger.Warn("relayclient: discarding corrupt identity file, will re-register", "err", err)
		if rmErr := deleteIdentity(identityPath); rmErr != nil {
			logger.Error("relayclient: failed to remove corrupt identity file", "err", rmErr)
		}
	case ok:
		c.id = &id
	}

	return c, nil
}

func resolveAddresses(domain string) ([]string, error) {
	ips, err := net.LookupIP(domain)
	if err != nil {
		return nil, err
	}
	addrs := make([]string, 0, len(ips))
	for _, ip := range ips {
		addrs = append(addrs, net.JoinHostPort(ip.String(), strconv.Itoa(relayPort)))
	}
	return addrs, nil
}

// Identifier returns the ClientID assigned by the relay, if registration
// has completed.
func (c *Connection) Identifier() (ClientID, bool) {
	if c.id == nil {
		return ClientID{}, false
	}
	return c.id.id, true
}

func (c *Connection) currentIdentity() (identity, bool) {
	if c.id == nil {
		return identity{}, false
	}
	return *c.id, true
}

func (c *Connection) setIdentity(id identity) {
	c.id = &id
}

// Send enqueues payload for delivery to targetID. It never blocks and never
// reports failure to the caller: delivery is best-effort, silently dropped
// if the target is unreachable or the outbound queue is saturated.
func (c *Connection) Send(targetID ClientID, payload []byte) {
	msg := make([]byte, 0, len(payload)+16)
	msg = append(msg, payload...)
	msg = append(msg, targetID[:]...)

	select {
	case c.sendCh <- msg:
	default:
		c.log.Warn("relayclient: outbound queue full, dropping message")
	}
}

// Read non-blockingly pops one inbound (sender, payload) pair, if any has
// arrived.
func (c *Connection) Read() (ClientID, []byte, bool) {
	select {
	case m := <-c.recvCh:
		return m.sender, m.payload, true
	default:
		return ClientID{}, nil, false
	}
}

// Update advances the connection's state machine by one tick. It never
// blocks: dialing, handshaking, and socket I/O all happen through
// background goroutines and channels that Update only polls.
func (c *Connection) Update() {
	c.state = c.state.update(c)
}

// PendingOutbound reports the current depth of the outbound send queue,
// for metrics and tests. It does not consume anything.
func (c *Connection) PendingOutbound() int {
	return len(c.sendCh)
}
