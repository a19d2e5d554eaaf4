package relayclient

import (
	"context"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

const (
	connectTimeout  = 5 * time.Second
	writeAttemptTTL = 20 * time.Millisecond
)

// connState is one variant of the connection's tagged-sum state machine.
// update is called from Connection.Update, receives ownership of the
// variant's resources, and returns the wholesale-replaced next state -
// never a graph with back-edges.
type connState interface {
	update(c *Connection) connState
}

// disconnectedState is the initial / reset state.
type disconnectedState struct{}

func (disconnectedState) update(c *Connection) connState {
	addr, ok := c.pickAddress()
	if !ok {
		c.log.Warn("relayclient: no relay address available")
		return disconnectedState{}
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	resultCh := make(chan dialResult, 1)
	go dial(ctx, c.domain, addr, resultCh)

	return &connectingState{resultCh: resultCh, cancel: cancel, start: time.Now()}
}

type dialResult struct {
	ws  *websocket.Conn
	err error
}

func dial(ctx context.Context, domain, addr string, resultCh chan<- dialResult) {
	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
				return (&net.Dialer{}).DialContext(ctx, network, addr)
			},
		},
	}
	ws, _, err := websocket.Dial(ctx, "wss://"+domain+"/", &websocket.DialOptions{HTTPClient: client})
	resultCh <- dialResult{ws: ws, err: err}
}

// connectingState awaits the background TCP+TLS+WebSocket dial.
type connectingState struct {
	resultCh chan dialResult
	cancel   context.CancelFunc
	start    time.Time
}

func (s *connectingState) update(c *Connection) connState {
	select {
	case res := <-s.resultCh:
		s.cancel()
		if res.err != nil {
			c.log.Warn("relayclient: failed to connect to the relay server", "err", res.err)
			return disconnectedState{}
		}
		return enterHandshaked(c, res.ws)
	default:
	}

	if time.Since(s.start) > connectTimeout {
		c.log.Warn("relayclient: connection to the relay server timed out")
		s.cancel()
		return disconnectedState{}
	}
	return s
}

// enterHandshaked sends the register/reauth frame and transitions to
// registeringState or activeState.
func enterHandshaked(c *Connection, ws *websocket.Conn) connState {
	pump := newWsPump(ws)

	if id, ok := c.currentIdentity(); ok {
		var frame [32]byte
		copy(frame[:16], id.id[:])
		copy(frame[16:], id.secret[:])
		ctx, cancel := context.WithTimeout(context.Background(), writeAttemptTTL*4)
		err := ws.Write(ctx, websocket.MessageBinary, frame[:])
		cancel()
		if err != nil {
			c.log.Warn("relayclient: failed to send reauth frame", "err", err)
			ws.Close(websocket.StatusInternalError, "reauth send failed")
			return disconnectedState{}
		}
		return &activeState{ws: ws, pump: pump}
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeAttemptTTL*4)
	err := ws.Write(ctx, websocket.MessageBinary, nil)
	cancel()
	if err != nil {
		c.log.Warn("relayclient: failed to send register frame", "err", err)
		ws.Close(websocket.StatusInternalError, "register send failed")
		return disconnectedState{}
	}
	return &registeringState{ws: ws, pump: pump}
}

// registeringState awaits the relay's 32-byte (id, secret) reply.
type registeringState struct {
	ws   *websocket.Conn
	pump *wsPump
}

func (s *registeringState) update(c *Connection) connState {
	select {
	case data, ok := <-s.pump.inbound:
		if !ok {
			c.log.Warn("relayclient: relay connection closed while registering")
			return disconnectedState{}
		}
		if len(data) != identityFileSize {
			c.log.Warn("relayclient: malformed registration reply", "len", len(data))
			s.ws.Close(websocket.StatusProtocolError, "malformed registration reply")
			return disconnectedState{}
		}
		var id identity
		copy(id.id[:], data[:16])
		copy(id.secret[:], data[16:])
		if err := saveIdentity(c.identityPath, id); err != nil {
			c.log.Error("relayclient: failed to persist identity", "err", err)
		}
		c.setIdentity(id)
		return &activeState{ws: s.ws, pump: s.pump}
	default:
		return s
	}
}

// activeState is connected, registered/reauthenticated, and actively
// draining the outbound queue and inbound pump.
type activeState struct {
	ws      *websocket.Conn
	pump    *wsPump
	pending []byte
}

func (s *activeState) update(c *Connection) connState {
	if !s.flush(c) {
		return s
	}

	for {
		select {
		case data, ok := <-s.pump.inbound:
			if !ok {
				c.log.Warn("relayclient: relay connection closed")
				s.ws.Close(websocket.StatusNormalClosure, "")
				return disconnectedState{}
			}
			if len(data) < 16 {
				c.log.Warn("relayclient: malformed inbound message", "len", len(data))
				continue
			}
			idStart := len(data) - 16
			var sender ClientID
			copy(sender[:], data[idStart:])
			payload := append([]byte(nil), data[:idStart]...)
			select {
			case c.recvCh <- inboundMessage{sender: sender, payload: payload}:
			default:
				c.log.Warn("relayclient: inbound queue full, dropping message")
			}
		default:
			return s
		}
	}
}

// flush drains the outbound queue until empty or a write would block.
// Returns false if it should be retried next tick without reading inbound.
func (s *activeState) flush(c *Connection) bool {
	for {
		msg := s.pending
		if msg == nil {
			select {
			case m := <-c.sendCh:
				msg = m
			default:
				return true
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), writeAttemptTTL)
		err := s.ws.Write(ctx, websocket.MessageBinary, msg)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				s.pending = msg
				return false
			}
			c.log.Warn("relayclient: relay connection closed", "err", err)
			return true // caller's inbound drain will observe the close via pump
		}
		s.pending = nil
	}
}

// pickAddress returns one random address from the list resolved (or
// supplied) at construction.
func (c *Connection) pickAddress() (string, bool) {
	if len(c.addressList) == 0 {
		return "", false
	}
	return c.addressList[rand.Intn(len(c.addressList))], true
}
