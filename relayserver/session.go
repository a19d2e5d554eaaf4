package relayserver

import (
	"context"
	"fmt"

	"github.com/coder/websocket"
	channels "gopkg.in/eapache/channels.v1"
)

const (
	outboundQueueCap  = 128
	registerFrameSize = 0
	reauthFrameSize   = 32
)

// session is one active, authenticated relay client: a WebSocket, its
// assigned ClientID, and a bounded outbound queue drained by a writer
// goroutine. The queue is never closed; its writer goroutine instead
// exits when the session's own context is cancelled, so a concurrent
// routing task holding a stale pointer into a torn-down session can
// never send on a closed channel.
type session struct {
	srv      *Server
	id       ClientID
	ws       *websocket.Conn
	outbound *channels.NativeChannel
}

// runSession owns ws end to end: it performs the register/reauth
// handshake, installs itself in the server's routing map, runs the
// writer and reader loops, and guarantees map cleanup on every exit path.
func (srv *Server) runSession(ctx context.Context, ws *websocket.Conn) {
	id, err := srv.handshake(ctx, ws)
	if err != nil {
		srv.log.Warn("relayserver: handshake failed", "err", err)
		sessionsTotal.WithLabelValues("handshake_failed").Inc()
		ws.Close(websocket.StatusPolicyViolation, "handshake failed")
		return
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s := &session{
		srv:      srv,
		id:       id,
		ws:       ws,
		outbound: channels.NewNativeChannel(outboundQueueCap),
	}

	if prev, loaded := srv.sessions.Swap(id, s); loaded {
		srv.log.Info("relayserver: superseding previous session", "id", id)
		prev.(*session).ws.Close(websocket.StatusNormalClosure, "superseded by a new session")
	}
	sessionsActive.Inc()
	sessionsTotal.WithLabelValues("connected").Inc()
	srv.log.Info("relayserver: client connected", "id", id)

	defer func() {
		srv.sessions.CompareAndDelete(id, s)
		sessionsActive.Dec()
		outboundQueueDepth.DeleteLabelValues(id.String())
		srv.log.Info("relayserver: client disconnected", "id", id)
	}()

	writerDone := make(chan struct{})
	go s.writeLoop(sessionCtx, writerDone)

	s.readLoop(ctx)
	ws.Close(websocket.StatusNormalClosure, "")
	cancel()
	<-writerDone
}

// handshake awaits the first binary frame and performs Register or
// Reauth, returning the session's ClientID.
func (srv *Server) handshake(ctx context.Context, ws *websocket.Conn) (ClientID, error) {
	_, data, err := ws.Read(ctx)
	if err != nil {
		return ClientID{}, fmt.Errorf("read first frame: %w", err)
	}

	switch len(data) {
	case registerFrameSize:
		id, secret, err := srv.store.Register()
		if err != nil {
			return ClientID{}, fmt.Errorf("register: %w", err)
		}
		var reply [32]byte
		copy(reply[:16], id[:])
		copy(reply[16:], secret[:])
		if err := ws.Write(ctx, websocket.MessageBinary, reply[:]); err != nil {
			return ClientID{}, fmt.Errorf("send registration reply: %w", err)
		}
		srv.log.Info("relayserver: registered new client", "id", id)
		return id, nil

	case reauthFrameSize:
		var id ClientID
		var secret ClientSecret
		copy(id[:], data[:16])
		copy(secret[:], data[16:])
		if err := srv.store.Verify(id, secret); err != nil {
			return ClientID{}, fmt.Errorf("reauth: %w", err)
		}
		return id, nil

	default:
		return ClientID{}, fmt.Errorf("malformed first frame: %d bytes", len(data))
	}
}

// writeLoop drains the outbound queue to the socket as binary frames
// until its session context is cancelled or a write fails.
func (s *session) writeLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.outbound.Out():
			outboundQueueDepth.WithLabelValues(s.id.String()).Set(float64(s.outbound.Len()))
			if err := s.ws.Write(ctx, websocket.MessageBinary, msg.([]byte)); err != nil {
				s.srv.log.Warn("relayserver: write failed", "id", s.id, "err", err)
				return
			}
		}
	}
}

// readLoop requires len >= 16 per frame, rewrites the trailing target_id
// with this session's id, and routes the frame to the target's outbound
// queue if the target is connected. Enqueueing blocks when the target's
// queue is full: this is the deliberate backpressure point (no global
// drops, a slow receiver stalls the sender's read loop, not the server).
func (s *session) readLoop(ctx context.Context) {
	for {
		_, data, err := s.ws.Read(ctx)
		if err != nil {
			return
		}
		if len(data) < 16 {
			s.srv.log.Warn("relayserver: dropping short frame", "id", s.id, "len", len(data))
			framesDropped.WithLabelValues("short").Inc()
			continue
		}

		targetStart := len(data) - 16
		var target ClientID
		copy(target[:], data[targetStart:])
		copy(data[targetStart:], s.id[:])

		v, ok := s.srv.sessions.Load(target)
		if !ok {
			framesDropped.WithLabelValues("target_absent").Inc()
			continue
		}
		targetSession := v.(*session)
		targetSession.outbound.In() <- data
	}
}
