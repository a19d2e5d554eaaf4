// Package typedevent multiplexes multiple logical event kinds over a
// single relayclient.Connection, without a central kind registry: hosts
// declare their own Kind constants and register a Topic per kind.
package typedevent

import (
	"encoding/binary"

	"github.com/charmbracelet/log"
	"github.com/fxamacker/cbor/v2"

	"github.com/CoCoSol007/border-wars/relayclient"
)

// Kind identifies the wire-level type of an event. Hosts define their own
// Kind constants in their own package; typedevent assigns no meaning to
// particular values beyond routing. All peers must agree on the mapping
// from Kind to Go type out of band (REDESIGN: this replaces registration-
// order-derived kind numbering, which is a cross-version hazard).
type Kind uint16

const kindTrailerSize = 2

const topicQueueCap = 256

// Multiplexer owns the underlying connection and the kind -> handler
// routing table. Update must be called from the host's single event loop
// goroutine, same as relayclient.Connection.Update.
type Multiplexer struct {
	conn     *relayclient.Connection
	log      *log.Logger
	handlers map[Kind]func(relayclient.ClientID, []byte)
}

// New wraps conn with a typed event multiplexer.
func New(conn *relayclient.Connection, logger *log.Logger) *Multiplexer {
	if logger == nil {
		logger = log.Default()
	}
	return &Multiplexer{
		conn:     conn,
		log:      logger,
		handlers: make(map[Kind]func(relayclient.ClientID, []byte)),
	}
}

// Update drives the underlying connection one tick, then drains every
// inbound frame, routing each into its registered Topic's FIFO.
func (m *Multiplexer) Update() {
	m.conn.Update()
	for {
		sender, data, ok := m.conn.Read()
		if !ok {
			return
		}
		if len(data) < kindTrailerSize {
			m.log.Warn("typedevent: dropping short frame", "len", len(data))
			continue
		}
		split := len(data) - kindTrailerSize
		kind := Kind(binary.BigEndian.Uint16(data[split:]))
		handler, ok := m.handlers[kind]
		if !ok {
			m.log.Warn("typedevent: dropping frame with unknown kind", "kind", kind)
			continue
		}
		handler(sender, data[:split])
	}
}

func (m *Multiplexer) register(kind Kind, handler func(relayclient.ClientID, []byte)) {
	if _, exists := m.handlers[kind]; exists {
		panic("typedevent: duplicate Kind registration")
	}
	m.handlers[kind] = handler
}

// Event is one inbound (sender, value) pair delivered on a Topic.
type Event[T any] struct {
	Sender relayclient.ClientID
	Value  T
}

// Topic is a typed handle on one event Kind: SendTo serializes and sends,
// Read non-blockingly pops the next arrival for this kind.
type Topic[T any] struct {
	kind    Kind
	mux     *Multiplexer
	inbound chan Event[T]
}

// Register declares a new event kind T on mux. Call once per kind at
// startup; registration order does not matter, since only kind goes on
// the wire. Registering the same kind twice panics.
func Register[T any](mux *Multiplexer, kind Kind) *Topic[T] {
	t := &Topic[T]{
		kind:    kind,
		mux:     mux,
		inbound: make(chan Event[T], topicQueueCap),
	}
	mux.register(kind, func(sender relayclient.ClientID, payload []byte) {
		var value T
		if err := cbor.Unmarshal(payload, &value); err != nil {
			mux.log.Warn("typedevent: dropping undecodable payload", "kind", kind, "err", err)
			return
		}
		select {
		case t.inbound <- Event[T]{Sender: sender, Value: value}:
		default:
			mux.log.Warn("typedevent: topic queue full, dropping event", "kind", kind)
		}
	})
	return t
}

// SendTo serializes value as CBOR, appends the big-endian Kind trailer,
// and hands the frame to the underlying connection's non-blocking send.
func (t *Topic[T]) SendTo(target relayclient.ClientID, value T) error {
	body, err := cbor.Marshal(value)
	if err != nil {
		return err
	}
	msg := make([]byte, 0, len(body)+kindTrailerSize)
	msg = append(msg, body...)
	msg = binary.BigEndian.AppendUint16(msg, uint16(t.kind))
	t.mux.conn.Send(target, msg)
	return nil
}

// Read non-blockingly pops the next arrival for this topic.
func (t *Topic[T]) Read() (relayclient.ClientID, T, bool) {
	select {
	case e := <-t.inbound:
		return e.Sender, e.Value, true
	default:
		var zero T
		return relayclient.ClientID{}, zero, false
	}
}
