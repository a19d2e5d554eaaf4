// Package raftrelay wraps a relayclient.Connection with an in-process
// Raft node (raftcore), replicating an append-only log across a fixed
// set of peers addressed by ClientID.
package raftrelay

import (
	"github.com/charmbracelet/log"
	"github.com/fxamacker/cbor/v2"

	"github.com/CoCoSol007/border-wars/raftrelay/raftcore"
	"github.com/CoCoSol007/border-wars/relayclient"
)

type frameType byte

const (
	frameProtocol       frameType = 0x00
	frameForwardAppend  frameType = 0x01
	frameTrailerSize              = 1
)

// Config is the pluggable tuning spec.md names: election/heartbeat
// timing in ticks and the replication batch size.
type Config struct {
	ElectionTimeoutTicks   int
	HeartbeatIntervalTicks int
	ReplicationChunkSize   int
}

// Node wraps a relayclient.Connection with a Raft core replicating a log
// across Peers (a fixed set of ClientIDs, excluding self).
type Node struct {
	conn *relayclient.Connection
	core *raftcore.Node
	log  *log.Logger
}

// New constructs a Node. selfID must be this connection's registered
// ClientID; peers is the fixed set of other participants.
func New(conn *relayclient.Connection, selfID relayclient.ClientID, peers map[relayclient.ClientID]struct{}, cfg Config, logger *log.Logger) *Node {
	if logger == nil {
		logger = log.Default()
	}
	core := raftcore.New(raftcore.Config{
		ID:                     selfID,
		Peers:                  peers,
		ElectionTimeoutTicks:   cfg.ElectionTimeoutTicks,
		HeartbeatIntervalTicks: cfg.HeartbeatIntervalTicks,
		ReplicationChunkSize:   cfg.ReplicationChunkSize,
	})
	return &Node{conn: conn, core: core, log: logger}
}

// Append proposes data for replication. If this node is leader it
// appends directly; otherwise it forwards to the known leader. If no
// leader is known yet, the append is silently dropped (the caller is
// expected to retry).
func (n *Node) Append(data []byte) {
	if out, ok := n.core.Propose(data); ok {
		n.flush(out)
		return
	}

	leaderID, ok := n.core.Leader()
	if !ok {
		n.log.Debug("raftrelay: dropping append, no known leader")
		return
	}
	n.conn.Send(leaderID, appendFrame(data, frameForwardAppend))
}

// Update ticks the Raft core, drains inbound frames, and returns every
// log entry committed as a result of this tick.
func (n *Node) Update() [][]byte {
	n.flush(n.core.Tick())

	for {
		sender, data, ok := n.conn.Read()
		if !ok {
			break
		}
		n.handleFrame(sender, data)
	}

	committed := n.core.DrainCommitted()
	if len(committed) == 0 {
		return nil
	}
	payloads := make([][]byte, len(committed))
	for i, e := range committed {
		payloads[i] = e.Data
	}
	return payloads
}

func (n *Node) handleFrame(sender relayclient.ClientID, data []byte) {
	if len(data) < frameTrailerSize {
		n.log.Warn("raftrelay: dropping undersized frame", "len", len(data))
		return
	}
	split := len(data) - frameTrailerSize
	body, kind := data[:split], frameType(data[split])

	switch kind {
	case frameProtocol:
		var env raftcore.Envelope
		if err := cbor.Unmarshal(body, &env); err != nil {
			n.log.Warn("raftrelay: dropping undecodable protocol frame", "from", sender, "err", err)
			return
		}
		n.flush(n.core.Step(sender, env))

	case frameForwardAppend:
		if !n.core.IsLeader() {
			n.log.Debug("raftrelay: dropping forwarded append, not leader", "from", sender)
			return
		}
		out, ok := n.core.Propose(body)
		if !ok {
			return
		}
		n.flush(out)

	default:
		n.log.Warn("raftrelay: dropping frame with unknown type", "type", kind)
	}
}

func (n *Node) flush(out []raftcore.Outbound) {
	for _, o := range out {
		body, err := cbor.Marshal(o.Envelope)
		if err != nil {
			n.log.Error("raftrelay: failed to encode outbound message", "err", err)
			continue
		}
		if o.To == nil {
			continue // raftcore always expands broadcasts into per-peer entries
		}
		n.conn.Send(*o.To, appendFrame(body, frameProtocol))
	}
}

func appendFrame(body []byte, kind frameType) []byte {
	msg := make([]byte, 0, len(body)+frameTrailerSize)
	msg = append(msg, body...)
	msg = append(msg, byte(kind))
	return msg
}
