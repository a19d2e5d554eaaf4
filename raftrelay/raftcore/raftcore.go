// Package raftcore is a minimal single-threaded Raft core: leader
// election over randomized timeout ticks, AppendEntries replication, and
// majority-commit tracking over a fixed peer set. It has no snapshotting
// and no cluster membership changes; both are out of scope for the
// fixed-peer, tick-driven budget it is built for. It is driven entirely
// by Tick and Step, mirroring the tick/Ready/Advance shape of
// etcd/raft's Node interface without that package's blocking RPC and
// snapshot machinery.
package raftcore

import (
	"math/rand"

	"github.com/gofrs/uuid"
)

// NodeID identifies one Raft peer.
type NodeID = uuid.UUID

// LogEntry is one entry in the replicated log.
type LogEntry struct {
	Term  uint64
	Index uint64
	Data  []byte
}

// MessageType discriminates the payload carried by an Envelope.
type MessageType uint8

const (
	MsgRequestVote MessageType = iota + 1
	MsgRequestVoteResponse
	MsgAppendEntries
	MsgAppendEntriesResponse
)

// RequestVote is a candidate's request for a peer's vote.
type RequestVote struct {
	Term         uint64
	CandidateID  NodeID
	LastLogIndex uint64
	LastLogTerm  uint64
}

// RequestVoteResponse is a peer's reply to RequestVote.
type RequestVoteResponse struct {
	Term        uint64
	VoteGranted bool
	From        NodeID
}

// AppendEntries is the leader's replication / heartbeat message.
type AppendEntries struct {
	Term         uint64
	LeaderID     NodeID
	PrevLogIndex uint64
	PrevLogTerm  uint64
	Entries      []LogEntry
	LeaderCommit uint64
}

// AppendEntriesResponse is a follower's reply to AppendEntries.
type AppendEntriesResponse struct {
	Term       uint64
	Success    bool
	MatchIndex uint64
	From       NodeID
}

// Envelope is the single wire-level Raft message shape; exactly one of
// the pointer fields is populated, selected by Type.
type Envelope struct {
	Type                  MessageType
	RequestVote           *RequestVote           `cbor:",omitempty"`
	RequestVoteResponse   *RequestVoteResponse   `cbor:",omitempty"`
	AppendEntries         *AppendEntries         `cbor:",omitempty"`
	AppendEntriesResponse *AppendEntriesResponse `cbor:",omitempty"`
}

// Outbound is one point-to-point message this node wants sent. To is
// always set: broadcasts are expanded into one Outbound per peer.
type Outbound struct {
	To       *NodeID
	Envelope Envelope
}

// Config tunes timing and replication batch size. Ticks are an abstract
// unit; the host decides how often to call Tick.
type Config struct {
	ID                     NodeID
	Peers                  map[NodeID]struct{} // excludes self
	ElectionTimeoutTicks   int
	HeartbeatIntervalTicks int
	ReplicationChunkSize   int
}

type role int

const (
	follower role = iota
	candidate
	leader
)

// Node is a single-threaded Raft participant. No method is safe to call
// concurrently; the host must serialize all calls (its own update loop).
type Node struct {
	cfg Config

	role        role
	currentTerm uint64
	votedFor    *NodeID
	log         []LogEntry // 1-indexed; log[0] is an unused sentinel
	commitIndex uint64

	leader *NodeID

	electionElapsed  int
	electionTimeout  int
	heartbeatElapsed int

	votesReceived map[NodeID]bool

	nextIndex  map[NodeID]uint64
	matchIndex map[NodeID]uint64

	lastReturnedCommit uint64
}

// New constructs a Node in the follower role with an empty log.
func New(cfg Config) *Node {
	n := &Node{
		cfg:        cfg,
		role:       follower,
		log:        make([]LogEntry, 1), // sentinel at index 0
		nextIndex:  make(map[NodeID]uint64),
		matchIndex: make(map[NodeID]uint64),
	}
	n.resetElectionTimeout()
	return n
}

func (n *Node) resetElectionTimeout() {
	n.electionElapsed = 0
	spread := n.cfg.ElectionTimeoutTicks
	if spread <= 0 {
		spread = 1
	}
	n.electionTimeout = n.cfg.ElectionTimeoutTicks + rand.Intn(spread+1)
}

// IsLeader reports whether this node currently believes itself leader.
func (n *Node) IsLeader() bool {
	return n.role == leader
}

// Leader returns the currently known leader, if any.
func (n *Node) Leader() (NodeID, bool) {
	if n.leader == nil {
		return NodeID{}, false
	}
	return *n.leader, true
}

func (n *Node) lastLogIndexTerm() (uint64, uint64) {
	last := n.log[len(n.log)-1]
	return last.Index, last.Term
}

// Propose appends data to the log if this node is leader, returning the
// replication messages to flush. ok is false if this node is not leader;
// the caller should forward to the known leader instead.
func (n *Node) Propose(data []byte) (out []Outbound, ok bool) {
	if n.role != leader {
		return nil, false
	}
	lastIndex, _ := n.lastLogIndexTerm()
	entry := LogEntry{Term: n.currentTerm, Index: lastIndex + 1, Data: data}
	n.log = append(n.log, entry)
	n.matchIndex[n.cfg.ID] = entry.Index
	n.maybeAdvanceCommit()
	return n.broadcastAppendEntries(), true
}

// Tick advances time by one unit, driving election timeouts and leader
// heartbeats, and returns any messages that should be sent as a result.
func (n *Node) Tick() []Outbound {
	switch n.role {
	case follower, candidate:
		n.electionElapsed++
		if n.electionElapsed >= n.electionTimeout {
			return n.startElection()
		}
	case leader:
		n.heartbeatElapsed++
		if n.heartbeatElapsed >= n.cfg.HeartbeatIntervalTicks {
			n.heartbeatElapsed = 0
			return n.broadcastAppendEntries()
		}
	}
	return nil
}

func (n *Node) startElection() []Outbound {
	n.role = candidate
	n.currentTerm++
	self := n.cfg.ID
	n.votedFor = &self
	n.leader = nil
	n.votesReceived = map[NodeID]bool{n.cfg.ID: true}
	n.resetElectionTimeout()

	lastIndex, lastTerm := n.lastLogIndexTerm()
	req := &RequestVote{
		Term:         n.currentTerm,
		CandidateID:  n.cfg.ID,
		LastLogIndex: lastIndex,
		LastLogTerm:  lastTerm,
	}
	return n.broadcast(Envelope{Type: MsgRequestVote, RequestVote: req})
}

func (n *Node) broadcast(env Envelope) []Outbound {
	out := make([]Outbound, 0, len(n.cfg.Peers))
	for peer := range n.cfg.Peers {
		p := peer
		out = append(out, Outbound{To: &p, Envelope: env})
	}
	return out
}

func (n *Node) broadcastAppendEntries() []Outbound {
	out := make([]Outbound, 0, len(n.cfg.Peers))
	for peer := range n.cfg.Peers {
		out = append(out, n.appendEntriesFor(peer))
	}
	return out
}

func (n *Node) appendEntriesFor(peer NodeID) Outbound {
	next, ok := n.nextIndex[peer]
	if !ok || next == 0 {
		next = uint64(len(n.log))
	}
	prevIndex := next - 1
	prevTerm := n.termAt(prevIndex)

	chunk := n.cfg.ReplicationChunkSize
	if chunk <= 0 {
		chunk = len(n.log)
	}
	var entries []LogEntry
	if int(next) < len(n.log) {
		end := int(next) + chunk
		if end > len(n.log) {
			end = len(n.log)
		}
		entries = append(entries, n.log[next:end]...)
	}

	req := &AppendEntries{
		Term:         n.currentTerm,
		LeaderID:     n.cfg.ID,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: n.commitIndex,
	}
	p := peer
	return Outbound{To: &p, Envelope: Envelope{Type: MsgAppendEntries, AppendEntries: req}}
}

func (n *Node) termAt(index uint64) uint64 {
	if index == 0 || int(index) >= len(n.log) {
		if int(index) == 0 {
			return 0
		}
		return 0
	}
	return n.log[index].Term
}

// Step processes one inbound message from peer from and returns any
// messages that should be sent in response.
func (n *Node) Step(from NodeID, env Envelope) []Outbound {
	switch env.Type {
	case MsgRequestVote:
		return n.stepRequestVote(from, env.RequestVote)
	case MsgRequestVoteResponse:
		return n.stepRequestVoteResponse(from, env.RequestVoteResponse)
	case MsgAppendEntries:
		return n.stepAppendEntries(from, env.AppendEntries)
	case MsgAppendEntriesResponse:
		return n.stepAppendEntriesResponse(from, env.AppendEntriesResponse)
	default:
		return nil
	}
}

func (n *Node) stepRequestVote(from NodeID, req *RequestVote) []Outbound {
	if req == nil {
		return nil
	}
	if req.Term > n.currentTerm {
		n.becomeFollower(req.Term)
	}

	grant := false
	if req.Term == n.currentTerm && (n.votedFor == nil || *n.votedFor == req.CandidateID) {
		lastIndex, lastTerm := n.lastLogIndexTerm()
		upToDate := req.LastLogTerm > lastTerm || (req.LastLogTerm == lastTerm && req.LastLogIndex >= lastIndex)
		if upToDate {
			grant = true
			n.votedFor = &req.CandidateID
			n.resetElectionTimeout()
		}
	}

	resp := &RequestVoteResponse{Term: n.currentTerm, VoteGranted: grant, From: n.cfg.ID}
	return []Outbound{{To: &from, Envelope: Envelope{Type: MsgRequestVoteResponse, RequestVoteResponse: resp}}}
}

func (n *Node) stepRequestVoteResponse(from NodeID, resp *RequestVoteResponse) []Outbound {
	if resp == nil || n.role != candidate {
		return nil
	}
	if resp.Term > n.currentTerm {
		n.becomeFollower(resp.Term)
		return nil
	}
	if resp.Term != n.currentTerm || !resp.VoteGranted {
		return nil
	}

	n.votesReceived[from] = true
	if len(n.votesReceived) > (len(n.cfg.Peers)+1)/2 {
		return n.becomeLeader()
	}
	return nil
}

func (n *Node) becomeFollower(term uint64) {
	n.role = follower
	n.currentTerm = term
	n.votedFor = nil
	n.leader = nil
	n.resetElectionTimeout()
}

func (n *Node) becomeLeader() []Outbound {
	n.role = leader
	self := n.cfg.ID
	n.leader = &self
	n.heartbeatElapsed = 0
	nextIdx := uint64(len(n.log))
	n.nextIndex = make(map[NodeID]uint64, len(n.cfg.Peers))
	n.matchIndex = make(map[NodeID]uint64, len(n.cfg.Peers)+1)
	for peer := range n.cfg.Peers {
		n.nextIndex[peer] = nextIdx
		n.matchIndex[peer] = 0
	}
	n.matchIndex[n.cfg.ID] = nextIdx - 1
	return n.broadcastAppendEntries()
}

func (n *Node) stepAppendEntries(from NodeID, req *AppendEntries) []Outbound {
	if req == nil {
		return nil
	}
	if req.Term > n.currentTerm {
		n.becomeFollower(req.Term)
	}
	if req.Term < n.currentTerm {
		resp := &AppendEntriesResponse{Term: n.currentTerm, Success: false, From: n.cfg.ID}
		return []Outbound{{To: &from, Envelope: Envelope{Type: MsgAppendEntriesResponse, AppendEntriesResponse: resp}}}
	}

	n.role = follower
	n.leader = &req.LeaderID
	n.resetElectionTimeout()

	if req.PrevLogIndex >= uint64(len(n.log)) || n.termAt(req.PrevLogIndex) != req.PrevLogTerm {
		resp := &AppendEntriesResponse{Term: n.currentTerm, Success: false, From: n.cfg.ID}
		return []Outbound{{To: &from, Envelope: Envelope{Type: MsgAppendEntriesResponse, AppendEntriesResponse: resp}}}
	}

	insertAt := req.PrevLogIndex + 1
	for i, entry := range req.Entries {
		idx := insertAt + uint64(i)
		if idx < uint64(len(n.log)) {
			if n.log[idx].Term != entry.Term {
				n.log = n.log[:idx]
				n.log = append(n.log, entry)
			}
			continue
		}
		n.log = append(n.log, entry)
	}

	if req.LeaderCommit > n.commitIndex {
		lastNew, _ := n.lastLogIndexTerm()
		if req.LeaderCommit < lastNew {
			n.commitIndex = req.LeaderCommit
		} else {
			n.commitIndex = lastNew
		}
	}

	lastIndex, _ := n.lastLogIndexTerm()
	resp := &AppendEntriesResponse{Term: n.currentTerm, Success: true, MatchIndex: lastIndex, From: n.cfg.ID}
	return []Outbound{{To: &from, Envelope: Envelope{Type: MsgAppendEntriesResponse, AppendEntriesResponse: resp}}}
}

func (n *Node) stepAppendEntriesResponse(from NodeID, resp *AppendEntriesResponse) []Outbound {
	if resp == nil || n.role != leader {
		return nil
	}
	if resp.Term > n.currentTerm {
		n.becomeFollower(resp.Term)
		return nil
	}
	if !resp.Success {
		next := n.nextIndex[from]
		if next > 1 {
			n.nextIndex[from] = next - 1
		}
		out := n.appendEntriesFor(from)
		return []Outbound{out}
	}

	if resp.MatchIndex > n.matchIndex[from] {
		n.matchIndex[from] = resp.MatchIndex
		n.nextIndex[from] = resp.MatchIndex + 1
	}
	n.maybeAdvanceCommit()

	if int(n.nextIndex[from]) < len(n.log) {
		return []Outbound{n.appendEntriesFor(from)}
	}
	return nil
}

// maybeAdvanceCommit advances commitIndex to the highest index a
// majority of peers (including self) have replicated, restricted to
// entries from the current term (the standard Raft safety rule).
func (n *Node) maybeAdvanceCommit() {
	if n.role != leader {
		return
	}
	for idx := uint64(len(n.log)) - 1; idx > n.commitIndex; idx-- {
		if n.log[idx].Term != n.currentTerm {
			continue
		}
		count := 1 // self
		for peer := range n.cfg.Peers {
			if n.matchIndex[peer] >= idx {
				count++
			}
		}
		if count > (len(n.cfg.Peers)+1)/2 {
			n.commitIndex = idx
			return
		}
	}
}

// DrainCommitted returns every log entry committed since the last call.
func (n *Node) DrainCommitted() []LogEntry {
	if n.commitIndex <= n.lastReturnedCommit {
		return nil
	}
	start := n.lastReturnedCommit + 1
	entries := append([]LogEntry(nil), n.log[start:n.commitIndex+1]...)
	n.lastReturnedCommit = n.commitIndex
	return entries
}
