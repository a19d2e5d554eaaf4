package raftrelay

import (
	"io"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/fxamacker/cbor/v2"
	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/require"

	"github.com/CoCoSol007/border-wars/raftrelay/raftcore"
	"github.com/CoCoSol007/border-wars/relayclient"
)

func discardLogger() *log.Logger {
	return log.New(io.Discard)
}

func newTestNode(t *testing.T, peers ...relayclient.ClientID) (*Node, *relayclient.Connection) {
	t.Helper()
	conn, err := relayclient.NewWithAddresses("test.invalid", nil, t.TempDir()+"/identity", discardLogger())
	require.NoError(t, err)

	self := uuid.Must(uuid.NewV4())
	peerSet := make(map[relayclient.ClientID]struct{}, len(peers))
	for _, p := range peers {
		peerSet[p] = struct{}{}
	}
	n := New(conn, self, peerSet, Config{ElectionTimeoutTicks: 10, HeartbeatIntervalTicks: 3, ReplicationChunkSize: 16}, discardLogger())
	return n, conn
}

func TestAppendWithNoLeaderDropsSilently(t *testing.T) {
	peer := uuid.Must(uuid.NewV4())
	n, conn := newTestNode(t, peer)

	n.Append([]byte("data"))

	require.Zero(t, conn.PendingOutbound(), "no leader known yet, nothing should be sent")
}

func TestHandleFrameDropsUndersizedFrame(t *testing.T) {
	n, _ := newTestNode(t)
	sender := uuid.Must(uuid.NewV4())

	n.handleFrame(sender, nil) // must not panic
}

func TestHandleFrameDropsUndecodableProtocolFrame(t *testing.T) {
	n, _ := newTestNode(t)
	sender := uuid.Must(uuid.NewV4())

	garbage := append([]byte{0xff, 0xff, 0xff}, byte(frameProtocol))
	n.handleFrame(sender, garbage) // must not panic, just log and drop
}

func TestHandleFrameDropsForwardedAppendWhenNotLeader(t *testing.T) {
	n, conn := newTestNode(t)
	sender := uuid.Must(uuid.NewV4())

	n.handleFrame(sender, appendFrame([]byte("data"), frameForwardAppend))

	require.Zero(t, conn.PendingOutbound())
}

func TestUpdateTicksAndReturnsNilWithoutCommits(t *testing.T) {
	n, _ := newTestNode(t)
	committed := n.Update()
	require.Nil(t, committed)
}

func TestHandleFrameDecodesWellFormedProtocolFrame(t *testing.T) {
	n, _ := newTestNode(t)
	sender := uuid.Must(uuid.NewV4())

	env := raftcore.Envelope{
		Type: raftcore.MsgRequestVote,
		RequestVote: &raftcore.RequestVote{
			Term:        1,
			CandidateID: sender,
		},
	}
	body, err := cbor.Marshal(env)
	require.NoError(t, err)

	n.handleFrame(sender, appendFrame(body, frameProtocol)) // must not panic
}
