package replication

import (
	"context"
	"fmt"

	"github.com/isparth/Distributed-Systems/replog/internal/types"
)

// --- Interfaces ---

// Handler is implemented by a follower to serve incoming requests.
type Handler interface {
	HandleAppendEntries(ctx context.Context, req AppendEntriesRequest) (AppendEntriesResult, error)
}

// Transport is what the leader uses to send requests. It must preserve
// message boundaries and return the follower's result as received. Matching
// a result to the latest outstanding request is the leader's job.
type Transport interface {
	AppendEntries(ctx context.Context, to types.ParticipantID, req AppendEntriesRequest) (AppendEntriesResult, error)
}

// --- PeerResolver ---

// PeerResolver maps ParticipantID to network address.
type PeerResolver struct {
	peers map[types.ParticipantID]string
}

func NewPeerResolver(peers map[types.ParticipantID]string) *PeerResolver {
	return &PeerResolver{peers: peers}
}

func (r *PeerResolver) Resolve(id types.ParticipantID) (string, error) {
	addr, ok := r.peers[id]
	if !ok {
		return "", fmt.Errorf("unknown peer: %s", id)
	}
	return addr, nil
}
