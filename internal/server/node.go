package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/isparth/Distributed-Systems/replog/internal/config"
	"github.com/isparth/Distributed-Systems/replog/internal/httpapi"
	"github.com/isparth/Distributed-Systems/replog/internal/replication"
	"github.com/isparth/Distributed-Systems/replog/internal/replication/storage"
	"github.com/isparth/Distributed-Systems/replog/internal/replication/transporthttp"
	"github.com/isparth/Distributed-Systems/replog/internal/replication/transportrpc"
	"github.com/isparth/Distributed-Systems/replog/internal/types"
)

const (
	walFileName    = "log.wal"
	stableFileName = "term.msgpack"
)

type participant interface {
	httpapi.Participant
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Node is one running participant with its storage, transports and API.
type Node struct {
	cfg    *config.Config
	logger *slog.Logger

	log         storage.LogStore
	participant participant
	handler     http.Handler

	rpcServer    *transportrpc.Server
	rpcTransport *transportrpc.RPCTransport
}

// NewNode opens storage and builds the leader or follower named by cfg.
func NewNode(cfg *config.Config, logger *slog.Logger) (*Node, error) {
	n := &Node{cfg: cfg, logger: logger.With(slog.String("participant", string(cfg.ID)))}

	log, stable, err := openStorage(cfg, n.logger)
	if err != nil {
		return nil, err
	}
	n.log = log

	if err := n.build(stable); err != nil {
		log.Close()
		return nil, err
	}
	return n, nil
}

func openStorage(cfg *config.Config, logger *slog.Logger) (storage.LogStore, storage.StableStore, error) {
	if cfg.Storage == config.StorageMemory {
		return storage.NewMemLogStore(), storage.NewMemStableStore(), nil
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create data dir: %w", err)
	}
	stable, err := storage.OpenFileStableStore(filepath.Join(cfg.Dir, stableFileName))
	if err != nil {
		return nil, nil, err
	}
	log, err := storage.OpenWALLogStore(filepath.Join(cfg.Dir, walFileName), storage.WALOptions{
		CacheBytes: cfg.CacheBytes,
		Logger:     logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return log, stable, nil
}

func (n *Node) build(stable storage.StableStore) error {
	cfg := n.cfg
	addrs := make(map[types.ParticipantID]string, len(cfg.Participants))
	for _, p := range cfg.Participants {
		addrs[p.ID] = p.Address
	}

	if cfg.IsLeader() {
		self, _ := cfg.Participant(cfg.ID)
		return n.buildLeader(stable, self.Address)
	}

	f, err := replication.NewFollower(replication.FollowerConfig{
		ID:           cfg.ID,
		SyncInterval: cfg.SyncInterval,
	}, n.log, stable, n.logger)
	if err != nil {
		return err
	}
	p := &addressedParticipant{participant: f, addrs: addrs}
	n.participant = p

	mux := http.NewServeMux()
	switch cfg.Transport {
	case config.TransportHTTP:
		mux.Handle("/replication/", transporthttp.NewReplicationHTTPServer(f).Handler())
	case config.TransportRPC:
		if n.rpcServer, err = transportrpc.NewServer(f, n.logger); err != nil {
			return err
		}
	}
	mux.Handle("/", httpapi.New(p, n.log, nil, n.logger).Handler())
	n.handler = mux
	return nil
}

func (n *Node) buildLeader(stable storage.StableStore, addr string) error {
	cfg := n.cfg

	// The configured term must not go behind one already adopted here.
	stored, err := stable.GetCurrentTerm()
	if err != nil {
		return err
	}
	if stored > cfg.Term {
		return fmt.Errorf("configured term %d is older than stored term %d", cfg.Term, stored)
	}
	if err := stable.SetCurrentTerm(cfg.Term); err != nil {
		return err
	}

	var tp replication.Transport
	resolver := replication.NewPeerResolver(cfg.Peers())
	switch cfg.Transport {
	case config.TransportRPC:
		n.rpcTransport = transportrpc.NewRPCTransport(resolver)
		tp = n.rpcTransport
	default:
		tp = transporthttp.NewHTTPTransport(resolver)
	}

	lcfg := replication.DefaultLeaderConfig()
	lcfg.ID = cfg.ID
	lcfg.Addr = addr
	lcfg.Term = cfg.Term
	lcfg.Followers = cfg.Followers()
	lcfg.WaitForSync = *cfg.WaitForSync
	lcfg.MaxBatch = cfg.MaxBatch
	lcfg.HeartbeatInterval = cfg.HeartbeatInterval
	lcfg.RequestTimeout = cfg.RequestTimeout

	l, err := replication.NewLeader(lcfg, n.log, tp, n.logger)
	if err != nil {
		return err
	}
	n.participant = l
	n.handler = httpapi.New(l, n.log, l, n.logger).Handler()
	return nil
}

// Handler serves the API and, for followers on the http transport, the
// replication endpoint.
func (n *Node) Handler() http.Handler { return n.handler }

func (n *Node) Status() types.ParticipantStatus { return n.participant.Status() }

// Start runs the participant and, if configured, the rpc listener.
func (n *Node) Start(ctx context.Context) error {
	if err := n.participant.Start(ctx); err != nil {
		return err
	}
	if n.rpcServer != nil {
		go func() {
			if err := n.rpcServer.Serve(n.cfg.RPCListen); err != nil {
				n.logger.Error("rpc transport stopped", slog.Any("error", err))
			}
		}()
	}
	return nil
}

// Stop stops the participant and closes transports and storage.
func (n *Node) Stop(ctx context.Context) error {
	var errs []error
	if n.rpcServer != nil {
		errs = append(errs, n.rpcServer.Close())
	}
	if err := n.participant.Stop(ctx); err != nil && !errors.Is(err, replication.ErrNotStarted) {
		errs = append(errs, err)
	}
	if n.rpcTransport != nil {
		errs = append(errs, n.rpcTransport.Close())
	}
	errs = append(errs, n.log.Close())
	return errors.Join(errs...)
}

// addressedParticipant fills in the leader's address, which followers only
// know by id.
type addressedParticipant struct {
	participant
	addrs map[types.ParticipantID]string
}

func (p *addressedParticipant) LeaderHint() types.LeaderHint {
	hint := p.participant.LeaderHint()
	if hint.LeaderAddr == "" {
		hint.LeaderAddr = p.addrs[hint.LeaderID]
	}
	return hint
}

func (p *addressedParticipant) Status() types.ParticipantStatus {
	st := p.participant.Status()
	st.LeaderHint = p.LeaderHint()
	return st
}
