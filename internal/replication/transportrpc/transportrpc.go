// Package transportrpc carries AppendEntries over rpcx with msgpack encoding.
package transportrpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/smallnest/rpcx/client"
	"github.com/smallnest/rpcx/protocol"
	"github.com/smallnest/rpcx/server"

	"github.com/isparth/Distributed-Systems/replog/internal/replication"
	"github.com/isparth/Distributed-Systems/replog/internal/types"
)

const (
	ServiceName       = "Replication"
	appendEntriesName = "AppendEntries"
)

// Service exposes a replication.Handler as an rpcx service.
type Service struct {
	handler replication.Handler
}

func NewService(handler replication.Handler) *Service {
	return &Service{handler: handler}
}

func (s *Service) AppendEntries(ctx context.Context, req *replication.AppendEntriesRequest, res *replication.AppendEntriesResult) error {
	out, err := s.handler.HandleAppendEntries(ctx, *req)
	if err != nil {
		return err
	}
	*res = out
	return nil
}

// Server serves the replication service on a TCP address.
type Server struct {
	rpc    *server.Server
	logger *slog.Logger
}

func NewServer(handler replication.Handler, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rpcServer := server.NewServer()
	if err := rpcServer.RegisterName(ServiceName, NewService(handler), ""); err != nil {
		return nil, fmt.Errorf("failed to register %s service: %w", ServiceName, err)
	}
	return &Server{rpc: rpcServer, logger: logger}, nil
}

// Serve blocks until the server is closed.
func (s *Server) Serve(addr string) error {
	s.logger.Info("rpc transport listening", slog.String("addr", addr))
	if err := s.rpc.Serve("tcp", addr); err != nil && !errors.Is(err, server.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Close() error {
	return s.rpc.Close()
}

// RPCTransport sends requests through one rpcx client per follower, created
// on first use.
type RPCTransport struct {
	resolver *replication.PeerResolver
	option   client.Option

	mu      sync.Mutex
	clients map[types.ParticipantID]client.XClient
}

func NewRPCTransport(resolver *replication.PeerResolver) *RPCTransport {
	option := client.DefaultOption
	option.SerializeType = protocol.MsgPack
	return &RPCTransport{
		resolver: resolver,
		option:   option,
		clients:  make(map[types.ParticipantID]client.XClient),
	}
}

func (t *RPCTransport) peer(to types.ParticipantID) (client.XClient, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.clients[to]; ok {
		return c, nil
	}

	addr, err := t.resolver.Resolve(to)
	if err != nil {
		return nil, err
	}
	d, err := client.NewPeer2PeerDiscovery("tcp@"+addr, "")
	if err != nil {
		return nil, err
	}
	c := client.NewXClient(ServiceName, client.Failtry, client.RandomSelect, d, t.option)
	t.clients[to] = c
	return c, nil
}

func (t *RPCTransport) AppendEntries(ctx context.Context, to types.ParticipantID, req replication.AppendEntriesRequest) (replication.AppendEntriesResult, error) {
	c, err := t.peer(to)
	if err != nil {
		return replication.AppendEntriesResult{}, err
	}

	var res replication.AppendEntriesResult
	if err := c.Call(ctx, appendEntriesName, &req, &res); err != nil {
		return replication.AppendEntriesResult{}, fmt.Errorf("append-entries to %s: %w", to, err)
	}
	return res, nil
}

// Close closes every client opened so far.
func (t *RPCTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var errs []error
	for id, c := range t.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close client for %s: %w", id, err))
		}
		delete(t.clients, id)
	}
	return errors.Join(errs...)
}

var _ replication.Transport = (*RPCTransport)(nil)
