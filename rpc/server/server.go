package server

import (
	"time"

	"github.com/pkg/errors"

	"github.com/flame4/tikv/lib/coprocessor"
	"github.com/flame4/tikv/lib/raftstore"
	"github.com/flame4/tikv/lib/storage"
	"github.com/flame4/tikv/rpc/common"
	"github.com/flame4/tikv/rpc/router"
	"github.com/flame4/tikv/rpc/serializer"
	"github.com/flame4/tikv/rpc/transport"
)

var Logger = common.CreateLogger("server")

// Server ties one node's transport, request dispatcher, storage engine,
// coprocessor host and peer router together and manages their lifecycle.
type Server struct {
	cfg       common.ServerConfig
	transport transport.IRPCServerTransport
	ser       serializer.IRPCSerializer
	raft      raftstore.RaftStoreRouter
	guard     storage.RegionGuard
	factory   router.ClientFactory

	store    *storage.Storage
	cop      *coprocessor.Host
	resolver *router.Resolver
	router   *router.Router
	service  *Service

	running bool
}

// NewServer prepares a server. Nothing is started until Start is called.
// The guard may be nil for single-region deployments; factory produces the
// client transports used for peer connections.
func NewServer(
	cfg common.ServerConfig,
	tr transport.IRPCServerTransport,
	ser serializer.IRPCSerializer,
	raft raftstore.RaftStoreRouter,
	guard storage.RegionGuard,
	factory router.ClientFactory,
) *Server {
	return &Server{
		cfg:       cfg,
		transport: tr,
		ser:       ser,
		raft:      raft,
		guard:     guard,
		factory:   factory,
	}
}

// Start brings up all subsystems and binds the listener. On any failure the
// already-started subsystems are torn down again.
func (s *Server) Start() error {
	if s.running {
		return errors.New("server: already started")
	}

	common.InitLoggers(s.cfg)
	Logger.Infof("starting store %d on %s", s.cfg.StoreID, s.cfg.Endpoint)

	snapMgr, err := raftstore.NewSnapManager(s.cfg.SnapDir)
	if err != nil {
		return errors.Wrap(err, "init snapshot manager")
	}

	resolver, err := router.NewResolver(&s.cfg)
	if err != nil {
		return errors.Wrap(err, "init store resolver")
	}
	s.resolver = resolver

	s.router = router.NewRouter(common.PeerConfigFrom(&s.cfg), resolver, s.raft, snapMgr, s.factory, s.ser)
	s.router.Start()

	s.store = storage.NewStorage(s.guard, s.cfg.SchedConcurrency)
	s.cop = coprocessor.NewHost(s.cfg.EndPointConcurrency)

	s.service = NewService(s.store, s.cop, s.router, s.raft, s.ser)
	s.transport.RegisterHandler(s.service)

	if err := s.transport.Listen(s.cfg); err != nil {
		s.teardown()
		return errors.Wrap(err, "bind listener")
	}

	if len(s.cfg.ResolverEndpoints) > 0 {
		addr := s.cfg.AdvertiseAddr
		if addr == "" {
			addr = s.transport.Addr()
		}
		timeout := time.Duration(s.cfg.TimeoutSecond) * time.Second
		if err := router.PublishAddr(s.cfg.ResolverEndpoints, s.cfg.StoreID, addr, timeout); err != nil {
			_ = s.transport.Close()
			s.teardown()
			return errors.Wrap(err, "publish store address")
		}
		Logger.Infof("published store %d at %s", s.cfg.StoreID, addr)
	}

	s.running = true
	return nil
}

// Addr returns the bound listen address, usable once Start returned.
func (s *Server) Addr() string {
	return s.transport.Addr()
}

// Router exposes the peer router so the consensus layer can send outbound
// messages and snapshots through it.
func (s *Server) Router() *router.Router {
	return s.router
}

// Coprocessor exposes the executor registry for request-type registration.
func (s *Server) Coprocessor() *coprocessor.Host {
	return s.cop
}

// Stop shuts the server down. Peer traffic stops first so no new work
// arrives while the workers drain, the listener closes last.
func (s *Server) Stop() error {
	if !s.running {
		return nil
	}
	s.running = false

	Logger.Infof("stopping store %d", s.cfg.StoreID)
	s.teardown()
	return errors.Wrap(s.transport.Close(), "close listener")
}

func (s *Server) teardown() {
	if s.router != nil {
		s.router.Stop()
	}
	if s.resolver != nil {
		s.resolver.Stop()
	}
	if s.store != nil {
		s.store.Close()
	}
	if s.cop != nil {
		s.cop.Close()
	}
}
