package node

import (
	"context"
	"net"
	"net/http"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"txstore/internal/certifier"
	"txstore/internal/clock"
	"txstore/internal/config"
	"txstore/internal/detector"
	"txstore/internal/membership"
	"txstore/internal/partition"
	"txstore/internal/rpc"
	"txstore/internal/storage"
	"txstore/internal/termination"
	"txstore/internal/transport"
	"txstore/internal/transport/local"
	"txstore/internal/transport/raftcast"
)

// ErrNoHub is returned for the local broadcast mode without WithHub.
var ErrNoHub = errors.New("node: local broadcast needs an in-process hub")

type options struct {
	hub          *local.Hub
	grpcListener net.Listener
	httpListener net.Listener
}

// Option customises a Replica.
type Option func(*options)

// WithHub attaches the replica to an in-process hub. Required in the local
// broadcast mode.
func WithHub(h *local.Hub) Option {
	return func(o *options) { o.hub = h }
}

// WithGRPCListener serves the replica service on l instead of
// replica.listen.
func WithGRPCListener(l net.Listener) Option {
	return func(o *options) { o.grpcListener = l }
}

// WithHTTPListener serves the HTTP API on l instead of http.listen.
func WithHTTPListener(l net.Listener) Option {
	return func(o *options) { o.httpListener = l }
}

// Replica represents a single replica in the distributed system.
type Replica struct {
	id     string
	cfg    *config.Config
	opts   options
	logger *zap.Logger

	view     membership.View
	zk       *membership.ZKView
	detector *detector.Detector
	part     *partition.Partitioner
	clocks   *clock.Clocks
	store    *storage.Store
	coord    *termination.Coordinator

	reader  transport.Reader
	clients *rpc.ClientManager
	bcast   *raftcast.Broadcaster

	grpcServer *grpc.Server
	httpServer *http.Server

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewReplica builds a replica from cfg. Nothing listens until Start.
func NewReplica(cfg *config.Config, logger *zap.Logger, opts ...Option) (*Replica, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Replica{
		id:     cfg.Replica.ID,
		cfg:    cfg,
		logger: logger.With(zap.String("replica", cfg.Replica.ID)),
	}
	for _, opt := range opts {
		opt(&r.opts)
	}

	static, err := membership.NewStatic(cfg.Replica.ID, cfg.Roster())
	if err != nil {
		return nil, errors.Wrap(err, "membership")
	}
	r.view = static
	switch {
	case cfg.Membership.Mode == config.MembershipZooKeeper:
		r.zk, err = membership.DialZK(cfg.Membership.ZKServers, cfg.Membership.ZKRoot, static, logger)
		if err != nil {
			return nil, err
		}
		r.view = r.zk
	case cfg.Broadcast.Mode == config.BroadcastRaft:
		// peers are probed over the replica service
		r.detector = detector.New(static, detector.Options{
			ProbeInterval:  cfg.Membership.ProbeInterval,
			SuspectTimeout: cfg.Membership.SuspectTimeout,
			Logger:         r.logger.Named("detector"),
		})
		r.view = r.detector
	}

	r.part = partition.New(r.view)
	for _, ks := range cfg.Keyspaces {
		dist, err := partition.ParseDistribution(ks.Distribution)
		if err != nil {
			return nil, err
		}
		if err := r.part.Assign(ks.Template, dist); err != nil {
			return nil, errors.Wrapf(err, "keyspace %q", ks.Template)
		}
	}

	r.clocks = clock.NewClocks(r.view.MyGroups(), r.part)
	var init storage.Initializer = storage.MissingInitializer{Locality: r.part}
	if cfg.Store.LazyInit {
		init = storage.LazyInitializer{Locality: r.part}
	}
	r.store = storage.NewStore(r.clocks, storage.Options{
		Initializer:          init,
		MaxVisibilityRetries: cfg.Store.MaxVisibilityRetries,
		RetryWait:            cfg.Store.RetryWait,
		Logger:               r.logger.Named("store"),
	})
	cert := certifier.New(r.store, r.part, certifier.Options{
		VoteReadSet: cfg.Termination.VoteReadSet,
		Logger:      r.logger.Named("certifier"),
	})
	r.coord = termination.New(termination.Deps{
		View:      r.view,
		Resolver:  r.part,
		Clocks:    r.clocks,
		Store:     r.store,
		Certifier: cert,
	}, termination.Options{
		VoteReadSet:        cfg.Termination.VoteReadSet,
		VoteTimeout:        cfg.Termination.VoteTimeout,
		CertifyTimeout:     cfg.Termination.CertifyTimeout,
		SendTimeout:        cfg.Termination.SendTimeout,
		TerminatedCapacity: cfg.Termination.TerminatedCapacity,
		Logger:             logger,
	})

	if err := r.wireTransport(); err != nil {
		r.closeZK()
		return nil, err
	}
	return r, nil
}

func (r *Replica) wireTransport() error {
	switch r.cfg.Broadcast.Mode {
	case config.BroadcastLocal:
		if r.opts.hub == nil {
			return ErrNoHub
		}
		ep := r.opts.hub.Register(r.id, r.coord, r)
		r.coord.SetTransport(ep, ep)
		r.reader = ep
	case config.BroadcastRaft:
		r.clients = rpc.NewClientManager(r.cfg.PeerAddrs())
		bc := raftcast.DefaultConfig()
		bc.TickInterval = r.cfg.Broadcast.TickInterval
		bc.ElectionTick = r.cfg.Broadcast.ElectionTick
		bc.HeartbeatTick = r.cfg.Broadcast.HeartbeatTick
		if r.cfg.Broadcast.RetryInterval > 0 {
			bc.RetryInterval = r.cfg.Broadcast.RetryInterval
		}
		bc.SendTimeout = r.cfg.Termination.SendTimeout
		bcast, err := raftcast.New(bc, r.view, r.coord, r.clients, r.logger.Named("raftcast"))
		if err != nil {
			return err
		}
		r.bcast = bcast
		r.coord.SetTransport(bcast, r.clients)
		r.reader = r.clients
	}
	return nil
}

// Start loads persisted state and starts the servers and the broadcaster.
// It returns once everything is listening.
func (r *Replica) Start(ctx context.Context) error {
	if r.cfg.Persistence.Enabled {
		if err := r.store.LoadSnapshot(r.cfg.Persistence.Path); err != nil {
			return errors.Wrap(err, "load snapshot")
		}
		r.logger.Info("snapshot loaded",
			zap.String("path", r.cfg.Persistence.Path),
			zap.Int("keys", r.store.Len()),
			zap.Any("last", r.clocks.Last()))
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	if r.zk != nil {
		if err := r.zk.Register(r.cfg.Membership.SessionTimeout); err != nil {
			cancel()
			return errors.Wrap(err, "register in zookeeper")
		}
		r.goRun(func() { r.zk.Watch(runCtx) })
	}

	if r.bcast != nil || r.opts.grpcListener != nil {
		if err := r.startGRPC(); err != nil {
			cancel()
			return err
		}
	}
	if r.detector != nil {
		r.detector.Start(runCtx, r.clients.Ping)
	}
	if r.bcast != nil {
		r.goRun(func() {
			if err := r.bcast.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Error("broadcaster stopped", zap.Error(err))
			}
		})
	}
	if r.cfg.HTTP.Listen != "" || r.opts.httpListener != nil {
		if err := r.startHTTP(); err != nil {
			cancel()
			return err
		}
	}
	r.logger.Info("replica started", zap.Strings("groups", r.view.MyGroups()))
	return nil
}

func (r *Replica) goRun(fn func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn()
	}()
}

func (r *Replica) startGRPC() error {
	lis := r.opts.grpcListener
	if lis == nil {
		var err error
		lis, err = net.Listen("tcp", r.cfg.Replica.Listen)
		if err != nil {
			return errors.Wrapf(err, "failed to listen on %s", r.cfg.Replica.Listen)
		}
	}
	var stepper rpc.Stepper
	if r.bcast != nil {
		stepper = r.bcast
	}
	r.grpcServer = rpc.NewGRPCServer()
	rpc.RegisterReplicaServer(r.grpcServer, rpc.NewServer(r.id, r.coord, r, stepper, r.logger.Named("rpc")))
	r.logger.Info("serving replica rpc", zap.Stringer("addr", lis.Addr()))
	r.goRun(func() {
		if err := r.grpcServer.Serve(lis); err != nil {
			r.logger.Error("grpc server failed", zap.Error(err))
		}
	})
	return nil
}

func (r *Replica) startHTTP() error {
	lis := r.opts.httpListener
	if lis == nil {
		var err error
		lis, err = net.Listen("tcp", r.cfg.HTTP.Listen)
		if err != nil {
			return errors.Wrapf(err, "failed to listen on %s", r.cfg.HTTP.Listen)
		}
	}
	r.httpServer = &http.Server{
		Handler:           NewRouter(r),
		ReadHeaderTimeout: r.cfg.HTTP.ReadHeaderTimeout,
	}
	r.logger.Info("serving http api", zap.Stringer("addr", lis.Addr()))
	r.goRun(func() {
		if err := r.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", zap.Error(err))
		}
	})
	return nil
}

// Stop shuts the replica down and saves a snapshot when persistence is
// enabled. Undecided transactions are left to the vote timeout of the
// other replicas.
func (r *Replica) Stop() error {
	var err error
	r.stopOnce.Do(func() {
		r.logger.Info("stopping replica")
		if r.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), r.cfg.HTTP.ShutdownTimeout)
			if serr := r.httpServer.Shutdown(ctx); serr != nil {
				r.logger.Warn("http shutdown", zap.Error(serr))
			}
			cancel()
		}
		r.coord.Close()
		if r.bcast != nil {
			r.bcast.Stop()
		}
		if r.detector != nil {
			r.detector.Stop()
		}
		if r.grpcServer != nil {
			r.grpcServer.Stop()
		}
		if r.clients != nil {
			r.clients.Close()
		}
		if r.cancel != nil {
			r.cancel()
		}
		r.closeZK()
		r.wg.Wait()

		if r.cfg.Persistence.Enabled {
			if serr := r.store.SaveSnapshot(r.cfg.Persistence.Path); serr != nil {
				err = errors.Wrap(serr, "save snapshot")
				return
			}
			r.logger.Info("snapshot saved", zap.String("path", r.cfg.Persistence.Path))
		}
	})
	return err
}

func (r *Replica) closeZK() {
	if r.zk == nil {
		return
	}
	if err := r.zk.Close(); err != nil {
		r.logger.Warn("zookeeper close", zap.Error(err))
	}
}

// ID returns the replica ID.
func (r *Replica) ID() string { return r.id }

// View returns the membership view.
func (r *Replica) View() membership.View { return r.view }

// Partitioner returns the key partitioner.
func (r *Replica) Partitioner() *partition.Partitioner { return r.part }

// Store returns the local versioned store.
func (r *Replica) Store() *storage.Store { return r.store }

// Clocks returns the per-group sequence number sources.
func (r *Replica) Clocks() *clock.Clocks { return r.clocks }

// Coordinator returns the termination coordinator.
func (r *Replica) Coordinator() *termination.Coordinator { return r.coord }
