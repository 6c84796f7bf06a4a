// Package gateway is the front door of procmesh: it owns the service
// registry and the supervisor, listens for COM_REQUEST frames and routes each
// one to a core operation or to an instance of the destination service.
package gateway

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"procmesh/config"
	"procmesh/envelope"
	"procmesh/errors"
	"procmesh/kvstore"
	"procmesh/listener"
	"procmesh/message"
	"procmesh/metric"
	"procmesh/middleware"
	"procmesh/registry"
	"procmesh/supervisor"
)

// CoreName is the destination that addresses the gateway itself.
const CoreName = "serviceCore"

// Version is reported at startup.
var Version = "0.1.0"

// Gateway routes client requests to service instances.
type Gateway struct {
	settings  *config.Settings
	name      string
	logger    *zap.Logger
	metrics   *metric.Metrics
	publisher registry.Publisher
	store     *kvstore.Store
	onKill    func()

	reg *registry.Registry
	sup *supervisor.Supervisor

	coreMu sync.RWMutex
	core   map[string]CoreOperation

	l      *listener.Listener
	conID  atomic.Uint64
	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

type Option func(*Gateway)

func WithLogger(logger *zap.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

func WithMetrics(m *metric.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithPublisher publishes ready instances to etcd (or any Publisher).
func WithPublisher(p registry.Publisher) Option {
	return func(g *Gateway) { g.publisher = p }
}

// WithStore backs the databaseOperation core operation.
func WithStore(s *kvstore.Store) Option {
	return func(g *Gateway) { g.store = s }
}

// WithName sets the destination the gateway answers to itself.
func WithName(name string) Option {
	return func(g *Gateway) {
		if name != "" {
			g.name = name
		}
	}
}

// WithKillHook sets what a KILL frame triggers.
func WithKillHook(fn func()) Option {
	return func(g *Gateway) { g.onKill = fn }
}

func New(settings *config.Settings, opts ...Option) *Gateway {
	g := &Gateway{
		settings: settings,
		name:     CoreName,
		logger:   zap.NewNop(),
		reg:      registry.New(),
		core:     make(map[string]CoreOperation),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.ctx, g.cancel = context.WithCancel(context.Background())

	supOpts := []supervisor.Option{
		supervisor.WithLogger(g.logger.Named("supervisor")),
		supervisor.WithMetrics(g.metrics),
	}
	if g.publisher != nil {
		supOpts = append(supOpts, supervisor.WithPublisher(g.publisher))
	}
	g.sup = supervisor.New(settings, g.reg, supOpts...)

	for name, op := range builtinOperations(g) {
		g.core[name] = op
	}
	return g
}

// Registry is the gateway's service registry.
func (g *Gateway) Registry() *registry.Registry { return g.reg }

// Supervisor is the gateway's process supervisor.
func (g *Gateway) Supervisor() *supervisor.Supervisor { return g.sup }

// Name is the destination the gateway answers to itself.
func (g *Gateway) Name() string { return g.name }

// DefineService declares a service. name must be set and operations must be
// an executable file; options default to roundRobin with one instance.
func (g *Gateway) DefineService(name, operations string, opts registry.Options) error {
	if name == "" {
		return errors.Wrap(errors.KindConfig, errors.ErrInvalidConfig, "gateway", "DefineService", "service name is required")
	}
	if name == g.name {
		return errors.Wrap(errors.KindConfig, errors.ErrInvalidConfig, "gateway", "DefineService", name+" is reserved")
	}
	fi, err := os.Stat(operations)
	if err != nil {
		return errors.Wrap(errors.KindConfig, errors.ErrInvalidConfig, "gateway", "DefineService", err.Error())
	}
	if !fi.Mode().IsRegular() || fi.Mode().Perm()&0o111 == 0 {
		return errors.Wrap(errors.KindConfig, errors.ErrInvalidConfig, "gateway", "DefineService",
			fmt.Sprintf("%s is not an executable file", operations))
	}
	if opts.LoadBalancing == "" {
		opts.LoadBalancing = registry.RoundRobin
	}
	if opts.Instances < 1 {
		opts.Instances = 1
	}
	if opts.RunOnStart == nil {
		opts.RunOnStart = []string{}
	}
	return g.reg.Define(registry.Descriptor{Name: name, OperationsPath: operations, Options: opts})
}

// DefineServices declares every service listed in the settings.
func (g *Gateway) DefineServices() error {
	for _, sc := range g.settings.Services {
		err := g.DefineService(sc.Name, sc.Operations, registry.Options{
			LoadBalancing: sc.LoadBalancing,
			Instances:     sc.Instances,
			RunOnStart:    sc.RunOnStart,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Addr is the bound gateway address, nil before Start.
func (g *Gateway) Addr() net.Addr {
	if g.l == nil {
		return nil
	}
	return g.l.BoundAddr()
}

// Start binds the gateway port, starts every declared service and runs the
// configured runOnStart core operations. ctx bounds the startup only; the
// workers keep running until Shutdown. Failing to bind is fatal and returned
// as is. In client mode nothing is started.
func (g *Gateway) Start(ctx context.Context) error {
	if g.settings.Mode == config.ModeClient {
		g.logger.Info("procmesh running in client mode", zap.String("version", Version))
		return nil
	}

	l := listener.New(g.settings.APIGatewayHost, g.settings.APIGatewayPort,
		listener.WithLogger(g.logger.Named("listener")),
		listener.WithMetrics(g.metrics))

	chain := []listener.HandlerFunc{
		middleware.Recover(g.logger, func(msg *listener.Message, v any) {
			g.replyError(msg, envelope.CommandError("Request error handling", fmt.Errorf("panic: %v", v), original(msg.Data)))
		}),
		middleware.Logging(g.logger),
	}
	if rl := g.settings.RateLimit; rl.RPS > 0 {
		chain = append(chain, middleware.RateLimit(rl.RPS, rl.Burst, func(msg *listener.Message, data any) {
			g.metrics.Request(metric.OutcomeRateLimited)
			g.replyError(msg, envelope.RateLimited(original(msg.Data)))
		}))
	}
	chain = append(chain, g.dispatch)
	l.On(message.SubjectRequest, chain...)
	l.On(message.SubjectClose, func(msg *listener.Message, data any) {
		if c := msg.Conn(); c != nil {
			c.Close()
		}
	})
	l.On(message.SubjectKill, func(msg *listener.Message, data any) {
		g.logger.Info("kill requested")
		if g.onKill != nil {
			go g.onKill()
		}
	})

	if err := l.Bind(); err != nil {
		l.Close()
		g.logger.Error("gateway port unavailable", zap.String("addr", l.Addr()), zap.Error(err))
		return err
	}
	g.l = l
	g.logger.Info("gateway listening",
		zap.String("addr", l.BoundAddr().String()),
		zap.String("version", Version))

	if err := g.sup.StartServices(ctx); err != nil {
		return err
	}
	g.logger.Info("services started", zap.Strings("services", g.reg.Names()))

	for _, name := range g.settings.RunOnStart {
		op, ok := g.operation(name)
		if !ok {
			g.logger.Warn("runOnStart core operation unknown", zap.String("funcName", name))
			continue
		}
		if _, err := op(ctx, &Request{Name: name}); err != nil {
			g.logger.Error("runOnStart core operation failed", zap.String("funcName", name), zap.Error(err))
		}
	}
	return nil
}

// Shutdown stops accepting requests, then stops every worker.
func (g *Gateway) Shutdown(ctx context.Context) error {
	if !g.closed.CompareAndSwap(false, true) {
		return nil
	}
	g.cancel()
	if g.l != nil {
		g.l.Close()
	}
	return g.sup.Shutdown(ctx)
}
