// Package worker is the runtime of a service worker process.
//
// A worker is started by the gateway's supervisor with the spawn contract in
// its environment (see Env). It binds its own Listener on the assigned port,
// serves SERVICE_REQUEST frames by data.funcName from its operations table,
// and answers every request with a response envelope. It exits on KILL or
// when its parent process goes away.
//
//	func main() {
//		worker.Main(func(w *worker.Worker) error {
//			return w.Register(&Users{})
//		})
//	}
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"procmesh/client"
	"procmesh/envelope"
	"procmesh/listener"
	"procmesh/logging"
	"procmesh/message"
	"procmesh/middleware"
	"procmesh/registry"
)

// DefaultParentCheckInterval is how often the worker checks that the
// process that spawned it is still alive.
const DefaultParentCheckInterval = 500 * time.Millisecond

// Worker serves one instance of a service.
type Worker struct {
	env    Env
	logger *zap.Logger

	mu  sync.RWMutex
	ops map[string]Operation

	parentCheck time.Duration

	gatewayOnce sync.Once
	gateway     *client.Client

	etcdMu sync.Mutex
	etcd   *registry.EtcdPublisher

	kill     chan struct{}
	killOnce sync.Once
	bound    chan string
}

type Option func(*Worker)

func WithLogger(logger *zap.Logger) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithParentCheckInterval sets the parent liveness poll interval. Zero
// disables the check.
func WithParentCheckInterval(d time.Duration) Option {
	return func(w *Worker) { w.parentCheck = d }
}

func New(env Env, opts ...Option) *Worker {
	w := &Worker{
		env:         env,
		logger:      zap.NewNop(),
		ops:         make(map[string]Operation),
		parentCheck: DefaultParentCheckInterval,
		kill:        make(chan struct{}),
		bound:       make(chan string, 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With(
		zap.String("service", env.Name),
		zap.String("processId", env.ProcessID),
		zap.Int("port", env.Port))
	return w
}

// Env returns the spawn contract the worker was started with.
func (w *Worker) Env() Env {
	return w.env
}

// Handle registers op under name, replacing any previous one.
func (w *Worker) Handle(name string, op Operation) {
	w.mu.Lock()
	w.ops[name] = op
	w.mu.Unlock()
}

// Register adds every operation method of rcvr (see scanMethods).
func (w *Worker) Register(rcvr any) error {
	ops, err := scanMethods(rcvr)
	if err != nil {
		return err
	}
	for name, op := range ops {
		w.Handle(name, op)
	}
	return nil
}

func (w *Worker) operation(name string) (Operation, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	op, ok := w.ops[name]
	return op, ok
}

func (w *Worker) host() string {
	if w.env.Settings != nil && w.env.Settings.APIGatewayHost != "" {
		return w.env.Settings.APIGatewayHost
	}
	return "127.0.0.1"
}

// Bound receives the listener address once the worker is serving and its
// runOnStart operations have finished.
func (w *Worker) Bound() <-chan string {
	return w.bound
}

// Run serves until ctx is done, a KILL frame arrives or the parent process
// disappears. A bind failure is returned at once: the supervisor restarts the
// worker on a new port.
func (w *Worker) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	l := listener.New(w.host(), w.env.Port, listener.WithLogger(w.logger))
	l.OnError(func(err error) {
		w.logger.Error("listener error", zap.Error(err))
	})
	l.On(message.SubjectServiceRequest,
		middleware.Recover(w.logger, func(msg *listener.Message, v any) {
			msg.Reply(envelope.CommandError("Service operation", fmt.Errorf("panic: %v", v), nil))
		}),
		middleware.Logging(w.logger),
		w.serve(ctx),
	)
	l.On(message.SubjectClose, func(msg *listener.Message, data any) {
		msg.Conn().Close()
	})
	l.On(message.SubjectKill, func(msg *listener.Message, data any) {
		w.logger.Info("kill requested")
		w.Kill()
	})

	if err := l.Bind(); err != nil {
		return err
	}
	defer l.Close()
	w.logger.Info("worker listening", zap.String("addr", l.BoundAddr().String()))

	w.runOnStart(ctx)
	w.bound <- l.BoundAddr().String()

	var parentGone <-chan time.Time
	if w.parentCheck > 0 && w.env.ParentPID > 0 {
		ticker := time.NewTicker(w.parentCheck)
		defer ticker.Stop()
		parentGone = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.kill:
			return nil
		case <-parentGone:
			if os.Getppid() != w.env.ParentPID {
				w.logger.Info("parent process is gone, exiting", zap.Int("parentPid", w.env.ParentPID))
				return nil
			}
		}
	}
}

// Kill stops Run.
func (w *Worker) Kill() {
	w.killOnce.Do(func() { close(w.kill) })
}

// serve runs the requested operation on its own goroutine so the
// connection keeps reading while it works.
func (w *Worker) serve(ctx context.Context) listener.HandlerFunc {
	return func(msg *listener.Message, data any) {
		cmd, ok := envelope.ParseCommand(msg.Data)
		if !ok {
			msg.Reply(envelope.NoDataReceived(nil))
			return
		}
		name := cmd.FuncName()
		op, ok := w.operation(name)
		if !ok {
			w.logger.Warn("function unknown", zap.String("funcName", name))
			msg.Reply(envelope.FunctionUnknown(cmd))
			return
		}

		go func() {
			defer func() {
				if v := recover(); v != nil {
					w.logger.Error("operation panicked", zap.String("funcName", name), zap.Any("panic", v))
					msg.Reply(envelope.CommandError("Service operation", fmt.Errorf("panic: %v", v), cmd))
				}
			}()
			res, err := op(ctx, cmd.Data)
			if err != nil {
				msg.Reply(envelope.CommandError("Service operation", err, cmd))
				return
			}
			msg.Reply(envelope.Success(res))
		}()
	}
}

func (w *Worker) runOnStart(ctx context.Context) {
	for _, name := range w.env.Options.RunOnStart {
		op, ok := w.operation(name)
		if !ok {
			w.logger.Warn("runOnStart operation unknown", zap.String("funcName", name))
			continue
		}
		args, _ := json.Marshal(map[string]string{"funcName": name})
		if _, err := op(ctx, args); err != nil {
			w.logger.Error("runOnStart operation failed", zap.String("funcName", name), zap.Error(err))
		}
	}
}

// Call invokes funcName on another service through the gateway.
func (w *Worker) Call(ctx context.Context, destination, funcName string, args, reply any) error {
	w.gatewayOnce.Do(func() {
		s := w.env.Settings
		addr := net.JoinHostPort(s.APIGatewayHost, strconv.Itoa(s.APIGatewayPort))
		w.gateway = client.New(addr, client.WithLogger(w.logger))
	})
	return w.gateway.Call(ctx, destination, funcName, args, reply)
}

// Sibling lists the published instances of service straight from etcd,
// bypassing the gateway. It needs etcd endpoints in the settings.
func (w *Worker) Sibling(ctx context.Context, service string) ([]registry.Record, error) {
	if _, ok := w.env.Directory[service]; !ok {
		return nil, fmt.Errorf("worker: service %q is not in the directory", service)
	}
	w.etcdMu.Lock()
	if w.etcd == nil {
		s := w.env.Settings
		if s == nil || len(s.Etcd.Endpoints) == 0 {
			w.etcdMu.Unlock()
			return nil, fmt.Errorf("worker: no etcd endpoints configured")
		}
		pub, err := registry.NewEtcdPublisher(s.Etcd.Endpoints, w.logger)
		if err != nil {
			w.etcdMu.Unlock()
			return nil, err
		}
		w.etcd = pub
	}
	pub := w.etcd
	w.etcdMu.Unlock()
	return pub.Discover(ctx, service)
}

// Close releases the gateway and etcd connections.
func (w *Worker) Close() error {
	if w.gateway != nil {
		w.gateway.Close()
	}
	w.etcdMu.Lock()
	defer w.etcdMu.Unlock()
	if w.etcd != nil {
		return w.etcd.Close()
	}
	return nil
}

// Main runs a worker process: it decodes the spawn contract, lets setup
// register operations, serves, and exits. Logs go to stdout.
func Main(setup func(w *Worker) error) {
	env, err := FromEnviron(os.LookupEnv)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := logging.New(logging.Options{Verbose: env.Verbose, Stdout: true})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer logger.Sync()

	w := New(env, WithLogger(logger))
	if err := setup(w); err != nil {
		logger.Error("worker setup failed", zap.Error(err))
		os.Exit(1)
	}
	defer w.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := w.Run(ctx); err != nil {
		logger.Error("worker stopped", zap.Error(err))
		os.Exit(1)
	}
}
