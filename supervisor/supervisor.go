// Package supervisor runs the worker processes behind every declared service.
//
// Each instance goes through
//
//	PortAllocating → Spawning → Running → Exited
//
// and from Exited back to PortAllocating after the restart timeout, unless its
// port was marked intentionally released, in which case the instance is gone
// for good. A running instance becomes ready once a Reconnector has reached
// the worker's own listener; only then is it given requests.
package supervisor

import (
	"context"
	"math/rand/v2"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"procmesh/config"
	"procmesh/errors"
	"procmesh/message"
	"procmesh/metric"
	"procmesh/registry"
	"procmesh/speaker"
	"procmesh/worker"
)

const (
	// portRetryDelay separates two allocation attempts after a conflict.
	portRetryDelay = 50 * time.Millisecond
	// readinessPollInterval is the readiness poll period.
	readinessPollInterval = 10 * time.Millisecond
	// stopGrace is how long a stopping worker gets before it is killed.
	stopGrace = 5 * time.Second
)

// ReadyFunc is called once per InitService: with nil when the first
// instance process is reachable, or with the error that stopped it from
// ever getting there.
type ReadyFunc func(err error)

// Supervisor spawns and restarts worker processes and keeps the registry in
// step with them.
type Supervisor struct {
	settings  *config.Settings
	reg       *registry.Registry
	logger    *zap.Logger
	metrics   *metric.Metrics
	publisher registry.Publisher
	env       []string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Supervisor)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(m *metric.Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// WithPublisher mirrors ready instances to p.
func WithPublisher(p registry.Publisher) Option {
	return func(s *Supervisor) { s.publisher = p }
}

// WithEnv adds KEY=VALUE pairs to every worker's environment.
func WithEnv(env ...string) Option {
	return func(s *Supervisor) { s.env = append(s.env, env...) }
}

func New(settings *config.Settings, reg *registry.Registry, opts ...Option) *Supervisor {
	s := &Supervisor{
		settings: settings,
		reg:      reg,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

func (s *Supervisor) addr(port int) string {
	return registry.Addr(s.settings.APIGatewayHost, port)
}

// InitService starts one instance of name and keeps it running until
// Shutdown is called or the instance is stopped on purpose. onReady may be
// nil.
func (s *Supervisor) InitService(name string, onReady ReadyFunc) {
	var once sync.Once
	ready := func(err error) {
		once.Do(func() {
			if onReady != nil {
				onReady(err)
			}
		})
	}

	desc, ok := s.reg.Descriptor(name)
	if !ok {
		ready(errors.Wrap(errors.KindRouting, errors.ErrUnknownService, "supervisor", "InitService", name))
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(s.ctx, desc, uuid.NewString(), ready)
	}()
}

// run is the lifecycle loop of one instance. The processId stays the same
// across restarts; the port is allocated anew each time.
func (s *Supervisor) run(ctx context.Context, desc registry.Descriptor, processID string, ready ReadyFunc) {
	logger := s.logger.With(zap.String("service", desc.Name), zap.String("processId", processID))
	for {
		port, err := s.allocate(ctx, desc.Name, processID, logger)
		if err != nil {
			ready(err)
			return
		}

		released := s.spawn(ctx, desc, processID, port, ready, logger.With(zap.Int("port", port)))
		if released {
			logger.Info("instance released, not restarting", zap.Int("port", port))
			ready(errors.Wrap(errors.KindProcess, errors.ErrProcessExited, "supervisor", "run", "released before ready"))
			return
		}

		select {
		case <-ctx.Done():
			ready(ctx.Err())
			return
		case <-time.After(s.settings.RestartTimeout):
		}
		s.metrics.Restart(desc.Name)
		logger.Info("restarting instance")
	}
}

// allocate finds a free port and claims it in the registry. A port that is
// already held by another instance is retried after a short delay, never
// reported.
func (s *Supervisor) allocate(ctx context.Context, name, processID string, logger *zap.Logger) (int, error) {
	for {
		port, err := FindFreePort(s.settings.APIGatewayHost, s.settings.PortRangeStart, s.settings.PortRangeFinish)
		if err == nil {
			if err = s.reg.AddInstance(name, port, processID); err == nil {
				s.metrics.SetInstances(name, len(s.reg.Instances(name)))
				return port, nil
			}
		}
		if errors.IsPortConflict(err) {
			s.metrics.PortConflict()
			logger.Debug("port already claimed, retrying", zap.Int("port", port))
		} else {
			logger.Warn("port allocation failed, retrying", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(portRetryDelay):
		}
	}
}

// spawn starts the worker on port and blocks until it exits. It reports
// whether the port had been released on purpose.
func (s *Supervisor) spawn(ctx context.Context, desc registry.Descriptor, processID string, port int, ready ReadyFunc, logger *zap.Logger) bool {
	env := worker.Env{
		ParentPID:  os.Getpid(),
		Verbose:    s.settings.Verbose,
		Name:       desc.Name,
		ProcessID:  processID,
		Port:       port,
		Operations: desc.OperationsPath,
		Settings:   s.settings,
		Options:    desc.Options,
		Directory:  s.reg.Directory(),
	}
	environ, err := env.Environ()
	if err != nil {
		s.exited(desc.Name, port, processID, err, logger)
		return s.reg.ConsumeReleased(port)
	}

	cmd := exec.CommandContext(ctx, desc.OperationsPath)
	cmd.Env = append(append(os.Environ(), s.env...), environ...)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = stopGrace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.exited(desc.Name, port, processID, err, logger)
		return s.reg.ConsumeReleased(port)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.exited(desc.Name, port, processID, err, logger)
		return s.reg.ConsumeReleased(port)
	}

	s.reg.Update(desc.Name, port, func(inst *registry.Instance) { inst.LastError = nil })
	s.reg.RecordExit(desc.Name, nil)
	if err := cmd.Start(); err != nil {
		logger.Error("unable to spawn worker", zap.Error(err))
		s.exited(desc.Name, port, processID, errors.Wrap(errors.KindProcess, err, "supervisor", "spawn", desc.OperationsPath), logger)
		return s.reg.ConsumeReleased(port)
	}
	s.reg.SetProcess(desc.Name, port, cmd.Process)
	logger.Info("worker spawned", zap.Int("pid", cmd.Process.Pid))

	var sawStderr atomic.Bool
	var streams sync.WaitGroup
	streams.Add(2)
	go func() {
		defer streams.Done()
		pipeToLog(stdout, streamStdout, s.settings.MaxBufferBytes(), logger, &sawStderr)
	}()
	go func() {
		defer streams.Done()
		pipeToLog(stderr, streamStderr, s.settings.MaxBufferBytes(), logger, &sawStderr)
	}()

	readyCtx, stopReady := context.WithCancel(ctx)
	readiness := make(chan struct{})
	go func() {
		defer close(readiness)
		s.awaitReady(readyCtx, desc.Name, processID, port, ready, logger)
	}()

	streams.Wait()
	waitErr := cmd.Wait()
	stopReady()
	<-readiness

	if waitErr != nil && ctx.Err() != nil && cmd.ProcessState != nil && cmd.ProcessState.Success() {
		// Stopped by us and exited cleanly.
		waitErr = nil
	}

	var exitErr error
	switch {
	case waitErr != nil:
		exitErr = errors.Wrap(errors.KindProcess, waitErr, "supervisor", "spawn", "worker exited")
	case sawStderr.Load():
		exitErr = errors.Wrap(errors.KindProcess, errors.ErrProcessExited, "supervisor", "spawn", "worker wrote to stderr")
	}
	s.exited(desc.Name, port, processID, exitErr, logger)
	return s.reg.ConsumeReleased(port)
}

// exited removes the instance, frees its port and records how it ended.
func (s *Supervisor) exited(name string, port int, processID string, exitErr error, logger *zap.Logger) {
	inst, ok := s.reg.RemoveInstance(name, port)
	if ok && inst.Socket != nil {
		inst.Socket.Close()
	}
	if s.publisher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.settings.ConnectionTimeout)
		if err := s.publisher.Deregister(ctx, name, processID); err != nil {
			logger.Warn("unable to withdraw published instance", zap.Error(err))
		}
		cancel()
	}
	s.reg.RecordExit(name, exitErr)
	s.metrics.SetInstances(name, len(s.reg.Instances(name)))

	if exitErr != nil {
		s.metrics.ProcessError(name)
		logger.Warn("worker process has exited", zap.Error(exitErr))
		return
	}
	logger.Info("worker process has exited")
}

// awaitReady polls a Reconnector's socket map every readinessPollInterval.
// When the attempt budget runs out the instance is flagged with
// ErrReadinessTimeout and polling resumes after the connection timeout; it
// ends once the worker is reachable or ctx is done.
func (s *Supervisor) awaitReady(ctx context.Context, name, processID string, port int, ready ReadyFunc, logger *zap.Logger) {
	addr := s.addr(port)
	for {
		timeout := s.settings.MicroServiceConnectionTimeout
		r := speaker.NewReconnector([]string{addr},
			speaker.WithInterval(readinessPollInterval),
			speaker.WithDialTimeout(timeout),
			speaker.WithReconnectLogger(logger),
			speaker.WithSpeakerOptions(
				speaker.WithLogger(logger),
				speaker.WithHeartbeat(timeout, timeout)))

		if s.poll(ctx, r) {
			if !s.reg.SetSocket(name, port, r) {
				r.Close()
				return
			}
			s.publish(name, processID, addr, logger)
			logger.Info("service core successfully connected to worker")
			ready(nil)
			return
		}
		r.Close()
		if ctx.Err() != nil {
			return
		}

		s.reg.SetInstanceError(name, port, errors.Wrap(errors.KindConnection, errors.ErrReadinessTimeout, "supervisor", "awaitReady", addr))
		s.metrics.ReadinessTimeout(name)
		logger.Warn("socket initialization timeout, retrying", zap.Duration("after", s.settings.ConnectionTimeout))

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.settings.ConnectionTimeout):
		}
	}
}

// poll reports whether r connected within the attempt budget.
func (s *Supervisor) poll(ctx context.Context, r *speaker.Reconnector) bool {
	ticker := time.NewTicker(readinessPollInterval)
	defer ticker.Stop()
	for attempts := 0; attempts <= s.settings.MicroServiceConnectionAttempts; attempts++ {
		if r.Ready() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
	return r.Ready()
}

func (s *Supervisor) publish(name, processID, addr string, logger *zap.Logger) {
	if s.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.settings.ConnectionTimeout)
	defer cancel()
	rec := registry.Record{Service: name, ProcessID: processID, Addr: addr}
	if err := s.publisher.Register(ctx, rec, s.settings.Etcd.TTL); err != nil {
		logger.Warn("unable to publish instance", zap.Error(err))
	}
}

// StartServices starts the declared instance count of every service, in
// random order, and waits until all of them are ready. It returns the first
// failure. ctx bounds the wait only; the instances live until Shutdown.
func (s *Supervisor) StartServices(ctx context.Context) error {
	var names []string
	for _, name := range s.reg.Names() {
		desc, _ := s.reg.Descriptor(name)
		n := desc.Options.Instances
		if n < 1 {
			n = 1
		}
		for i := 0; i < n; i++ {
			names = append(names, name)
		}
	}
	return s.start(ctx, names)
}

// StartInstances starts n more instances of name and waits for them.
func (s *Supervisor) StartInstances(ctx context.Context, name string, n int) error {
	if !s.reg.Has(name) {
		return errors.Wrap(errors.KindRouting, errors.ErrUnknownService, "supervisor", "StartInstances", name)
	}
	names := make([]string, n)
	for i := range names {
		names[i] = name
	}
	return s.start(ctx, names)
}

func (s *Supervisor) start(ctx context.Context, names []string) error {
	rand.Shuffle(len(names), func(i, j int) { names[i], names[j] = names[j], names[i] })

	results := make(chan error, len(names))
	for _, name := range names {
		s.InitService(name, func(err error) { results <- err })
	}

	var first error
	for range names {
		select {
		case err := <-results:
			if err != nil && first == nil {
				first = err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return first
}

// StopInstance stops the instance of name on port for good: the port is
// marked released so the exit is not followed by a restart, then the worker
// is asked to exit (KILL frame, or SIGTERM if it cannot be reached). An
// instance with neither a socket nor a process yet is left alone and
// ErrStillSpawning is returned.
func (s *Supervisor) StopInstance(name string, port int) error {
	var target *registry.Instance
	for _, inst := range s.reg.Instances(name) {
		if inst.Port == port {
			inst := inst
			target = &inst
			break
		}
	}
	if target == nil {
		return errors.Wrap(errors.KindRouting, errors.ErrNoInstances, "supervisor", "StopInstance", name+" port "+strconv.Itoa(port))
	}

	r, connected := target.Socket.(*speaker.Reconnector)
	if !connected && target.Process == nil {
		return errors.Wrap(errors.KindProcess, errors.ErrStillSpawning, "supervisor", "StopInstance", name+" port "+strconv.Itoa(port))
	}

	s.reg.MarkReleased(port)
	if connected {
		if _, _, err := r.Send(message.SubjectKill, nil); err == nil {
			return nil
		}
	}
	if target.Process != nil {
		return target.Process.Signal(syscall.SIGTERM)
	}
	return nil
}

// Shutdown stops restarting, terminates every worker and waits for the
// lifecycle goroutines to finish or ctx to expire.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	for _, name := range s.reg.Names() {
		for _, inst := range s.reg.Instances(name) {
			s.reg.MarkReleased(inst.Port)
		}
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
