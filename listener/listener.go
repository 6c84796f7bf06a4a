// Package listener implements the server side of the procmesh wire protocol:
// it binds a TCP port, decodes frames from every accepted connection and
// dispatches them to per-subject handler chains.
//
// Request processing pipeline:
//
//	Accept conn → serveConn (one goroutine per connection reads frames in order)
//	  → codec.DecodeFrame → Message{chain, cursor} → Next(data) → handler[0] → ... → Reply
//
// Handlers run on the connection's reader goroutine. A handler that has to
// wait (for a worker reply, a retry timer) must hand the message to its own
// goroutine so later frames on the same connection are not held up.
package listener

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"procmesh/codec"
	"procmesh/errors"
	"procmesh/message"
	"procmesh/metric"
	"procmesh/protocol"
)

// HandlerFunc is one link of a subject's handler chain. data is the message
// payload for the first handler and whatever the previous handler passed to
// Next for the others.
type HandlerFunc func(msg *Message, data any)

// ErrorFunc is called when binding or accepting fails.
type ErrorFunc func(err error)

// DefaultRebindInterval is the minimum time between two rebind attempts made
// by the default error hook.
const DefaultRebindInterval = time.Second

// Listener is the server-side socket endpoint.
type Listener struct {
	host string
	port int

	mu       sync.RWMutex
	handlers map[string][]HandlerFunc
	onError  ErrorFunc

	codec   codec.Codec
	logger  *zap.Logger
	metrics *metric.Metrics
	rebind  *rate.Limiter

	lnMu   sync.Mutex
	ln     net.Listener
	conns  map[*Conn]struct{}
	closed atomic.Bool
	nextID atomic.Uint64
	done   chan struct{}
	wg     sync.WaitGroup
}

// Option configures a Listener.
type Option func(*Listener)

func WithLogger(logger *zap.Logger) Option {
	return func(l *Listener) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func WithCodec(c codec.Codec) Option {
	return func(l *Listener) { l.codec = c }
}

func WithMetrics(m *metric.Metrics) Option {
	return func(l *Listener) { l.metrics = m }
}

// WithRebindInterval sets the minimum interval between rebind attempts of
// the default error hook.
func WithRebindInterval(d time.Duration) Option {
	return func(l *Listener) { l.rebind = rate.NewLimiter(rate.Every(d), 1) }
}

// New creates a listener for host:port. Nothing is bound until Bind.
func New(host string, port int, opts ...Option) *Listener {
	l := &Listener{
		host:     host,
		port:     port,
		handlers: make(map[string][]HandlerFunc),
		codec:    codec.Default,
		logger:   zap.NewNop(),
		rebind:   rate.NewLimiter(rate.Every(DefaultRebindInterval), 1),
		conns:    make(map[*Conn]struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.onError = l.rebindOnError
	return l
}

// Addr is the configured host:port.
func (l *Listener) Addr() string {
	return net.JoinHostPort(l.host, strconv.Itoa(l.port))
}

// BoundAddr is the address actually bound, useful with port 0.
func (l *Listener) BoundAddr() net.Addr {
	l.lnMu.Lock()
	defer l.lnMu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// On registers the ordered handler chain for subject, replacing any previous
// chain.
func (l *Listener) On(subject string, handlers ...HandlerFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[subject] = append([]HandlerFunc(nil), handlers...)
}

// OnError replaces the hook called on bind and accept failures. The default
// hook rebinds, at most once per rebind interval.
func (l *Listener) OnError(fn ErrorFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onError = fn
}

func (l *Listener) errorHook() ErrorFunc {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.onError
}

func (l *Listener) chain(subject string) []HandlerFunc {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.handlers[subject]
}

// Bind opens the server socket and starts accepting. On failure the error
// hook is invoked and the error is returned.
func (l *Listener) Bind() error {
	if l.closed.Load() {
		return net.ErrClosed
	}
	ln, err := net.Listen("tcp", l.Addr())
	if err != nil {
		err = errors.Wrap(errors.KindTransport, err, "listener", "Bind", l.Addr())
		l.logger.Warn("listener bind failed", zap.String("addr", l.Addr()), zap.Error(err))
		if hook := l.errorHook(); hook != nil {
			hook(err)
		}
		return err
	}

	l.lnMu.Lock()
	l.ln = ln
	l.lnMu.Unlock()

	l.logger.Debug("listener bound", zap.String("addr", ln.Addr().String()))
	l.goFn(func() { l.acceptLoop(ln) })
	return nil
}

func (l *Listener) goFn(fn func()) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		fn()
	}()
}

// rebindOnError is the default error hook.
func (l *Listener) rebindOnError(err error) {
	if l.closed.Load() {
		return
	}
	l.goFn(func() {
		r := l.rebind.Reserve()
		select {
		case <-time.After(r.Delay()):
		case <-l.done:
			r.Cancel()
			return
		}
		if l.closed.Load() {
			return
		}
		l.logger.Info("listener rebinding", zap.String("addr", l.Addr()), zap.NamedError("cause", err))
		_ = l.Bind()
	})
}

func (l *Listener) acceptLoop(ln net.Listener) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			if l.closed.Load() {
				return
			}
			ln.Close()
			if hook := l.errorHook(); hook != nil {
				hook(errors.Wrap(errors.KindTransport, err, "listener", "Accept", l.Addr()))
			}
			return
		}
		conn := newConn(nc, l.nextID.Add(1), l.codec)
		l.lnMu.Lock()
		if l.closed.Load() {
			// Close has already swept l.conns.
			l.lnMu.Unlock()
			conn.Close()
			return
		}
		l.conns[conn] = struct{}{}
		l.lnMu.Unlock()
		l.goFn(func() { l.serveConn(conn) })
	}
}

// serveConn reads frames sequentially and dispatches each one before reading
// the next, so frames on one connection are handled in arrival order.
func (l *Listener) serveConn(conn *Conn) {
	defer func() {
		conn.Close()
		l.lnMu.Lock()
		delete(l.conns, conn)
		l.lnMu.Unlock()
	}()

	dec := protocol.NewDecoder(conn.nc)
	for {
		body, err := dec.Next()
		if err != nil {
			if errors.IsProtocol(err) {
				l.logger.Warn("dropping connection on unrecoverable frame",
					zap.Uint64("conn", conn.id), zap.Error(err))
				l.metrics.ProtocolError()
				return
			}
			if !l.closed.Load() && !conn.Closed() {
				l.dispatch(&Message{Subject: message.SubjectClose, conn: conn})
			}
			return
		}

		frame, err := codec.DecodeFrame(l.codec, body)
		if err != nil {
			// The length prefix already consumed the bad document; keep reading.
			l.logger.Warn("malformed frame", zap.Uint64("conn", conn.id), zap.Error(err))
			l.metrics.ProtocolError()
			continue
		}
		l.metrics.FrameDecoded()
		l.dispatch(&Message{
			Subject: frame.Subject,
			ID:      frame.ID,
			Data:    frame.Data,
			conn:    conn,
		})
	}
}

// dispatch attaches the subject's chain and runs its first handler.
func (l *Listener) dispatch(msg *Message) {
	msg.chain = l.chain(msg.Subject)
	if len(msg.chain) == 0 && msg.Subject == message.SubjectHeartbeat {
		if err := msg.Reply(nil); err != nil {
			l.logger.Debug("heartbeat reply not delivered", zap.Uint64("conn", msg.conn.id), zap.Error(err))
		}
		return
	}
	if !msg.Next(msg.Data) {
		l.logger.Debug("no handler for subject", zap.String("subject", msg.Subject), zap.Uint64("conn", msg.conn.id))
	}
}

// Close stops accepting, closes every open connection and waits for the
// connection goroutines to exit.
func (l *Listener) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(l.done)

	l.lnMu.Lock()
	var err error
	if l.ln != nil {
		err = l.ln.Close()
	}
	for c := range l.conns {
		c.Close()
	}
	l.lnMu.Unlock()

	l.wg.Wait()
	return err
}

// String implements fmt.Stringer for log fields.
func (l *Listener) String() string {
	return fmt.Sprintf("listener(%s)", l.Addr())
}
