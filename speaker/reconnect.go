package speaker

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/tomb.v2"

	"procmesh/errors"
)

// DefaultReconnectInterval is the delay between two dial attempts to the same
// address.
const DefaultReconnectInterval = 10 * time.Millisecond

// Reconnector keeps one Speaker per address connected. Sockets holds only the
// speakers that are currently up, so an empty map means "not connected yet".
type Reconnector struct {
	addrs       []string
	interval    time.Duration
	dialTimeout time.Duration
	opts        []Option
	logger      *zap.Logger

	mu      sync.RWMutex
	sockets map[string]*Speaker

	t tomb.Tomb
}

// ReconnectOption configures a Reconnector.
type ReconnectOption func(*Reconnector)

func WithInterval(d time.Duration) ReconnectOption {
	return func(r *Reconnector) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithDialTimeout bounds each dial attempt. Zero leaves it unbounded.
func WithDialTimeout(d time.Duration) ReconnectOption {
	return func(r *Reconnector) { r.dialTimeout = d }
}

// WithSpeakerOptions sets the options every dialed Speaker is built with.
func WithSpeakerOptions(opts ...Option) ReconnectOption {
	return func(r *Reconnector) { r.opts = append(r.opts, opts...) }
}

func WithReconnectLogger(logger *zap.Logger) ReconnectOption {
	return func(r *Reconnector) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewReconnector starts one maintain loop per address.
func NewReconnector(addrs []string, opts ...ReconnectOption) *Reconnector {
	r := &Reconnector{
		addrs:    addrs,
		interval: DefaultReconnectInterval,
		logger:   zap.NewNop(),
		sockets:  make(map[string]*Speaker, len(addrs)),
	}
	for _, opt := range opts {
		opt(r)
	}
	for _, addr := range addrs {
		addr := addr
		r.t.Go(func() error { return r.maintain(addr) })
	}
	return r
}

// maintain dials addr, waits for the connection to drop and dials again,
// until the reconnector is closed.
func (r *Reconnector) maintain(addr string) error {
	ctx := r.t.Context(context.Background())
	for {
		s, err := r.dial(ctx, addr)
		if err == nil {
			r.mu.Lock()
			r.sockets[addr] = s
			r.mu.Unlock()
			r.logger.Debug("speaker connected", zap.String("addr", addr))

			select {
			case <-s.Done():
				r.logger.Debug("speaker disconnected", zap.String("addr", addr))
			case <-r.t.Dying():
			}

			r.mu.Lock()
			if r.sockets[addr] == s {
				delete(r.sockets, addr)
			}
			r.mu.Unlock()
			s.Close()
		}

		select {
		case <-r.t.Dying():
			return nil
		case <-time.After(r.interval):
		}
	}
}

func (r *Reconnector) dial(ctx context.Context, addr string) (*Speaker, error) {
	if r.dialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.dialTimeout)
		defer cancel()
	}
	return Dial(ctx, addr, r.opts...)
}

// Sockets returns a copy of the currently connected speakers by address.
func (r *Reconnector) Sockets() map[string]*Speaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*Speaker, len(r.sockets))
	for k, v := range r.sockets {
		out[k] = v
	}
	return out
}

// Ready reports whether at least one address is connected.
func (r *Reconnector) Ready() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sockets) > 0
}

// pick returns any connected speaker.
func (r *Reconnector) pick() (*Speaker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.sockets) == 0 {
		return nil, errors.Wrap(errors.KindTransport, errors.ErrNoConnection, "speaker", "Reconnector", "")
	}
	n := rand.IntN(len(r.sockets))
	for _, s := range r.sockets {
		if n == 0 {
			return s, nil
		}
		n--
	}
	return nil, errors.ErrNoConnection
}

// Send sends on one of the connected speakers.
func (r *Reconnector) Send(subject string, data any) (string, <-chan Result, error) {
	s, err := r.pick()
	if err != nil {
		return "", nil, err
	}
	return s.Send(subject, data)
}

// Request sends on one of the connected speakers and waits for the reply.
// Losing that connection mid-request yields ErrConnectionLost.
func (r *Reconnector) Request(ctx context.Context, subject string, data any) (json.RawMessage, error) {
	s, err := r.pick()
	if err != nil {
		return nil, err
	}
	return s.Request(ctx, subject, data)
}

// Close stops reconnecting and closes every speaker. Outstanding requests
// receive ErrConnectionLost.
func (r *Reconnector) Close() error {
	r.t.Kill(nil)
	if len(r.addrs) > 0 {
		r.t.Wait()
	}
	r.mu.Lock()
	for addr, s := range r.sockets {
		s.Close()
		delete(r.sockets, addr)
	}
	r.mu.Unlock()
	return nil
}
