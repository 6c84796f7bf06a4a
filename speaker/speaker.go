// Package speaker implements the client side of the procmesh wire protocol.
//
// A Speaker multiplexes many concurrent requests over one TCP connection.
// Each request gets a unique correlation id, and a background goroutine
// (recvLoop) reads replies and routes each one to the caller waiting on that
// id, in whatever order the replies arrive.
//
//	goroutine-1 ──Send(id=a)──┐
//	goroutine-2 ──Send(id=b)──┼──→ single TCP conn ──→ Listener
//	goroutine-3 ──Send(id=c)──┘
//
//	recvLoop:  ←── reply(id=b) → pending[b] chan → goroutine-2 wakes up
//
// A Reconnector keeps Speakers connected to a set of addresses.
package speaker

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/nats-io/nuid"
	"go.uber.org/zap"

	"procmesh/codec"
	"procmesh/errors"
	"procmesh/message"
	"procmesh/protocol"
)

// Result is delivered once per request: the reply data or the error that
// prevented a reply.
type Result struct {
	Data json.RawMessage
	Err  error
}

// Speaker manages a single multiplexed connection.
type Speaker struct {
	conn   net.Conn
	codec  codec.Codec
	logger *zap.Logger
	ids    *nuid.NUID

	heartbeat        time.Duration
	heartbeatTimeout time.Duration

	pending sync.Map   // map[string]chan Result
	sending sync.Mutex // serializes frame writes, guards ids and closed
	closed  bool
	done    chan struct{}
	once    sync.Once
}

// Option configures a Speaker.
type Option func(*Speaker)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Speaker) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithCodec(c codec.Codec) Option {
	return func(s *Speaker) { s.codec = c }
}

// WithHeartbeat sends a HEARTBEAT frame every interval. A heartbeat not
// answered within timeout drops the connection.
func WithHeartbeat(interval, timeout time.Duration) Option {
	return func(s *Speaker) {
		s.heartbeat = interval
		s.heartbeatTimeout = timeout
	}
}

// Dial connects to addr and returns a running Speaker.
func Dial(ctx context.Context, addr string, opts ...Option) (*Speaker, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrap(errors.KindTransport, err, "speaker", "Dial", addr)
	}
	return New(conn, opts...), nil
}

// New wraps conn and starts its receive loop.
func New(conn net.Conn, opts ...Option) *Speaker {
	s := &Speaker{
		conn:   conn,
		codec:  codec.Default,
		logger: zap.NewNop(),
		ids:    nuid.New(),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.recvLoop()
	if s.heartbeat > 0 {
		go s.heartbeatLoop()
	}
	return s
}

// Send frames {subject, id, data} and returns the id and a channel that
// receives exactly one Result.
//
// The pending entry is stored before the frame is written so a fast reply
// can never race past it.
func (s *Speaker) Send(subject string, data any) (string, <-chan Result, error) {
	payload, err := codec.Raw(s.codec, data)
	if err != nil {
		return "", nil, err
	}

	s.sending.Lock()
	defer s.sending.Unlock()

	if s.closed {
		return "", nil, errors.Wrap(errors.KindTransport, errors.ErrConnectionLost, "speaker", "Send", s.RemoteAddr())
	}

	id := s.ids.Next()
	body, err := s.codec.Encode(&message.Frame{Subject: subject, ID: id, Data: payload})
	if err != nil {
		return "", nil, err
	}

	ch := make(chan Result, 1)
	s.pending.Store(id, ch)

	if err := protocol.Encode(s.conn, body); err != nil {
		s.pending.Delete(id)
		return "", nil, errors.Wrap(errors.KindTransport, err, "speaker", "Send", s.RemoteAddr())
	}
	return id, ch, nil
}

// Request sends and waits for the reply or ctx.
func (s *Speaker) Request(ctx context.Context, subject string, data any) (json.RawMessage, error) {
	id, ch, err := s.Send(subject, data)
	if err != nil {
		return nil, err
	}
	select {
	case res := <-ch:
		return res.Data, res.Err
	case <-ctx.Done():
		// A late reply for id is dropped by recvLoop.
		s.pending.Delete(id)
		return nil, ctx.Err()
	}
}

// recvLoop is the single reader of the connection. A reply is delivered to
// the pending entry with its id and the entry is removed in the same step,
// so each id is consumed at most once.
func (s *Speaker) recvLoop() {
	dec := protocol.NewDecoder(s.conn)
	for {
		body, err := dec.Next()
		if err != nil {
			s.fail(err)
			return
		}

		reply, err := codec.DecodeReply(s.codec, body)
		if err != nil {
			s.logger.Warn("discarding malformed reply", zap.String("remote", s.RemoteAddr()), zap.Error(err))
			continue
		}

		if ch, ok := s.pending.LoadAndDelete(reply.ID); ok {
			ch.(chan Result) <- Result{Data: reply.Data}
			continue
		}
		s.logger.Warn("discarding unmatched reply", zap.String("id", reply.ID), zap.String("remote", s.RemoteAddr()))
	}
}

// heartbeatLoop detects a peer that keeps the connection open but stopped
// answering, which recvLoop alone never notices.
func (s *Speaker) heartbeatLoop() {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.heartbeatTimeout)
		_, err := s.Request(ctx, message.SubjectHeartbeat, nil)
		cancel()
		if err != nil {
			s.logger.Warn("heartbeat failed, dropping connection", zap.String("remote", s.RemoteAddr()), zap.Error(err))
			s.fail(err)
			return
		}
	}
}

// fail closes the speaker and hands every outstanding request an error so
// no caller waits forever.
func (s *Speaker) fail(cause error) {
	s.once.Do(func() {
		s.conn.Close()

		s.sending.Lock()
		s.closed = true
		s.sending.Unlock()

		err := errors.Wrap(errors.KindTransport, errors.ErrConnectionLost, "speaker", "recvLoop", cause.Error())
		s.pending.Range(func(key, value any) bool {
			if _, ok := s.pending.LoadAndDelete(key); ok {
				value.(chan Result) <- Result{Err: err}
			}
			return true
		})
		close(s.done)
	})
}

// Done is closed once the connection is gone.
func (s *Speaker) Done() <-chan struct{} {
	return s.done
}

// Close tears the connection down; outstanding requests fail.
func (s *Speaker) Close() error {
	s.fail(net.ErrClosed)
	return nil
}

// RemoteAddr is the peer address.
func (s *Speaker) RemoteAddr() string {
	if s.conn == nil || s.conn.RemoteAddr() == nil {
		return ""
	}
	return s.conn.RemoteAddr().String()
}
