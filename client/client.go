// Package client talks to a procmesh gateway: it wraps a command in a
// COM_REQUEST frame, sends it over a pooled Speaker and decodes the response
// envelope.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"procmesh/codec"
	"procmesh/envelope"
	"procmesh/errors"
	"procmesh/message"
	"procmesh/speaker"
)

// ResponseError is returned by Call when the gateway or the worker answered
// with an error envelope.
type ResponseError struct {
	Response *envelope.Response
}

func (e *ResponseError) Error() string {
	s := e.Response.Status
	return fmt.Sprintf("procmesh: transport %d (%s), command %d (%s)",
		s.Transport.Code, s.Transport.Message, s.Command.Code, s.Command.Message)
}

// Client keeps a small pool of keep-alive connections to one gateway.
type Client struct {
	addr     string
	poolSize int
	logger   *zap.Logger

	mu   sync.Mutex
	pool chan *speaker.Speaker
	made int
}

type Option func(*Client)

func WithPoolSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.poolSize = n
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a client for the gateway at addr. Connections are dialed
// lazily.
func New(addr string, opts ...Option) *Client {
	c := &Client{addr: addr, poolSize: 4, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	c.pool = make(chan *speaker.Speaker, c.poolSize)
	return c
}

// getSpeaker takes an idle connection, dials a new one while under the pool
// size, or waits for one to be returned.
func (c *Client) getSpeaker(ctx context.Context) (*speaker.Speaker, error) {
	for {
		select {
		case s := <-c.pool:
			select {
			case <-s.Done():
				c.discard()
				continue
			default:
				return s, nil
			}
		default:
		}

		c.mu.Lock()
		if c.made < c.poolSize {
			c.made++
			c.mu.Unlock()
			s, err := speaker.Dial(ctx, c.addr, speaker.WithLogger(c.logger))
			if err != nil {
				c.discard()
				return nil, err
			}
			return s, nil
		}
		c.mu.Unlock()

		select {
		case s := <-c.pool:
			select {
			case <-s.Done():
				c.discard()
			default:
				return s, nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Client) putSpeaker(s *speaker.Speaker) {
	select {
	case <-s.Done():
		c.discard()
	default:
		c.pool <- s
	}
}

func (c *Client) discard() {
	c.mu.Lock()
	c.made--
	c.mu.Unlock()
}

// Command builds the COM_REQUEST body for funcName on destination. args must
// encode to a JSON object (or be nil); funcName is merged into it.
func Command(destination, funcName string, args any, keepAlive bool) (envelope.Command, error) {
	fields := make(map[string]json.RawMessage)
	if args != nil {
		raw, err := codec.Raw(codec.Default, args)
		if err != nil {
			return envelope.Command{}, err
		}
		if !message.Empty(raw) {
			if err := codec.Default.Decode(raw, &fields); err != nil {
				return envelope.Command{}, fmt.Errorf("procmesh: args must encode to a JSON object: %w", err)
			}
		}
	}
	name, _ := codec.Default.Encode(funcName)
	fields["funcName"] = name

	data, err := codec.Default.Encode(fields)
	if err != nil {
		return envelope.Command{}, err
	}
	return envelope.Command{Destination: destination, KeepAlive: keepAlive, Data: data}, nil
}

// Call invokes funcName on destination and decodes resultBody.resData into
// reply (when reply is not nil). An error envelope is returned as a
// *ResponseError.
func (c *Client) Call(ctx context.Context, destination, funcName string, args, reply any) error {
	cmd, err := Command(destination, funcName, args, true)
	if err != nil {
		return err
	}
	resp, err := c.Send(ctx, cmd)
	if err != nil {
		return err
	}
	if resp.Failed() {
		return &ResponseError{Response: resp}
	}
	if reply == nil || resp.ResultBody.ResData == nil {
		return nil
	}
	raw, err := codec.Default.Encode(resp.ResultBody.ResData)
	if err != nil {
		return err
	}
	return codec.Default.Decode(raw, reply)
}

// Send delivers cmd and returns the response envelope as received. A command
// without KeepAlive gets its own connection, because the gateway closes it
// after replying.
func (c *Client) Send(ctx context.Context, cmd envelope.Command) (*envelope.Response, error) {
	if !cmd.KeepAlive {
		s, err := speaker.Dial(ctx, c.addr, speaker.WithLogger(c.logger))
		if err != nil {
			return nil, err
		}
		defer s.Close()
		return request(ctx, s, cmd)
	}

	s, err := c.getSpeaker(ctx)
	if err != nil {
		return nil, err
	}
	defer c.putSpeaker(s)
	return request(ctx, s, cmd)
}

func request(ctx context.Context, s *speaker.Speaker, cmd envelope.Command) (*envelope.Response, error) {
	data, err := s.Request(ctx, message.SubjectRequest, cmd)
	if err != nil {
		return nil, err
	}
	var resp envelope.Response
	if err := codec.Default.Decode(data, &resp); err != nil {
		return nil, errors.Wrap(errors.KindProtocol, errors.ErrMalformedFrame, "client", "Send", err.Error())
	}
	return &resp, nil
}

// Close closes every idle connection.
func (c *Client) Close() error {
	for {
		select {
		case s := <-c.pool:
			s.Close()
			c.discard()
		default:
			return nil
		}
	}
}
