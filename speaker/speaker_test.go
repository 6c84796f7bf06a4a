package speaker

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"procmesh/codec"
	"procmesh/errors"
	"procmesh/listener"
	"procmesh/message"
	"procmesh/protocol"
)

type Args struct {
	A, B int
}

func startAdder(t testing.TB) *listener.Listener {
	t.Helper()
	l := listener.New("127.0.0.1", 0)
	l.On("add", func(msg *listener.Message, data any) {
		var args Args
		json.Unmarshal(msg.Data, &args)
		msg.Reply(map[string]int{"result": args.A + args.B})
	})
	require.NoError(t, l.Bind())
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRequestSerial(t *testing.T) {
	l := startAdder(t)
	s, err := Dial(context.Background(), l.BoundAddr().String())
	require.NoError(t, err)
	defer s.Close()

	cases := []struct{ a, b, expect int }{
		{1, 2, 3},
		{10, 20, 30},
		{100, 200, 300},
	}
	for _, tc := range cases {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		data, err := s.Request(ctx, "add", Args{A: tc.a, B: tc.b})
		cancel()
		require.NoError(t, err)

		var reply struct{ Result int }
		require.NoError(t, json.Unmarshal(data, &reply))
		assert.Equal(t, tc.expect, reply.Result)
	}
}

func TestRequestConcurrent(t *testing.T) {
	l := startAdder(t)
	s, err := Dial(context.Background(), l.BoundAddr().String())
	require.NoError(t, err)
	defer s.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			data, err := s.Request(ctx, "add", Args{A: i, B: i})
			if err != nil {
				errs <- err
				return
			}
			var reply struct{ Result int }
			json.Unmarshal(data, &reply)
			if reply.Result != 2*i {
				errs <- assert.AnError
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestCorrelationIDsAreUnique(t *testing.T) {
	l := startAdder(t)
	s, err := Dial(context.Background(), l.BoundAddr().String())
	require.NoError(t, err)
	defer s.Close()

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id, _, err := s.Send("add", Args{})
		require.NoError(t, err)
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

// rawServer accepts one connection and hands it to serve.
func rawServer(t *testing.T, serve func(conn net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		serve(conn)
	}()
	return ln.Addr().String()
}

func writeReply(conn net.Conn, id, data string) {
	body, _ := codec.Default.Encode(&message.Reply{ID: id, Data: json.RawMessage(data)})
	protocol.Encode(conn, body)
}

func TestRepliesMatchedByIDNotOrder(t *testing.T) {
	addr := rawServer(t, func(conn net.Conn) {
		defer conn.Close()
		dec := protocol.NewDecoder(conn)
		var frames []*message.Frame
		for len(frames) < 2 {
			body, err := dec.Next()
			if err != nil {
				return
			}
			f, _ := codec.DecodeFrame(codec.Default, body)
			frames = append(frames, f)
		}
		writeReply(conn, frames[1].ID, `"second"`)
		writeReply(conn, frames[0].ID, `"first"`)
		time.Sleep(time.Second)
	})

	s, err := Dial(context.Background(), addr)
	require.NoError(t, err)
	defer s.Close()

	_, first, err := s.Send("a", nil)
	require.NoError(t, err)
	_, second, err := s.Send("b", nil)
	require.NoError(t, err)

	assert.JSONEq(t, `"second"`, string((<-second).Data))
	assert.JSONEq(t, `"first"`, string((<-first).Data))
}

func TestUnmatchedReplyIsDiscarded(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	addr := rawServer(t, func(conn net.Conn) {
		defer conn.Close()
		dec := protocol.NewDecoder(conn)
		body, err := dec.Next()
		if err != nil {
			return
		}
		f, _ := codec.DecodeFrame(codec.Default, body)
		writeReply(conn, "nobody-waits-for-this", `"stray"`)
		writeReply(conn, f.ID, `"mine"`)
		writeReply(conn, f.ID, `"duplicate"`)
		time.Sleep(time.Second)
	})

	s, err := Dial(context.Background(), addr, WithLogger(zap.New(core)))
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	data, err := s.Request(ctx, "x", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"mine"`, string(data))

	require.Eventually(t, func() bool {
		return logs.FilterMessage("discarding unmatched reply").Len() == 2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestConnectionLossFailsPendingRequests(t *testing.T) {
	addr := rawServer(t, func(conn net.Conn) {
		dec := protocol.NewDecoder(conn)
		dec.Next()
		conn.Close()
	})

	s, err := Dial(context.Background(), addr)
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = s.Request(ctx, "x", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrConnectionLost)

	<-s.Done()
	_, _, err = s.Send("x", nil)
	assert.ErrorIs(t, err, errors.ErrConnectionLost)
}

func TestRequestHonoursContext(t *testing.T) {
	addr := rawServer(t, func(conn net.Conn) {
		defer conn.Close()
		time.Sleep(2 * time.Second)
	})
	s, err := Dial(context.Background(), addr)
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = s.Request(ctx, "x", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHeartbeatKeepsAnsweringPeer(t *testing.T) {
	l := startAdder(t)
	s, err := Dial(context.Background(), l.BoundAddr().String(), WithHeartbeat(20*time.Millisecond, time.Second))
	require.NoError(t, err)
	defer s.Close()

	select {
	case <-s.Done():
		t.Fatal("connection dropped although the peer answers heartbeats")
	case <-time.After(200 * time.Millisecond):
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = s.Request(ctx, "add", Args{A: 1, B: 1})
	assert.NoError(t, err)
}

func TestHeartbeatDropsSilentPeer(t *testing.T) {
	addr := rawServer(t, func(conn net.Conn) {
		defer conn.Close()
		io.Copy(io.Discard, conn)
	})
	s, err := Dial(context.Background(), addr, WithHeartbeat(20*time.Millisecond, 50*time.Millisecond))
	require.NoError(t, err)
	defer s.Close()

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("silent peer was never dropped")
	}
	_, _, err = s.Send("x", nil)
	assert.ErrorIs(t, err, errors.ErrConnectionLost)
}
