package client

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"procmesh/envelope"
	"procmesh/listener"
	"procmesh/message"
)

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

// fakeGateway answers "arith.add" and rejects every other destination.
func fakeGateway(t *testing.T) (*listener.Listener, *atomic.Int64) {
	t.Helper()
	var conns atomic.Int64
	seen := sync.Map{}

	l := listener.New("127.0.0.1", 0)
	l.On(message.SubjectRequest, func(msg *listener.Message, data any) {
		if _, loaded := seen.LoadOrStore(msg.Conn().ID(), true); !loaded {
			conns.Add(1)
		}
		cmd, ok := envelope.ParseCommand(msg.Data)
		switch {
		case !ok:
			msg.Reply(envelope.NoDataReceived(nil))
		case cmd.Destination != "arith":
			msg.Reply(envelope.DestinationUnknown(cmd))
		default:
			var args struct {
				FuncName string
				A, B     int
			}
			json.Unmarshal(cmd.Data, &args)
			msg.Reply(envelope.Success(map[string]any{"result": args.A + args.B, "func": args.FuncName}))
		}
		if ok && !cmd.KeepAlive {
			msg.Conn().Close()
		}
	})
	require.NoError(t, l.Bind())
	t.Cleanup(func() { l.Close() })
	return l, &conns
}

func TestClientCall(t *testing.T) {
	l, _ := fakeGateway(t)
	c := New(l.BoundAddr().String())
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reply := &Reply{}
	require.NoError(t, c.Call(ctx, "arith", "add", &Args{A: 1, B: 2}, reply))
	assert.Equal(t, 3, reply.Result)

	reply2 := &Reply{}
	require.NoError(t, c.Call(ctx, "arith", "add", &Args{A: 10, B: 20}, reply2))
	assert.Equal(t, 30, reply2.Result)
}

func TestClientCallErrorEnvelope(t *testing.T) {
	l, _ := fakeGateway(t)
	c := New(l.BoundAddr().String())
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := c.Call(ctx, "nowhere", "add", nil, nil)
	var respErr *ResponseError
	require.ErrorAs(t, err, &respErr)
	assert.Equal(t, envelope.TransportDestinationUnknown, respErr.Response.Status.Transport.Code)
	assert.Contains(t, err.Error(), "2005")
}

func TestClientReusesPooledConnections(t *testing.T) {
	l, conns := fakeGateway(t)
	c := New(l.BoundAddr().String(), WithPoolSize(2))
	defer c.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			reply := &Reply{}
			if assert.NoError(t, c.Call(ctx, "arith", "add", &Args{A: i, B: 1}, reply)) {
				assert.Equal(t, i+1, reply.Result)
			}
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, conns.Load(), int64(2))
}

func TestSendWithoutKeepAliveUsesOwnConnection(t *testing.T) {
	l, _ := fakeGateway(t)
	c := New(l.BoundAddr().String())
	defer c.Close()

	cmd, err := Command("arith", "add", map[string]int{"A": 2, "B": 2}, false)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := c.Send(ctx, cmd)
	require.NoError(t, err)
	assert.False(t, resp.Failed())
	assert.Equal(t, envelope.TransportOK, resp.Status.Transport.Code)
}

func TestCommandMergesFuncName(t *testing.T) {
	cmd, err := Command("users", "list", map[string]int{"page": 2}, true)
	require.NoError(t, err)
	assert.Equal(t, "users", cmd.Destination)
	assert.True(t, cmd.KeepAlive)
	assert.Equal(t, "list", cmd.FuncName())
	assert.JSONEq(t, `{"funcName":"list","page":2}`, string(cmd.Data))

	cmd, err = Command("users", "list", nil, false)
	require.NoError(t, err)
	assert.JSONEq(t, `{"funcName":"list"}`, string(cmd.Data))

	_, err = Command("users", "list", []int{1}, false)
	assert.Error(t, err)
}
