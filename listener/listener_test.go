package listener

import (
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"procmesh/codec"
	"procmesh/message"
	"procmesh/protocol"
)

func startListener(t *testing.T) *Listener {
	t.Helper()
	l := New("127.0.0.1", 0)
	require.NoError(t, l.Bind())
	t.Cleanup(func() { l.Close() })
	return l
}

func dial(t *testing.T, l *Listener) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", l.BoundAddr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn net.Conn, subject, id string, data string) {
	t.Helper()
	body, err := codec.Default.Encode(&message.Frame{Subject: subject, ID: id, Data: json.RawMessage(data)})
	require.NoError(t, err)
	require.NoError(t, protocol.Encode(conn, body))
}

func readReply(t *testing.T, dec *protocol.Decoder) *message.Reply {
	t.Helper()
	body, err := dec.Next()
	require.NoError(t, err)
	reply, err := codec.DecodeReply(codec.Default, body)
	require.NoError(t, err)
	return reply
}

func TestReplyEchoesID(t *testing.T) {
	l := startListener(t)
	l.On("echo", func(msg *Message, data any) {
		msg.Reply(msg.Data)
	})

	conn := dial(t, l)
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	send(t, conn, "echo", "req-1", `{"n":1}`)

	reply := readReply(t, protocol.NewDecoder(conn))
	assert.Equal(t, "req-1", reply.ID)
	assert.JSONEq(t, `{"n":1}`, string(reply.Data))
}

func TestHandlerChainAdvancesWithNext(t *testing.T) {
	l := startListener(t)

	var mu sync.Mutex
	var order []string
	record := func(step string) {
		mu.Lock()
		order = append(order, step)
		mu.Unlock()
	}
	exhausted := make(chan bool, 1)
	l.On("chain",
		func(msg *Message, data any) {
			record("first")
			var in struct{ N int }
			json.Unmarshal(data.(json.RawMessage), &in)
			msg.Next(in.N + 1)
		},
		func(msg *Message, data any) {
			record("second")
			msg.Next(data.(int) * 10)
		},
		func(msg *Message, data any) {
			record("third")
			exhausted <- !msg.Next(nil)
			msg.Reply(map[string]int{"result": data.(int)})
		},
	)

	conn := dial(t, l)
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	send(t, conn, "chain", "c1", `{"N":4}`)

	reply := readReply(t, protocol.NewDecoder(conn))
	assert.JSONEq(t, `{"result":50}`, string(reply.Data))
	assert.True(t, <-exhausted)
	mu.Lock()
	assert.Equal(t, []string{"first", "second", "third"}, order)
	mu.Unlock()
}

func TestUnknownSubjectIsIgnored(t *testing.T) {
	l := startListener(t)
	l.On("known", func(msg *Message, data any) { msg.Reply("ok") })

	conn := dial(t, l)
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	send(t, conn, "unknown", "u1", `{}`)
	send(t, conn, "known", "k1", `{}`)

	reply := readReply(t, protocol.NewDecoder(conn))
	assert.Equal(t, "k1", reply.ID)
}

func TestMalformedDocumentDoesNotBreakStream(t *testing.T) {
	l := startListener(t)
	l.On("ping", func(msg *Message, data any) { msg.Reply("pong") })

	conn := dial(t, l)
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	require.NoError(t, protocol.Encode(conn, []byte(`{"subject":"ping","id":`)))
	send(t, conn, "ping", "p2", `null`)

	reply := readReply(t, protocol.NewDecoder(conn))
	assert.Equal(t, "p2", reply.ID)
	assert.JSONEq(t, `"pong"`, string(reply.Data))
}

func TestRemoteCloseDispatchesCloseSubject(t *testing.T) {
	l := startListener(t)
	closed := make(chan uint64, 1)
	l.On(message.SubjectClose, func(msg *Message, data any) {
		closed <- msg.Conn().ID()
		msg.Conn().Close()
	})

	conn := dial(t, l)
	send(t, conn, "nothing", "n1", `{}`)
	conn.Close()

	select {
	case id := <-closed:
		assert.NotZero(t, id)
	case <-time.After(5 * time.Second):
		t.Fatal("close subject was not dispatched")
	}
}

func TestConcurrentRepliesDoNotInterleave(t *testing.T) {
	l := startListener(t)
	l.On("work", func(msg *Message, data any) {
		go msg.Reply(map[string]string{"id": msg.ID})
	})

	conn := dial(t, l)
	conn.SetDeadline(time.Now().Add(10 * time.Second))
	const n = 100
	for i := 0; i < n; i++ {
		send(t, conn, "work", string(rune('a'+i%26))+string(rune('0'+i/26)), `{}`)
	}

	dec := protocol.NewDecoder(conn)
	seen := make(map[string]bool)
	for i := 0; i < n; i++ {
		reply := readReply(t, dec)
		var body map[string]string
		require.NoError(t, json.Unmarshal(reply.Data, &body))
		assert.Equal(t, reply.ID, body["id"])
		seen[reply.ID] = true
	}
	assert.Len(t, seen, n)
}

func TestBindFailureInvokesHook(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()
	port := taken.Addr().(*net.TCPAddr).Port

	l := New("127.0.0.1", port)
	defer l.Close()

	var mu sync.Mutex
	var got error
	l.OnError(func(err error) {
		mu.Lock()
		got = err
		mu.Unlock()
	})

	require.Error(t, l.Bind())
	mu.Lock()
	assert.Error(t, got)
	mu.Unlock()
}

func TestDefaultHookRebindsOncePortFrees(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := taken.Addr().(*net.TCPAddr).Port

	l := New("127.0.0.1", port, WithRebindInterval(50*time.Millisecond))
	defer l.Close()
	l.On("ping", func(msg *Message, data any) { msg.Reply("pong") })

	require.Error(t, l.Bind())
	taken.Close()

	require.Eventually(t, func() bool { return l.BoundAddr() != nil }, 5*time.Second, 20*time.Millisecond)
}

func TestCloseIsIdempotent(t *testing.T) {
	l := New("127.0.0.1", 0)
	require.NoError(t, l.Bind())
	assert.NoError(t, l.Close())
	assert.NoError(t, l.Close())
	assert.Error(t, l.Bind())
}

func TestCloseWhileClientsKeepConnecting(t *testing.T) {
	for i := 0; i < 100; i++ {
		l := New("127.0.0.1", 0)
		require.NoError(t, l.Bind())
		addr := l.BoundAddr().String()

		stop := make(chan struct{})
		var dialers sync.WaitGroup
		dialers.Add(1)
		go func() {
			defer dialers.Done()
			var held []net.Conn
			defer func() {
				for _, c := range held {
					c.Close()
				}
			}()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if c, err := net.Dial("tcp", addr); err == nil {
					held = append(held, c)
				}
			}
		}()

		time.Sleep(time.Millisecond)
		closed := make(chan struct{})
		go func() {
			l.Close()
			close(closed)
		}()
		select {
		case <-closed:
		case <-time.After(2 * time.Second):
			close(stop)
			t.Fatalf("Close hung in iteration %d while clients kept connecting", i)
		}
		close(stop)
		dialers.Wait()
	}
}

func TestHeartbeatAnsweredByDefault(t *testing.T) {
	l := startListener(t)

	conn := dial(t, l)
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	dec := protocol.NewDecoder(conn)
	send(t, conn, message.SubjectHeartbeat, "hb-1", `null`)
	assert.Equal(t, "hb-1", readReply(t, dec).ID)

	l.On(message.SubjectHeartbeat, func(msg *Message, data any) { msg.Reply("alive") })
	send(t, conn, message.SubjectHeartbeat, "hb-2", `null`)
	reply := readReply(t, dec)
	assert.Equal(t, "hb-2", reply.ID)
	assert.JSONEq(t, `"alive"`, string(reply.Data))
}
