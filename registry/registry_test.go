package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"procmesh/errors"
)

type fakeSocket struct{ name string }

func (f *fakeSocket) Request(ctx context.Context, subject string, data any) (json.RawMessage, error) {
	return json.RawMessage(`"` + f.name + `"`), nil
}

func (f *fakeSocket) Close() error { return nil }

func newRegistry(t *testing.T, names ...string) *Registry {
	t.Helper()
	r := New()
	for _, n := range names {
		require.NoError(t, r.Define(Descriptor{Name: n, OperationsPath: "/bin/" + n}))
	}
	return r
}

func TestDefineRejectsDuplicates(t *testing.T) {
	r := newRegistry(t, "users")
	err := r.Define(Descriptor{Name: "users"})
	assert.ErrorIs(t, err, errors.ErrServiceDefined)
	assert.Equal(t, []string{"users"}, r.Names())
	assert.Equal(t, map[string]string{"users": "/bin/users"}, r.Directory())
}

func TestAddInstanceClaimsPortOnce(t *testing.T) {
	r := newRegistry(t, "a", "b")
	require.NoError(t, r.AddInstance("a", 4000, "p1"))

	err := r.AddInstance("b", 4000, "p2")
	assert.ErrorIs(t, err, errors.ErrPortInUse)
	assert.True(t, errors.IsPortConflict(err))
	assert.Empty(t, r.Instances("b"))

	err = r.AddInstance("missing", 4001, "p3")
	assert.ErrorIs(t, err, errors.ErrUnknownService)
}

func TestConcurrentClaimsNeverCollide(t *testing.T) {
	r := newRegistry(t, "a", "b", "c", "d")
	var wg sync.WaitGroup
	for _, name := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			for port := 5000; port < 5050; port++ {
				r.AddInstance(name, port, name)
			}
		}(name)
	}
	wg.Wait()

	owners := make(map[int]string)
	for _, name := range r.Names() {
		for _, inst := range r.Instances(name) {
			prev, dup := owners[inst.Port]
			require.False(t, dup, "port %d held by %s and %s", inst.Port, prev, name)
			owners[inst.Port] = name
		}
	}
	assert.Len(t, owners, 50)
}

func TestRemoveInstancePreservesOrder(t *testing.T) {
	r := newRegistry(t, "svc")
	for i, port := range []int{7001, 7002, 7003, 7004} {
		require.NoError(t, r.AddInstance("svc", port, fmt.Sprint("p", i)))
	}

	inst, ok := r.RemoveInstance("svc", 7002)
	require.True(t, ok)
	assert.Equal(t, "p1", inst.ProcessID)
	assert.False(t, r.PortInUse(7002))

	var ports []int
	for _, inst := range r.Instances("svc") {
		ports = append(ports, inst.Port)
	}
	assert.Equal(t, []int{7001, 7003, 7004}, ports)
	assert.Equal(t, 1, r.IndexOf("svc", 7003))
	assert.Equal(t, -1, r.IndexOf("svc", 7002))

	_, ok = r.RemoveInstance("svc", 7002)
	assert.False(t, ok)
}

func TestReadinessFollowsSocket(t *testing.T) {
	r := newRegistry(t, "svc")
	require.NoError(t, r.AddInstance("svc", 7001, "p"))
	assert.False(t, r.Ready("svc"))

	require.True(t, r.SetSocket("svc", 7001, &fakeSocket{}))
	assert.True(t, r.Ready("svc"))

	require.True(t, r.SetInstanceError("svc", 7001, errors.ErrReadinessTimeout))
	assert.False(t, r.Ready("svc"))
	assert.ErrorIs(t, r.Instances("svc")[0].LastError, errors.ErrReadinessTimeout)

	assert.False(t, r.SetSocket("svc", 9999, &fakeSocket{}))
}

func TestAcquireCountsConnections(t *testing.T) {
	r := newRegistry(t, "svc")
	for _, port := range []int{7001, 7002, 7003} {
		require.NoError(t, r.AddInstance("svc", port, "p"))
	}
	r.SetSocket("svc", 7001, &fakeSocket{name: "a"})
	r.SetSocket("svc", 7003, &fakeSocket{name: "c"})

	var seen []Instance
	sock, port, err := r.Acquire("svc", func(c []Instance) (int, error) {
		seen = c
		return 1, nil
	})
	require.NoError(t, err)
	assert.Len(t, seen, 2, "only ready instances are candidates")
	assert.Equal(t, 7003, port)
	assert.Equal(t, "c", sock.(*fakeSocket).name)
	assert.Equal(t, uint(1), r.Instances("svc")[2].Connections)

	r.ReleaseConnection("svc", 7003)
	r.ReleaseConnection("svc", 7003)
	assert.Equal(t, uint(0), r.Instances("svc")[2].Connections)
}

func TestAcquireValidatesIndex(t *testing.T) {
	r := newRegistry(t, "svc")
	require.NoError(t, r.AddInstance("svc", 7001, "p"))
	r.SetSocket("svc", 7001, &fakeSocket{})

	_, _, err := r.Acquire("svc", func([]Instance) (int, error) { return 5, nil })
	assert.ErrorIs(t, err, errors.ErrNoInstances)
	assert.Equal(t, uint(0), r.Instances("svc")[0].Connections)
}

func TestAcquireWithoutReadyInstances(t *testing.T) {
	r := newRegistry(t, "svc")
	_, _, err := r.Acquire("svc", func([]Instance) (int, error) { return 0, nil })
	assert.ErrorIs(t, err, errors.ErrNoInstances)

	_, _, err = r.Acquire("nope", func([]Instance) (int, error) { return 0, nil })
	assert.ErrorIs(t, err, errors.ErrUnknownDestination)
}

func TestReleasedPortsAreConsumedOnce(t *testing.T) {
	r := New()
	r.MarkReleased(6000)
	assert.True(t, r.ConsumeReleased(6000))
	assert.False(t, r.ConsumeReleased(6000))
}

func TestSnapshot(t *testing.T) {
	r := newRegistry(t, "b", "a")
	require.NoError(t, r.AddInstance("a", 7001, "p1"))
	r.SetSocket("a", 7001, &fakeSocket{})
	r.RecordExit("b", errors.ErrProcessExited)

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "a", snap[0].Name)
	assert.True(t, snap[0].Ready)
	assert.Equal(t, 7001, snap[0].Instances[0].Port)
	assert.Equal(t, "b", snap[1].Name)
	assert.False(t, snap[1].Ready)
	assert.Equal(t, errors.ErrProcessExited.Error(), snap[1].LastError)
}

func TestAddr(t *testing.T) {
	assert.Equal(t, "127.0.0.1:8001", Addr("127.0.0.1", 8001))
	assert.Equal(t, "[::1]:8001", Addr("::1", 8001))
}
