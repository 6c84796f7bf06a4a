package registry

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Set PROCMESH_TEST_ETCD to a comma separated endpoint list to run these.
func etcdEndpoints(t *testing.T) []string {
	v := os.Getenv("PROCMESH_TEST_ETCD")
	if v == "" {
		t.Skip("PROCMESH_TEST_ETCD not set")
	}
	return strings.Split(v, ",")
}

func TestPublishAndDiscover(t *testing.T) {
	pub, err := NewEtcdPublisher(etcdEndpoints(t), nil)
	require.NoError(t, err)
	defer pub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rec1 := Record{Service: "arith", ProcessID: "p1", Addr: Addr("127.0.0.1", 8001)}
	rec2 := Record{Service: "arith", ProcessID: "p2", Addr: Addr("127.0.0.1", 8002)}
	require.NoError(t, pub.Register(ctx, rec1, 10))
	require.NoError(t, pub.Register(ctx, rec2, 10))

	records, err := pub.Discover(ctx, "arith")
	require.NoError(t, err)
	assert.ElementsMatch(t, []Record{rec1, rec2}, records)

	require.NoError(t, pub.Deregister(ctx, "arith", "p1"))
	records, err = pub.Discover(ctx, "arith")
	require.NoError(t, err)
	assert.Equal(t, []Record{rec2}, records)

	require.NoError(t, pub.Deregister(ctx, "arith", "p2"))
}
