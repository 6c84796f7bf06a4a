package worker

import (
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"procmesh/config"
	"procmesh/errors"
	"procmesh/registry"
)

func atoi(t *testing.T, s string) int {
	t.Helper()
	n, err := strconv.Atoi(s)
	require.NoError(t, err)
	return n
}

func lookupFrom(environ []string) func(string) (string, bool) {
	m := make(map[string]string, len(environ))
	for _, kv := range environ {
		k, v, _ := strings.Cut(kv, "=")
		m[k] = v
	}
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestSpawnContract(t *testing.T) {
	settings := config.Default()
	settings.APIGatewayPort = 9191
	settings.RestartTimeout = 75 * time.Millisecond

	env := Env{
		ParentPID:  4242,
		Verbose:    true,
		Name:       "users",
		ProcessID:  "5b1d2a52-5f0e-4d1c-9a9e-2a3cfe1e8d7b",
		Port:       40001,
		Operations: "/opt/bin/users",
		Settings:   settings,
		Options:    registry.Options{LoadBalancing: "random", Instances: 2, RunOnStart: []string{"warmup"}},
		Directory:  map[string]string{"users": "/opt/bin/users", "orders": "/opt/bin/orders"},
	}
	environ, err := env.Environ()
	require.NoError(t, err)
	assert.Contains(t, environ, "MS_SERVICE=true")
	assert.Contains(t, environ, "MS_PORT=40001")

	got, err := FromEnviron(lookupFrom(environ))
	require.NoError(t, err)
	assert.Equal(t, env, got)
}

func TestFromEnvironRequiresWorkerFlag(t *testing.T) {
	_, err := FromEnviron(lookupFrom(nil))
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)

	_, err = FromEnviron(lookupFrom([]string{"MS_SERVICE=true", "MS_PARENT_PID=1", "MS_PORT=x"}))
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}
