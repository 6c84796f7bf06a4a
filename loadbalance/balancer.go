// Package loadbalance picks the instance that serves one routed request.
//
// Three strategies are available per service:
//   - roundRobin: the instance with the fewest open connections, lowest index on ties
//   - random:     a uniformly random instance
//   - custom:     a user-supplied registry.SelectFunc
//
// Any other strategy name falls back to random with a warning.
package loadbalance

import (
	"go.uber.org/zap"

	"procmesh/errors"
	"procmesh/registry"
)

// Balancer chooses an index into the candidate instances. Pick is called
// with the registry lock held and must not block.
type Balancer interface {
	Pick(instances []registry.Instance) (int, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// ForService returns the balancer declared by desc.
func ForService(desc registry.Descriptor, logger *zap.Logger) Balancer {
	if desc.Options.Custom != nil {
		return &CustomBalancer{Select: desc.Options.Custom}
	}
	switch desc.Options.LoadBalancing {
	case registry.RoundRobin:
		return &LeastConnectionsBalancer{}
	case registry.Random:
		return &RandomBalancer{}
	}
	if logger != nil {
		logger.Warn("load balancing strategy is incorrect, defaulting to random",
			zap.String("service", desc.Name),
			zap.String("strategy", desc.Options.LoadBalancing))
	}
	return &RandomBalancer{}
}

func noInstances(strategy string) error {
	return errors.Wrap(errors.KindRouting, errors.ErrNoInstances, "loadbalance", strategy, "")
}
