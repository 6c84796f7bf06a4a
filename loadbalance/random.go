package loadbalance

import (
	"math/rand/v2"

	"procmesh/registry"
)

type RandomBalancer struct{}

func (b *RandomBalancer) Pick(instances []registry.Instance) (int, error) {
	if len(instances) == 0 {
		return 0, noInstances(b.Name())
	}
	return rand.IntN(len(instances)), nil
}

func (b *RandomBalancer) Name() string {
	return registry.Random
}
