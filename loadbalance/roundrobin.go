package loadbalance

import "procmesh/registry"

// LeastConnectionsBalancer is the "roundRobin" strategy: it sends each
// request to the instance with the fewest open connections. Ties go to the
// lowest index, so with all counts equal it behaves like a rotation driven by
// the counts themselves.
type LeastConnectionsBalancer struct{}

func (b *LeastConnectionsBalancer) Pick(instances []registry.Instance) (int, error) {
	if len(instances) == 0 {
		return 0, noInstances(b.Name())
	}
	best := 0
	for i := 1; i < len(instances); i++ {
		if instances[i].Connections < instances[best].Connections {
			best = i
		}
	}
	return best, nil
}

func (b *LeastConnectionsBalancer) Name() string {
	return registry.RoundRobin
}
