package loadbalance

import (
	"procmesh/errors"
	"procmesh/registry"
)

// CustomBalancer delegates to a user function. The socket it returns is
// ignored; only the index is used, after a range check.
type CustomBalancer struct {
	Select registry.SelectFunc
}

func (b *CustomBalancer) Pick(instances []registry.Instance) (int, error) {
	if len(instances) == 0 {
		return 0, noInstances(b.Name())
	}
	_, i := b.Select(instances)
	if i < 0 || i >= len(instances) {
		return 0, errors.Wrap(errors.KindRouting, errors.ErrNoInstances, "loadbalance", b.Name(), "custom selection out of range")
	}
	return i, nil
}

func (b *CustomBalancer) Name() string {
	return registry.Custom
}
