// Package registry is the in-memory table of declared services and their live
// instances.
//
// Each service owns one ordered slice of instance records. Removing an
// instance removes exactly that record and keeps the others in order, so an
// index derived from (service, port) always resolves to one instance.
// The PortPool (every port held by a live instance, across all services) and
// the set of intentionally released ports live here too.
package registry

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"sync"

	"procmesh/errors"
)

// Load balancing strategy names.
const (
	RoundRobin = "roundRobin"
	Random     = "random"
	Custom     = "custom"
)

// Socket is the request side of a connection to one worker.
type Socket interface {
	Request(ctx context.Context, subject string, data any) (json.RawMessage, error)
	Close() error
}

// SelectFunc is a user-supplied load balancing function. It receives the
// candidate instances and returns the chosen socket and its index.
type SelectFunc func(instances []Instance) (Socket, int)

// Options are a service's declaration options.
type Options struct {
	LoadBalancing string     `json:"loadBalancing"`
	Custom        SelectFunc `json:"-"`
	Instances     int        `json:"instances"`
	RunOnStart    []string   `json:"runOnStart"`
}

// Descriptor is a declared service. It is immutable once defined.
type Descriptor struct {
	Name           string  `json:"name"`
	OperationsPath string  `json:"operations"`
	Options        Options `json:"options"`
}

// Instance is one worker process backing a service.
type Instance struct {
	ProcessID   string
	Port        int
	Process     *os.Process
	Socket      Socket
	Connections uint
	Ready       bool
	LastError   error
}

type service struct {
	desc      Descriptor
	instances []*Instance
	lastError error
}

// Registry owns every instance record. All access goes through its methods.
type Registry struct {
	mu       sync.RWMutex
	services map[string]*service
	order    []string
	ports    map[int]string
	released map[int]struct{}
}

func New() *Registry {
	return &Registry{
		services: make(map[string]*service),
		ports:    make(map[int]string),
		released: make(map[int]struct{}),
	}
}

// Define declares a service. Defining a name twice is an error.
func (r *Registry) Define(desc Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.services[desc.Name]; ok {
		return errors.Wrap(errors.KindConfig, errors.ErrServiceDefined, "registry", "Define", desc.Name)
	}
	r.services[desc.Name] = &service{desc: desc}
	r.order = append(r.order, desc.Name)
	return nil
}

// Descriptor returns the declaration of name.
func (r *Registry) Descriptor(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.services[name]
	if !ok {
		return Descriptor{}, false
	}
	return s.desc, true
}

// Has reports whether name is a declared service.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.services[name]
	return ok
}

// Names lists declared services in declaration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Directory maps every declared service to its operations path. It is the
// service directory handed to workers.
func (r *Registry) Directory() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dir := make(map[string]string, len(r.services))
	for name, s := range r.services {
		dir[name] = s.desc.OperationsPath
	}
	return dir
}

// AddInstance claims port for a new instance of name. The port check and the
// insert happen under one lock, so two allocations racing for the same port
// get exactly one winner; the loser receives ErrPortInUse and retries.
func (r *Registry) AddInstance(name string, port int, processID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.services[name]
	if !ok {
		return errors.Wrap(errors.KindRouting, errors.ErrUnknownService, "registry", "AddInstance", name)
	}
	if _, taken := r.ports[port]; taken {
		return errors.Wrap(errors.KindPortConflict, errors.ErrPortInUse, "registry", "AddInstance", name)
	}
	r.ports[port] = name
	s.instances = append(s.instances, &Instance{ProcessID: processID, Port: port})
	return nil
}

// RemoveInstance removes the instance of name on port and frees the port.
// The remaining instances keep their relative order.
func (r *Registry) RemoveInstance(name string, port int) (Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, i := r.lookup(name, port)
	if i < 0 {
		return Instance{}, false
	}
	inst := *s.instances[i]
	s.instances = append(s.instances[:i], s.instances[i+1:]...)
	delete(r.ports, port)
	return inst, true
}

// PortInUse reports whether any live instance holds port.
func (r *Registry) PortInUse(port int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.ports[port]
	return ok
}

// IndexOf resolves (name, port) to the instance's position, or -1.
func (r *Registry) IndexOf(name string, port int) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, i := r.lookup(name, port)
	return i
}

func (r *Registry) lookup(name string, port int) (*service, int) {
	s, ok := r.services[name]
	if !ok {
		return nil, -1
	}
	for i, inst := range s.instances {
		if inst.Port == port {
			return s, i
		}
	}
	return s, -1
}

// Update applies fn to the instance of name on port under the registry lock.
// It reports false when no such instance exists.
func (r *Registry) Update(name string, port int, fn func(*Instance)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, i := r.lookup(name, port)
	if i < 0 {
		return false
	}
	fn(s.instances[i])
	return true
}

func (r *Registry) SetProcess(name string, port int, p *os.Process) bool {
	return r.Update(name, port, func(inst *Instance) { inst.Process = p })
}

// SetSocket stores the connected socket and marks the instance ready.
func (r *Registry) SetSocket(name string, port int, sock Socket) bool {
	return r.Update(name, port, func(inst *Instance) {
		inst.Socket = sock
		inst.Ready = sock != nil
		inst.LastError = nil
	})
}

func (r *Registry) SetInstanceError(name string, port int, err error) bool {
	return r.Update(name, port, func(inst *Instance) {
		inst.LastError = err
		inst.Ready = false
	})
}

// RecordExit keeps the error a removed instance exited with on its service,
// so it stays visible after the record is gone. A nil err clears it.
func (r *Registry) RecordExit(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.services[name]; ok {
		s.lastError = err
	}
}

// Instances returns a copy of name's instance records in order.
func (r *Registry) Instances(name string) []Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.services[name]
	if !ok {
		return nil
	}
	out := make([]Instance, len(s.instances))
	for i, inst := range s.instances {
		out[i] = *inst
	}
	return out
}

// Ready reports whether name has at least one instance that can take
// requests.
func (r *Registry) Ready(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.services[name]
	if !ok {
		return false
	}
	for _, inst := range s.instances {
		if inst.Ready && inst.Socket != nil {
			return true
		}
	}
	return false
}

// MarkReleased records that the process on port is being stopped on purpose
// and must not be respawned.
func (r *Registry) MarkReleased(port int) {
	r.mu.Lock()
	r.released[port] = struct{}{}
	r.mu.Unlock()
}

// ConsumeReleased reports whether port was marked released and clears the
// mark.
func (r *Registry) ConsumeReleased(port int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.released[port]
	delete(r.released, port)
	return ok
}

// PickFunc chooses one of the candidate instances by index.
type PickFunc func(candidates []Instance) (int, error)

// Acquire selects a ready instance of name with pick and increments its
// connection count. pick sees only ready instances, in registry order; its
// index is validated before use. The returned port identifies the instance
// for ReleaseConnection.
func (r *Registry) Acquire(name string, pick PickFunc) (Socket, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.services[name]
	if !ok {
		return nil, 0, errors.Wrap(errors.KindRouting, errors.ErrUnknownDestination, "registry", "Acquire", name)
	}

	var ready []*Instance
	candidates := make([]Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		if inst.Ready && inst.Socket != nil {
			ready = append(ready, inst)
			candidates = append(candidates, *inst)
		}
	}
	if len(ready) == 0 {
		return nil, 0, errors.Wrap(errors.KindConnection, errors.ErrNoInstances, "registry", "Acquire", name)
	}

	i, err := pick(candidates)
	if err != nil {
		return nil, 0, err
	}
	if i < 0 || i >= len(ready) {
		return nil, 0, errors.Wrap(errors.KindRouting, errors.ErrNoInstances, "registry", "Acquire", "selected index out of range")
	}
	inst := ready[i]
	inst.Connections++
	return inst.Socket, inst.Port, nil
}

// ReleaseConnection decrements the connection count Acquire incremented.
func (r *Registry) ReleaseConnection(name string, port int) {
	r.Update(name, port, func(inst *Instance) {
		if inst.Connections > 0 {
			inst.Connections--
		}
	})
}

// InstanceStatus is the externally visible state of one instance.
type InstanceStatus struct {
	ProcessID   string `json:"processId"`
	Port        int    `json:"port"`
	PID         int    `json:"pid,omitempty"`
	Connections uint   `json:"connections"`
	Ready       bool   `json:"ready"`
	Error       string `json:"error,omitempty"`
}

// ServiceStatus is the externally visible state of one service.
type ServiceStatus struct {
	Name          string           `json:"name"`
	Operations    string           `json:"operations"`
	LoadBalancing string           `json:"loadBalancing"`
	Ready         bool             `json:"ready"`
	LastError     string           `json:"lastError,omitempty"`
	Instances     []InstanceStatus `json:"instances"`
}

// Snapshot reports every service, sorted by name.
func (r *Registry) Snapshot() []ServiceStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ServiceStatus, 0, len(r.services))
	for name, s := range r.services {
		st := ServiceStatus{
			Name:          name,
			Operations:    s.desc.OperationsPath,
			LoadBalancing: s.desc.Options.LoadBalancing,
			Instances:     make([]InstanceStatus, 0, len(s.instances)),
		}
		if s.lastError != nil {
			st.LastError = s.lastError.Error()
		}
		for _, inst := range s.instances {
			is := InstanceStatus{
				ProcessID:   inst.ProcessID,
				Port:        inst.Port,
				Connections: inst.Connections,
				Ready:       inst.Ready,
			}
			if inst.Process != nil {
				is.PID = inst.Process.Pid
			}
			if inst.LastError != nil {
				is.Error = inst.LastError.Error()
			}
			st.Ready = st.Ready || inst.Ready
			st.Instances = append(st.Instances, is)
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
