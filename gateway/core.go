package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"procmesh/codec"
	"procmesh/envelope"
	"procmesh/listener"
)

// Request is a call to a core operation.
type Request struct {
	Name    string
	Command envelope.Command
	// Conn is the client connection, nil for runOnStart calls.
	Conn *listener.Conn
}

// Bind decodes the command's data object into v.
func (r *Request) Bind(v any) error {
	if len(r.Command.Data) == 0 {
		return nil
	}
	if err := codec.Default.Decode(r.Command.Data, v); err != nil {
		return fmt.Errorf("%s: invalid arguments: %w", r.Name, err)
	}
	return nil
}

// CoreOperation is an operation the gateway runs itself. Its result becomes
// resultBody.resData of a success envelope; an error becomes a
// commandFailed envelope.
type CoreOperation func(ctx context.Context, req *Request) (any, error)

// HandleCore registers op under name, replacing a built-in of the same name.
func (g *Gateway) HandleCore(name string, op CoreOperation) {
	g.coreMu.Lock()
	g.core[name] = op
	g.coreMu.Unlock()
}

func (g *Gateway) operation(name string) (CoreOperation, bool) {
	g.coreMu.RLock()
	defer g.coreMu.RUnlock()
	op, ok := g.core[name]
	return op, ok
}

func builtinOperations(g *Gateway) map[string]CoreOperation {
	return map[string]CoreOperation{
		"serviceStatus":     g.serviceStatus,
		"databaseOperation": g.databaseOperation,
		"startInstances":    g.startInstances,
		"stopInstance":      g.stopInstance,
	}
}

func (g *Gateway) serviceStatus(ctx context.Context, req *Request) (any, error) {
	return g.reg.Snapshot(), nil
}

type databaseArgs struct {
	Table  string          `json:"table"`
	Method string          `json:"method"`
	Key    string          `json:"key"`
	Keys   []string        `json:"keys"`
	Value  json.RawMessage `json:"value"`
}

// databaseOperation runs get, put, delete or keys on a kvstore table.
func (g *Gateway) databaseOperation(ctx context.Context, req *Request) (any, error) {
	if g.store == nil {
		return nil, fmt.Errorf("no database is configured")
	}
	var args databaseArgs
	if err := req.Bind(&args); err != nil {
		return nil, err
	}

	switch args.Method {
	case "get":
		v, ok, err := g.store.Get(args.Table, args.Key)
		if err != nil || !ok {
			return nil, err
		}
		return json.RawMessage(v), nil
	case "put":
		if args.Key == "" {
			return nil, fmt.Errorf("put requires a key")
		}
		if len(args.Value) == 0 {
			args.Value = json.RawMessage("null")
		}
		return true, g.store.Put(args.Table, args.Key, args.Value)
	case "delete":
		keys := args.Keys
		if args.Key != "" {
			keys = append(keys, args.Key)
		}
		return true, g.store.Delete(args.Table, keys...)
	case "keys":
		return g.store.Keys(args.Table)
	}
	return nil, fmt.Errorf("unknown database method %q", args.Method)
}

type startInstancesArgs struct {
	Service   string `json:"service"`
	Instances int    `json:"instances"`
}

// startInstances spawns more instances of a service and waits until they
// are ready.
func (g *Gateway) startInstances(ctx context.Context, req *Request) (any, error) {
	var args startInstancesArgs
	if err := req.Bind(&args); err != nil {
		return nil, err
	}
	if args.Instances < 1 {
		args.Instances = 1
	}
	if err := g.sup.StartInstances(ctx, args.Service, args.Instances); err != nil {
		return nil, err
	}
	return map[string]any{"service": args.Service, "instances": len(g.reg.Instances(args.Service))}, nil
}

type stopInstanceArgs struct {
	Service string `json:"service"`
	Port    int    `json:"port"`
}

// stopInstance stops one instance for good.
func (g *Gateway) stopInstance(ctx context.Context, req *Request) (any, error) {
	var args stopInstanceArgs
	if err := req.Bind(&args); err != nil {
		return nil, err
	}
	if err := g.sup.StopInstance(args.Service, args.Port); err != nil {
		return nil, err
	}
	return map[string]any{"service": args.Service, "port": args.Port}, nil
}
