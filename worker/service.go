package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"unicode"
	"unicode/utf8"

	"procmesh/codec"
)

// Operation is one callable worker function. args is the request's data
// object, funcName included.
type Operation func(ctx context.Context, args json.RawMessage) (any, error)

type methodType struct {
	method    reflect.Method
	withCtx   bool
	ArgType   reflect.Type
	ReplyType reflect.Type
}

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// scanMethods returns the exported methods of rcvr shaped like
//
//	func (t *T) Name(args *Args, reply *Reply) error
//	func (t *T) Name(ctx context.Context, args *Args, reply *Reply) error
//
// keyed by operation name (the method name with a lower-case first letter).
func scanMethods(rcvr any) (map[string]Operation, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("worker: rcvr must be a pointer, got %v", typ)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("worker: rcvr must point to a struct, got %s", typ.Elem().Kind())
	}
	val := reflect.ValueOf(rcvr)

	ops := make(map[string]Operation)
	for i := 0; i < typ.NumMethod(); i++ {
		m, ok := methodOf(typ.Method(i))
		if !ok {
			continue
		}
		ops[operationName(m.method.Name)] = m.bind(val)
	}
	if len(ops) == 0 {
		return nil, fmt.Errorf("worker: %s has no operation methods", typ.Elem().Name())
	}
	return ops, nil
}

func methodOf(method reflect.Method) (*methodType, bool) {
	mt := method.Type
	if mt.NumOut() != 1 || mt.Out(0) != errorType {
		return nil, false
	}
	in := 1
	withCtx := false
	switch mt.NumIn() {
	case 3:
	case 4:
		if mt.In(1) != contextType {
			return nil, false
		}
		withCtx = true
		in = 2
	default:
		return nil, false
	}
	if mt.In(in).Kind() != reflect.Ptr || mt.In(in+1).Kind() != reflect.Ptr {
		return nil, false
	}
	return &methodType{
		method:    method,
		withCtx:   withCtx,
		ArgType:   mt.In(in).Elem(),
		ReplyType: mt.In(in + 1).Elem(),
	}, true
}

// bind turns the method into an Operation: decode args, call, return reply.
func (m *methodType) bind(rcvr reflect.Value) Operation {
	return func(ctx context.Context, args json.RawMessage) (any, error) {
		argv := reflect.New(m.ArgType)
		replyv := reflect.New(m.ReplyType)
		if len(args) > 0 {
			if err := codec.Default.Decode(args, argv.Interface()); err != nil {
				return nil, err
			}
		}

		in := []reflect.Value{rcvr}
		if m.withCtx {
			in = append(in, reflect.ValueOf(ctx))
		}
		in = append(in, argv, replyv)

		results := m.method.Func.Call(in)
		if err, _ := results[0].Interface().(error); err != nil {
			return nil, err
		}
		return replyv.Interface(), nil
	}
}

func operationName(method string) string {
	r, size := utf8.DecodeRuneInString(method)
	return string(unicode.ToLower(r)) + method[size:]
}
