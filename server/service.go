package server

import (
	"context"
	"fmt"
	"reflect"

	"mq-rpc/message"
)

// Procedure is a remotely callable function. It receives the reassembled
// request params and files and returns the result params and files.
type Procedure func(ctx context.Context, params message.Params, files *message.Files) (message.Params, *message.Files, error)

// ProceduresOf collects the exported methods of rcvr that have the Procedure
// signature, named "Type.Method". The result can be merged into the map
// handed to NewServer.
func ProceduresOf(rcvr any) (map[string]Procedure, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("rpc: rcvr must be a pointer, got %T", rcvr)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("rpc: rcvr must point to a struct, got %s", typ.Elem().Kind())
	}

	val := reflect.ValueOf(rcvr)
	name := typ.Elem().Name()
	procs := make(map[string]Procedure)
	for i := 0; i < typ.NumMethod(); i++ {
		method := typ.Method(i)
		fn, ok := val.Method(i).Interface().(func(context.Context, message.Params, *message.Files) (message.Params, *message.Files, error))
		if !ok {
			continue
		}
		procs[name+"."+method.Name] = fn
	}
	if len(procs) == 0 {
		return nil, fmt.Errorf("rpc: %s has no procedure methods", name)
	}
	return procs, nil
}
