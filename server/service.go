package server

import (
	"fmt"
	"reflect"
)

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// method is an exported method of the form func (r *T) Name(args *A, reply *R) error.
type method struct {
	fn        reflect.Value
	argType   reflect.Type
	replyType reflect.Type
}

type service struct {
	name    string
	rcvr    reflect.Value
	methods map[string]*method
}

// newService inspects rcvr, which must be a pointer to a struct, and collects its RPC methods.
func newService(rcvr any) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("server: receiver must be a pointer, got %T", rcvr)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("server: receiver must point to a struct, got %s", typ.Elem().Kind())
	}

	s := &service{
		name:    typ.Elem().Name(),
		rcvr:    reflect.ValueOf(rcvr),
		methods: make(map[string]*method),
	}
	for i := 0; i < typ.NumMethod(); i++ {
		m := typ.Method(i)
		mt := m.Type
		if mt.NumIn() != 3 || mt.NumOut() != 1 || mt.Out(0) != errorType ||
			mt.In(1).Kind() != reflect.Ptr || mt.In(2).Kind() != reflect.Ptr {
			continue
		}
		s.methods[m.Name] = &method{
			fn:        m.Func,
			argType:   mt.In(1).Elem(),
			replyType: mt.In(2).Elem(),
		}
	}
	if len(s.methods) == 0 {
		return nil, fmt.Errorf("server: %s has no method of the form Name(*Args, *Reply) error", s.name)
	}
	return s, nil
}

func (s *service) call(m *method, argv, replyv reflect.Value) error {
	out := m.fn.Call([]reflect.Value{s.rcvr, argv, replyv})
	if err, _ := out[0].Interface().(error); err != nil {
		return err
	}
	return nil
}
