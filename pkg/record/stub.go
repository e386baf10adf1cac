package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
)

// StubMessage is the warning every stand-in callable carries.
const StubMessage = "This is a stub function. The original was not serialized."

// ErrStubInvoked is matched by every error produced by calling a stub.
var ErrStubInvoked = errors.New("stub function invoked")

// StubInvokedError reports a call to a function that was replaced by a
// stand-in during capture.
type StubInvokedError struct {
	Name string
}

func (e *StubInvokedError) Error() string {
	if e.Name == "" {
		return StubMessage
	}
	return fmt.Sprintf("%s: %s", e.Name, StubMessage)
}

func (e *StubInvokedError) Is(target error) bool { return target == ErrStubInvoked }

// StubFunc is the live form of a stub Value. Calling it always panics with
// a *StubInvokedError.
type StubFunc func(args ...any) any

// Stub returns the callable stand-in for a stub Value.
func (v *Value) Stub() StubFunc {
	name := ""
	if v != nil {
		name = v.Repr
	}
	return func(...any) any {
		panic(&StubInvokedError{Name: name})
	}
}

// Call invokes the stand-in and returns the failure as an error instead of
// panicking. Calling a Value that is not a stub is an error too.
func (v *Value) Call(args ...any) (any, error) {
	if v == nil || v.Kind != KindStub {
		return nil, fmt.Errorf("record: value is not callable")
	}
	return nil, &StubInvokedError{Name: v.Repr}
}

var (
	typesMu     sync.RWMutex
	opaqueTypes = make(map[string]reflect.Type)
)

// RegisterType makes values of proto's type decodable from opaque Values.
// It is safe to call repeatedly with the same type.
func RegisterType(proto any) {
	t := reflect.TypeOf(proto)
	if t == nil {
		return
	}
	typesMu.Lock()
	opaqueTypes[t.String()] = t
	typesMu.Unlock()
}

// RegisterTypeAs registers proto's type under an alternative name, for
// values captured by a program whose package was named differently.
func RegisterTypeAs(name string, proto any) {
	t := reflect.TypeOf(proto)
	if t == nil {
		return
	}
	typesMu.Lock()
	opaqueTypes[name] = t
	typesMu.Unlock()
}

func lookupType(name string) (reflect.Type, bool) {
	typesMu.RLock()
	defer typesMu.RUnlock()
	t, ok := opaqueTypes[name]
	return t, ok
}

func decodeOpaque(v *Value) (any, error) {
	if t, ok := lookupType(v.Type); ok {
		p := reflect.New(t)
		if err := json.Unmarshal(v.Raw, p.Interface()); err != nil {
			return nil, err
		}
		return p.Elem().Interface(), nil
	}
	var x any
	if err := json.Unmarshal(v.Raw, &x); err != nil {
		return nil, err
	}
	return x, nil
}
