package serde

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
)

// TypeRegistry is the default Serializer. Application state types register
// themselves under stable names; DumpTyped records the name as the type tag
// and LoadTyped reconstructs the registered Go type from it. Unregistered
// values fall back to best-effort JSON under the TypeJSON tag, which decodes
// to generic maps/slices instead of the original type.
type TypeRegistry struct {
	mu           sync.RWMutex
	nameToType   map[string]reflect.Type
	typeToName   map[reflect.Type]string
	marshalers   map[reflect.Type]func(any) ([]byte, error)
	unmarshalers map[string]func([]byte) (any, error)
}

var _ Serializer = (*TypeRegistry)(nil)

// NewTypeRegistry creates an empty registry.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{
		nameToType:   make(map[string]reflect.Type),
		typeToName:   make(map[reflect.Type]string),
		marshalers:   make(map[reflect.Type]func(any) ([]byte, error)),
		unmarshalers: make(map[string]func([]byte) (any, error)),
	}
}

// defaultRegistry backs the package-level Register/Default helpers.
var defaultRegistry = NewTypeRegistry()

// DefaultRegistry returns the process-wide registry used by savers that are
// constructed without an explicit Serializer.
func DefaultRegistry() *TypeRegistry {
	return defaultRegistry
}

// Register registers a value's type on the default registry.
//
// Example:
//
//	var state AgentState
//	serde.Register(state, "AgentState")
func Register(value any, typeName string) error {
	return defaultRegistry.Register(value, typeName)
}

// Register registers a value's type under typeName. Only structs and
// pointers to structs are accepted; plain data belongs on the JSON fast
// path and needs no registration.
func (r *TypeRegistry) Register(value any, typeName string) error {
	t := reflect.TypeOf(value)
	if t == nil {
		return fmt.Errorf("cannot register nil value as %s", typeName)
	}
	base := t
	if base.Kind() == reflect.Ptr {
		base = base.Elem()
	}
	if base.Kind() != reflect.Struct {
		return fmt.Errorf("type %s must be a struct or pointer to struct", t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.typeToName[t]; ok && existing != typeName {
		return fmt.Errorf("type %v already registered as %s", t, existing)
	}
	if existing, ok := r.nameToType[typeName]; ok && existing != t {
		return fmt.Errorf("name %s already registered for %v", typeName, existing)
	}

	r.nameToType[typeName] = t
	r.typeToName[t] = typeName
	return nil
}

// RegisterWithCodec registers a type with custom marshal/unmarshal functions
// for types whose JSON form is not their natural wire form.
func (r *TypeRegistry) RegisterWithCodec(
	value any,
	typeName string,
	marshal func(any) ([]byte, error),
	unmarshal func([]byte) (any, error),
) error {
	if err := r.Register(value, typeName); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.marshalers[reflect.TypeOf(value)] = marshal
	r.unmarshalers[typeName] = unmarshal
	return nil
}

// DumpTyped implements Serializer.
func (r *TypeRegistry) DumpTyped(v any) (string, []byte, error) {
	if v == nil {
		return TypeJSON, []byte("null"), nil
	}

	t := reflect.TypeOf(v)
	r.mu.RLock()
	name, registered := r.typeToName[t]
	marshal := r.marshalers[t]
	r.mu.RUnlock()

	if !registered {
		data, err := json.Marshal(v)
		if err != nil {
			return "", nil, fmt.Errorf("type %v is not registered and not JSON-marshalable: %w", t, err)
		}
		return TypeJSON, data, nil
	}

	var data []byte
	var err error
	if marshal != nil {
		data, err = marshal(v)
	} else {
		data, err = json.Marshal(v)
	}
	if err != nil {
		return "", nil, err
	}
	return name, data, nil
}

// LoadTyped implements Serializer.
func (r *TypeRegistry) LoadTyped(typeTag string, data []byte) (any, error) {
	if typeTag == TypeJSON {
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		return v, nil
	}

	r.mu.RLock()
	t, ok := r.nameToType[typeTag]
	unmarshal := r.unmarshalers[typeTag]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown type tag %q", typeTag)
	}
	if unmarshal != nil {
		return unmarshal(data)
	}

	ptr := t.Kind() == reflect.Ptr
	base := t
	if ptr {
		base = t.Elem()
	}
	out := reflect.New(base)
	if err := json.Unmarshal(data, out.Interface()); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", typeTag, err)
	}
	if ptr {
		return out.Interface(), nil
	}
	return out.Elem().Interface(), nil
}
