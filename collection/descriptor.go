package collection

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"

	"golang.org/x/exp/maps"
)

const DefaultIdField = "id"
const DefaultTempIdField = "tempId"

// the fields of one collection member, as sent to or received from the server.
// a descriptor is treated as immutable once it has been emitted;
// edits produce a new descriptor
type Descriptor map[string]any

func (self Descriptor) Clone() Descriptor {
	if self == nil {
		return Descriptor{}
	}
	return Descriptor(maps.Clone(map[string]any(self)))
}

// returns a copy with the fields of `fields` applied on top
func (self Descriptor) With(fields Descriptor) Descriptor {
	next := self.Clone()
	for key, value := range fields {
		next[key] = value
	}
	return next
}

// returns a copy without the given keys
func (self Descriptor) Without(keys ...string) Descriptor {
	next := self.Clone()
	for _, key := range keys {
		delete(next, key)
	}
	return next
}

func (self Descriptor) Identity(idField string) (Identity, error) {
	value, ok := self[idField]
	if !ok {
		return Identity{}, ErrMissingIdentity
	}
	return IdentityOfValue(value)
}

func (self Descriptor) Keys() []string {
	keys := maps.Keys(self)
	slices.Sort(keys)
	return keys
}

func (self Descriptor) String() string {
	b, err := json.Marshal(self)
	if err != nil {
		return fmt.Sprintf("%v", map[string]any(self))
	}
	return string(b)
}

// numbers are decoded as `json.Number` so server ids keep their literal form
func decodeJson(data []byte, v any) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	return decoder.Decode(v)
}

func DecodeDescriptor(data []byte) (Descriptor, error) {
	var descriptor Descriptor
	if err := decodeJson(data, &descriptor); err != nil {
		return nil, err
	}
	if descriptor == nil {
		return nil, fmt.Errorf("%w: null descriptor", ErrDecode)
	}
	return descriptor, nil
}

// accepts `{...}` or `{"<name>": {...}}`
func decodeWrappedDescriptor(data []byte, name string) (Descriptor, error) {
	descriptor, err := DecodeDescriptor(data)
	if err != nil {
		return nil, err
	}
	if len(descriptor) == 1 {
		if inner, ok := descriptor[name].(map[string]any); ok {
			return Descriptor(inner), nil
		}
	}
	return descriptor, nil
}

// accepts `[...]`, `{"items": [...]}` or `{"<name>s": [...]}`
func decodeDescriptorList(data []byte, name string) ([]Descriptor, error) {
	trimmed := bytes.TrimSpace(data)
	if 0 < len(trimmed) && trimmed[0] == '[' {
		var descriptors []Descriptor
		if err := decodeJson(trimmed, &descriptors); err != nil {
			return nil, err
		}
		return descriptors, nil
	}

	var wrapper map[string]json.RawMessage
	if err := decodeJson(trimmed, &wrapper); err != nil {
		return nil, err
	}
	for _, key := range []string{"items", name + "s", name} {
		if raw, ok := wrapper[key]; ok {
			var descriptors []Descriptor
			if err := decodeJson(raw, &descriptors); err != nil {
				return nil, err
			}
			return descriptors, nil
		}
	}
	return nil, fmt.Errorf("%w: index body has no list (keys %v)", ErrDecode, maps.Keys(wrapper))
}
