package ops

import (
	"sort"

	"github.com/pkg/errors"
)

// Attributes carries the static parameters of an operator, as decoded by a
// format loader: axis numbers, target shapes, padding modes.
type Attributes map[string]any

// IntAttr returns an integer attribute or the default.
func (a Attributes) IntAttr(name string, defaultValue int) (int, error) {
	v, found := a[name]
	if !found {
		return defaultValue, nil
	}
	switch v := v.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	default:
		return 0, errors.Errorf("attribute %q has type %T, expected an integer", name, v)
	}
}

// IntsAttr returns an integer-list attribute, or nil if absent. A single
// integer is accepted as a one-element list.
func (a Attributes) IntsAttr(name string) ([]int, error) {
	v, found := a[name]
	if !found {
		return nil, nil
	}
	switch v := v.(type) {
	case []int:
		return v, nil
	case int:
		return []int{v}, nil
	case []int64:
		out := make([]int, len(v))
		for i, x := range v {
			out[i] = int(x)
		}
		return out, nil
	default:
		return nil, errors.Errorf("attribute %q has type %T, expected a list of integers", name, v)
	}
}

// StringAttr returns a string attribute or the default.
func (a Attributes) StringAttr(name, defaultValue string) (string, error) {
	v, found := a[name]
	if !found {
		return defaultValue, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", errors.Errorf("attribute %q has type %T, expected a string", name, v)
	}
	return s, nil
}

// BoolAttr returns a boolean attribute or the default.
func (a Attributes) BoolAttr(name string, defaultValue bool) (bool, error) {
	v, found := a[name]
	if !found {
		return defaultValue, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, errors.Errorf("attribute %q has type %T, expected a bool", name, v)
	}
	return b, nil
}

// Factory builds an operator from loader-supplied attributes.
type Factory func(attrs Attributes) (Op, error)

var registry = map[string]Factory{}

// Register adds a factory under the operator type tag. Collaborating format
// loaders use the registry to map serialized op types to implementations;
// registering the same tag twice panics, it is a programming error.
func Register(name string, factory Factory) {
	if _, found := registry[name]; found {
		panic(errors.Errorf("operator %q registered twice", name))
	}
	registry[name] = factory
}

// Build instantiates a registered operator.
func Build(name string, attrs Attributes) (Op, error) {
	factory, found := registry[name]
	if !found {
		return nil, errors.Errorf("unsupported operator %q", name)
	}
	op, err := factory(attrs)
	if err != nil {
		return nil, errors.WithMessagef(err, "building operator %q", name)
	}
	return op, nil
}

// Registered returns the sorted list of registered operator type tags.
func Registered() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
