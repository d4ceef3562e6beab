package component

import (
	"encoding/json"
	"fmt"

	"github.com/extensivelabs/agentecs/internal/errs"
)

// Dynamic describes a component type without a Go type of its own. Values
// are JSON-shaped: nil, bool, float64, string, []any or map[string]any.
// Scenario files and scripted systems declare their components this way.
type Dynamic struct {
	Combine  func(a, b any) any
	Split    func(v any, ratio float64) (any, any)
	Reduce   func(values []any) any
	Validate func(v any) error
}

// RegisterDynamic adds a dynamic component type under name.
func RegisterDynamic(r *Registry, name string, d Dynamic) (TypeID, error) {
	if name == "" {
		return 0, errs.InvalidType(name, "dynamic type needs a name")
	}
	validate := d.Validate
	info := &Info{
		Name: name,
		caps: Capabilities{
			Combine: d.Combine,
			Split:   d.Split,
			Reduce:  d.Reduce,
			Clone:   DeepCopy,
		},
		check: func(v any) error {
			if !isJSONShaped(v) {
				return errs.InvalidType(name, fmt.Sprintf("value of type %T is not JSON-shaped", v))
			}
			if validate != nil {
				if err := validate(v); err != nil {
					return errs.InvalidType(name, err.Error())
				}
			}
			return nil
		},
		decode: func(data []byte) (any, error) {
			var v any
			if err := json.Unmarshal(data, &v); err != nil {
				return nil, err
			}
			return v, nil
		},
	}
	return r.add(info)
}

// DeepCopy copies a JSON-shaped value so the result shares no maps or slices
// with v.
func DeepCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = DeepCopy(elem)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = DeepCopy(elem)
		}
		return out
	default:
		return v
	}
}

func isJSONShaped(v any) bool {
	switch val := v.(type) {
	case nil, bool, float64, string:
		return true
	case []any:
		for _, elem := range val {
			if !isJSONShaped(elem) {
				return false
			}
		}
		return true
	case map[string]any:
		for _, elem := range val {
			if !isJSONShaped(elem) {
				return false
			}
		}
		return true
	}
	return false
}
