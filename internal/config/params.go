package config

import (
	"fmt"
	"math/big"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
)

// paramsValue evaluates a step's free-form params expression into plain Go
// values handlers can forward to a capability. Only an object literal is
// accepted at the top level.
func paramsValue(expr hcl.Expression) (map[string]any, error) {
	if expr == nil {
		return nil, nil
	}
	val, diags := expr.Value(nil)
	if diags.HasErrors() {
		return nil, fmt.Errorf("invalid params: %w", diags)
	}
	if val.IsNull() {
		return nil, nil
	}
	if !val.Type().IsObjectType() && !val.Type().IsMapType() {
		return nil, fmt.Errorf("params must be an object, got %s", val.Type().FriendlyName())
	}

	out := make(map[string]any, val.LengthInt())
	for key, elem := range val.AsValueMap() {
		converted, err := ctyToGo(elem)
		if err != nil {
			return nil, fmt.Errorf("params.%s: %w", key, err)
		}
		out[key] = converted
	}
	return out, nil
}

// ctyToGo converts an evaluated cty value into the equivalent Go value.
func ctyToGo(val cty.Value) (any, error) {
	if val.IsNull() {
		return nil, nil
	}
	ty := val.Type()
	switch {
	case ty == cty.String:
		return val.AsString(), nil
	case ty == cty.Bool:
		return val.True(), nil
	case ty == cty.Number:
		bf := val.AsBigFloat()
		if i, acc := bf.Int64(); acc == big.Exact {
			return i, nil
		}
		f, _ := bf.Float64()
		return f, nil
	case ty.IsTupleType() || ty.IsListType() || ty.IsSetType():
		items := make([]any, 0, val.LengthInt())
		for it := val.ElementIterator(); it.Next(); {
			_, elem := it.Element()
			converted, err := ctyToGo(elem)
			if err != nil {
				return nil, err
			}
			items = append(items, converted)
		}
		return items, nil
	case ty.IsObjectType() || ty.IsMapType():
		m := make(map[string]any, val.LengthInt())
		for key, elem := range val.AsValueMap() {
			converted, err := ctyToGo(elem)
			if err != nil {
				return nil, err
			}
			m[key] = converted
		}
		return m, nil
	}
	return nil, fmt.Errorf("unsupported value type %s", ty.FriendlyName())
}
