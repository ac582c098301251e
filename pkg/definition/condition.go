// Copyright 2025 The Steplite Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package definition

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Supported condition operators.
const (
	OpBooleanEquals      = "booleanEquals"
	OpStringEquals       = "stringEquals"
	OpNumericEquals      = "numericEquals"
	OpNumericGreaterThan = "numericGreaterThan"
	OpNumericLessThan    = "numericLessThan"
)

// numericEpsilon is the tolerance for numericEquals comparisons.
const numericEpsilon = 1e-6

// Condition is a single Choice predicate: extract Variable from the context
// and compare it to Value with Operator.
type Condition struct {
	// Operator names the comparison (see Op* constants)
	Operator string `json:"operator" yaml:"operator"`

	// Variable is a dotted path into the context, optionally prefixed "$."
	Variable string `json:"variable" yaml:"variable"`

	// Value is the expected value to compare against
	Value any `json:"value,omitempty" yaml:"value,omitempty"`
}

// Evaluate applies the condition to a context object. It never fails: a
// missing operator or variable, an unknown operator, an unresolvable path, or
// an unparseable number all evaluate to false.
func (c Condition) Evaluate(context map[string]any) bool {
	if c.Operator == "" || c.Variable == "" {
		return false
	}

	got := extract(context, c.Variable)

	switch c.Operator {
	case OpBooleanEquals:
		return booleanEquals(got, c.Value)
	case OpStringEquals:
		return stringEquals(got, c.Value)
	case OpNumericEquals:
		return compareNumeric(got, c.Value, func(a, b float64) bool {
			return math.Abs(a-b) < numericEpsilon
		})
	case OpNumericGreaterThan:
		return compareNumeric(got, c.Value, func(a, b float64) bool { return a > b })
	case OpNumericLessThan:
		return compareNumeric(got, c.Value, func(a, b float64) bool { return a < b })
	default:
		return false
	}
}

// extract walks a dotted path through nested objects. Traversal is strictly
// through object keys; any non-object or missing key yields nil.
func extract(context map[string]any, variable string) any {
	variable = strings.TrimPrefix(variable, "$.")

	var current any = context
	for _, part := range strings.Split(variable, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current, ok = obj[part]
		if !ok || current == nil {
			return nil
		}
	}
	return current
}

func booleanEquals(got, want any) bool {
	if got == nil || want == nil {
		return got == nil && want == nil
	}
	return asBool(got) == asBool(want)
}

func asBool(v any) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	return strings.EqualFold(stringify(v), "true")
}

func stringEquals(got, want any) bool {
	if got == nil || want == nil {
		return got == nil && want == nil
	}
	return stringify(got) == stringify(want)
}

func compareNumeric(got, want any, cmp func(a, b float64) bool) bool {
	if got == nil || want == nil {
		return false
	}
	a, err := strconv.ParseFloat(stringify(got), 64)
	if err != nil {
		return false
	}
	b, err := strconv.ParseFloat(stringify(want), 64)
	if err != nil {
		return false
	}
	return cmp(a, b)
}

// stringify renders a context value for comparison. JSON numbers arrive as
// float64; render integral values without a fractional part so "42" and 42
// compare equal under stringEquals.
func stringify(v any) string {
	if f, ok := v.(float64); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}
