// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agent

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// contractValidate evaluates field rules and the payload envelope.
var contractValidate *validator.Validate

func init() {
	contractValidate = validator.New()
}

// FieldKind is the expected shape of one body field.
type FieldKind string

const (
	KindString FieldKind = "string"
	KindNumber FieldKind = "number"
	KindBool   FieldKind = "bool"
	KindList   FieldKind = "list"
	KindObject FieldKind = "object"
	KindAny    FieldKind = "any"
)

// Field describes one key of a contract body.
type Field struct {
	Name     string    `json:"name" yaml:"name"`
	Kind     FieldKind `json:"kind" yaml:"kind"`
	Required bool      `json:"required" yaml:"required"`

	// Rule is a validator tag applied to the value, e.g. "gte=0,lte=1".
	Rule string `json:"rule,omitempty" yaml:"rule,omitempty"`

	// Default fills the field during output coercion when it is missing.
	Default any `json:"default,omitempty" yaml:"default,omitempty"`
}

// Contract is the declared shape of a worker's input or output body.
// A contract with no fields accepts anything.
type Contract struct {
	Name    string  `json:"name" yaml:"name"`
	Version int     `json:"version" yaml:"version"`
	Fields  []Field `json:"fields,omitempty" yaml:"fields,omitempty"`
}

// IsZero reports whether the contract declares no fields.
func (c Contract) IsZero() bool {
	return len(c.Fields) == 0
}

// ContractViolation is a shape mismatch between a body and its contract.
//
// It is recovered locally: the invocation wrapper turns it into a failed
// result rather than a process error.
type ContractViolation struct {
	Worker    string   `json:"worker"`
	Contract  string   `json:"contract"`
	Direction string   `json:"direction"`
	Problems  []string `json:"problems"`
}

// Error implements error.
func (v *ContractViolation) Error() string {
	return fmt.Sprintf("contract violation (%s %s of %s): %s",
		v.Direction, v.Contract, v.Worker, strings.Join(v.Problems, "; "))
}

// Is matches ErrContractViolation.
func (v *ContractViolation) Is(target error) bool {
	return target == ErrContractViolation
}

// Check validates body without modifying it.
//
// Outputs:
//
//	error - *ContractViolation listing every problem, or nil.
func (c Contract) Check(body map[string]any) error {
	var problems []string
	for _, f := range c.Fields {
		v, ok := body[f.Name]
		if !ok || v == nil {
			if f.Required {
				problems = append(problems, fmt.Sprintf("missing required field %q", f.Name))
			}
			continue
		}
		if !kindMatches(f.Kind, v) {
			problems = append(problems, fmt.Sprintf("field %q: want %s, got %T", f.Name, f.Kind, v))
			continue
		}
		if p := checkRule(f, v); p != "" {
			problems = append(problems, p)
		}
	}
	if len(problems) > 0 {
		return &ContractViolation{Contract: c.Name, Direction: "input", Problems: problems}
	}
	return nil
}

// Coerce returns a copy of body brought into the contract's shape.
//
// Description:
//
//	Structurally compatible mismatches are converted: numeric strings to
//	numbers, "true"/"false" to bools, numbers and bools to strings, scalars
//	into one-element lists. Integer numbers are normalized to float64.
//	Missing fields take their Default. Fields not named by the contract are
//	kept as they are.
//
// Outputs:
//
//	map[string]any - The coerced body.
//	error - *ContractViolation when a required field is missing without a
//	        default, a value cannot be converted, or a rule fails.
func (c Contract) Coerce(body map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(body)+len(c.Fields))
	for k, v := range body {
		out[k] = v
	}

	var problems []string
	for _, f := range c.Fields {
		v, ok := out[f.Name]
		if !ok || v == nil {
			if f.Default != nil {
				out[f.Name] = f.Default
				continue
			}
			if f.Required {
				problems = append(problems, fmt.Sprintf("missing required field %q", f.Name))
			}
			continue
		}

		coerced, ok := coerceValue(f.Kind, v)
		if !ok {
			problems = append(problems, fmt.Sprintf("field %q: cannot coerce %T to %s", f.Name, v, f.Kind))
			continue
		}
		if p := checkRule(f, coerced); p != "" {
			problems = append(problems, p)
			continue
		}
		out[f.Name] = coerced
	}
	if len(problems) > 0 {
		return nil, &ContractViolation{Contract: c.Name, Direction: "output", Problems: problems}
	}
	return out, nil
}

func checkRule(f Field, v any) string {
	if f.Rule == "" {
		return ""
	}
	if err := contractValidate.Var(v, f.Rule); err != nil {
		return fmt.Sprintf("field %q: fails rule %q", f.Name, f.Rule)
	}
	return ""
}

// Number converts any Go numeric value to float64.
func Number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func kindMatches(kind FieldKind, v any) bool {
	switch kind {
	case KindString:
		_, ok := v.(string)
		return ok
	case KindNumber:
		_, ok := Number(v)
		return ok
	case KindBool:
		_, ok := v.(bool)
		return ok
	case KindList:
		k := reflect.ValueOf(v).Kind()
		return k == reflect.Slice || k == reflect.Array
	case KindObject:
		return reflect.ValueOf(v).Kind() == reflect.Map
	case KindAny, "":
		return true
	}
	return false
}

func coerceValue(kind FieldKind, v any) (any, bool) {
	switch kind {
	case KindNumber:
		if n, ok := Number(v); ok {
			return n, true
		}
		if s, ok := v.(string); ok {
			n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			return n, err == nil
		}
		return nil, false
	case KindString:
		switch s := v.(type) {
		case string:
			return s, true
		case bool:
			return strconv.FormatBool(s), true
		}
		if n, ok := Number(v); ok {
			return strconv.FormatFloat(n, 'f', -1, 64), true
		}
		return nil, false
	case KindBool:
		switch b := v.(type) {
		case bool:
			return b, true
		case string:
			parsed, err := strconv.ParseBool(strings.TrimSpace(b))
			return parsed, err == nil
		}
		return nil, false
	case KindList:
		if kindMatches(KindList, v) {
			return v, true
		}
		if kindMatches(KindObject, v) {
			return nil, false
		}
		return []any{v}, true
	default:
		return v, kindMatches(kind, v)
	}
}
