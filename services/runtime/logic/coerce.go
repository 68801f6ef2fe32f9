// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logic

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// isEqual is the type-coercing deep equality used by equals/not_equals
// conditions. Arrays are compared elementwise; two values of mismatched
// types are compared as strings, so isEqual(5, "5") is true.
func isEqual(a, b any) bool {
	as, aIsSlice := toSlice(a)
	bs, bIsSlice := toSlice(b)
	if aIsSlice || bIsSlice {
		if !aIsSlice || !bIsSlice || len(as) != len(bs) {
			return false
		}
		for i := range as {
			if !isEqual(as[i], bs[i]) {
				return false
			}
		}
		return true
	}

	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if reflect.TypeOf(a) == reflect.TypeOf(b) {
		return reflect.DeepEqual(a, b)
	}
	return toString(a) == toString(b)
}

// containsValue implements contains/not_contains: case-insensitive
// substring match for strings, membership via isEqual for arrays, and
// false for every other haystack type.
func containsValue(haystack, needle any) bool {
	if s, ok := haystack.(string); ok {
		return strings.Contains(strings.ToLower(s), strings.ToLower(toString(needle)))
	}
	if items, ok := toSlice(haystack); ok {
		for _, item := range items {
			if isEqual(item, needle) {
				return true
			}
		}
	}
	return false
}

// toFloat coerces a value to a finite float64. Returns false for
// non-numeric or non-finite inputs.
func toFloat(v any) (float64, bool) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int32:
		f = float64(x)
	case int64:
		f = float64(x)
	case bool:
		if x {
			f = 1
		}
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}

	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// toString renders a value the way the comparison semantics expect:
// floats without a trailing fraction when whole, booleans as
// true/false, nil as the empty string.
func toString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case int:
		return strconv.Itoa(x)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", x)
	}
}

// toSlice normalizes the slice shapes field values arrive in
// ([]string from the runtime, []any from JSON) to []any.
func toSlice(v any) ([]any, bool) {
	switch x := v.(type) {
	case []any:
		return x, true
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out, true
	case []float64:
		out := make([]any, len(x))
		for i, f := range x {
			out[i] = f
		}
		return out, true
	default:
		return nil, false
	}
}
