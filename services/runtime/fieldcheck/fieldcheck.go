// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fieldcheck provides pure per-field and per-form validation.
//
// ValidateField runs on every keystroke, so everything here is
// synchronous, allocation-light, and free of I/O. Compiled pattern
// regexes are cached at package level.
package fieldcheck

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/formrunner/services/runtime/schema"
)

// validate backs the email format check. validator.Validate is safe for
// concurrent use and caches its own struct metadata.
var validate = validator.New()

var (
	patternMu    sync.RWMutex
	patternCache = make(map[string]*regexp.Regexp)
)

// dateLayouts are the accepted date string formats, most specific first.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
	"01/02/2006",
}

// ValidateField checks a single value against its block definition.
//
// # Description
//
// Checks run in a fixed order and the first failure wins:
//  1. required-and-empty
//  2. type-specific format (email, phone, number/currency, date)
//  3. declared validation rules in order (min, max, pattern)
//
// # Outputs
//
//   - string: A human-readable message, or "" when the value is valid.
func ValidateField(block *schema.Block, value any) string {
	empty := isEmpty(value)

	if block.Required && empty {
		return block.Question + " is required"
	}
	if empty {
		// Optional and empty: nothing further to check.
		return ""
	}

	if msg := checkFormat(block, value); msg != "" {
		return msg
	}

	for _, rule := range block.Validation {
		if msg := checkRule(block, rule, value); msg != "" {
			return msg
		}
	}
	return ""
}

// ValidateForm validates every supplied block and returns a map of
// block id to message for the failures. An empty map means valid.
func ValidateForm(blocks []schema.Block, values map[string]any) map[string]string {
	errs := make(map[string]string)
	for i := range blocks {
		if msg := ValidateField(&blocks[i], values[blocks[i].ID]); msg != "" {
			errs[blocks[i].ID] = msg
		}
	}
	return errs
}

// isEmpty reports whether a field value counts as unanswered.
func isEmpty(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(v) == ""
	case []string:
		return len(v) == 0
	case []any:
		return len(v) == 0
	case bool:
		// An unchecked checkbox is an empty answer.
		return !v
	default:
		return false
	}
}

// checkFormat applies the type-specific format check.
func checkFormat(block *schema.Block, value any) string {
	switch block.Type {
	case schema.BlockEmail:
		if s, ok := value.(string); !ok || validate.Var(s, "email") != nil {
			return "Please enter a valid email address"
		}
	case schema.BlockPhone:
		if digitCount(toDisplayString(value)) < 10 {
			return "Please enter a valid phone number"
		}
	case schema.BlockNumber, schema.BlockCurrency:
		if _, ok := toNumber(value); !ok {
			return "Please enter a valid number"
		}
	case schema.BlockDate:
		if !parseableDate(value) {
			return "Please enter a valid date"
		}
	}
	return ""
}

// checkRule applies one declared validation rule.
func checkRule(block *schema.Block, rule schema.ValidationRule, value any) string {
	switch rule.Type {
	case "min":
		bound, ok := toNumber(rule.Value)
		if !ok {
			return ""
		}
		if magnitude(block, value) < bound {
			if rule.Message != "" {
				return rule.Message
			}
			return fmt.Sprintf("%s must be at least %v", block.Question, rule.Value)
		}
	case "max":
		bound, ok := toNumber(rule.Value)
		if !ok {
			return ""
		}
		if magnitude(block, value) > bound {
			if rule.Message != "" {
				return rule.Message
			}
			return fmt.Sprintf("%s must be at most %v", block.Question, rule.Value)
		}
	case "pattern":
		pattern, ok := rule.Value.(string)
		if !ok {
			return ""
		}
		re, err := compiledPattern(pattern)
		if err != nil {
			// A broken pattern never blocks the respondent.
			return ""
		}
		if !re.MatchString(toDisplayString(value)) {
			if rule.Message != "" {
				return rule.Message
			}
			return fmt.Sprintf("%s has an invalid format", block.Question)
		}
	}
	return ""
}

// magnitude is the quantity min/max compare against: numeric value for
// numeric block types (even when the input arrives as a string), length
// for strings and selections.
func magnitude(block *schema.Block, value any) float64 {
	switch block.Type {
	case schema.BlockNumber, schema.BlockCurrency, schema.BlockRating, schema.BlockScale:
		if n, ok := toNumber(value); ok {
			return n
		}
		return 0
	}
	switch v := value.(type) {
	case string:
		return float64(len(v))
	case []string:
		return float64(len(v))
	case []any:
		return float64(len(v))
	default:
		if n, ok := toNumber(value); ok {
			return n
		}
		return 0
	}
}

// toNumber coerces numeric types and numeric strings.
func toNumber(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// parseableDate accepts time.Time values and strings matching a known
// layout.
func parseableDate(value any) bool {
	if _, ok := value.(time.Time); ok {
		return true
	}
	s, ok := value.(string)
	if !ok {
		return false
	}
	for _, layout := range dateLayouts {
		if _, err := time.Parse(layout, s); err == nil {
			return true
		}
	}
	return false
}

func toDisplayString(value any) string {
	if s, ok := value.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", value)
}

func digitCount(s string) int {
	count := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			count++
		}
	}
	return count
}

func compiledPattern(pattern string) (*regexp.Regexp, error) {
	patternMu.RLock()
	re, ok := patternCache[pattern]
	patternMu.RUnlock()
	if ok {
		return re, nil
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}

	patternMu.Lock()
	patternCache[pattern] = re
	patternMu.Unlock()
	return re, nil
}
