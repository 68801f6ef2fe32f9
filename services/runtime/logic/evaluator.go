// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logic implements the conditional rule evaluator for form
// sessions: show/hide/skip/jump/set_value rules evaluated against the
// current field values on every change.
//
// The evaluator is pure with respect to I/O. Malformed rules are never
// an error: unknown operators evaluate to false and unknown action
// types are ignored, so one bad rule cannot break the whole form.
package logic

import "github.com/AleutianAI/formrunner/services/runtime/schema"

// Navigation is a pending skip or jump staged by a fired rule.
type Navigation struct {
	Type   schema.ActionType
	Target string
}

// Effects is the observable outcome of applying a pass of actions.
type Effects struct {
	// HiddenFields lists blocks hidden after this pass, in no
	// particular order.
	HiddenFields []string

	// FieldUpdates maps target field id to the value staged by
	// set_value actions.
	FieldUpdates map[string]any

	// Navigation is the first skip/jump encountered this pass, if any.
	Navigation *Navigation
}

// Evaluator evaluates logic rules and folds their actions into a
// hidden-field set and staged effects.
//
// # Thread Safety
//
// Not safe for concurrent use; the orchestrator owns one evaluator per
// session and serializes access.
type Evaluator struct {
	hidden map[string]struct{}
	values map[string]any
}

// NewEvaluator creates an evaluator with empty state.
func NewEvaluator() *Evaluator {
	return &Evaluator{
		hidden: make(map[string]struct{}),
		values: make(map[string]any),
	}
}

// Reset clears the hidden-field set and the internal value cache. The
// evaluator is reusable without reconstruction.
func (e *Evaluator) Reset() {
	e.hidden = make(map[string]struct{})
	e.values = make(map[string]any)
}

// EvaluateRules returns the actions of every rule whose conditions all
// match, in schema order with each rule's actions in declared order.
//
// A rule with zero conditions never fires. Rules are independent: no
// rule can disable another rule's evaluation. The supplied values
// replace the evaluator's value cache for the pass.
func (e *Evaluator) EvaluateRules(rules []schema.LogicRule, values map[string]any) []schema.LogicAction {
	e.values = make(map[string]any, len(values))
	for k, v := range values {
		e.values[k] = v
	}

	var fired []schema.LogicAction
	for _, rule := range rules {
		if len(rule.Conditions) == 0 {
			continue
		}
		matched := true
		for _, cond := range rule.Conditions {
			if !e.conditionMatches(cond) {
				matched = false
				break
			}
		}
		if matched {
			fired = append(fired, rule.Actions...)
		}
	}
	return fired
}

// ApplyActions folds a pass of fired actions into effects.
//
// The hidden set is recomputed from scratch on every call; it is not
// cumulative across passes. Within a pass: show deletes from the hidden
// set and hide inserts (last write for a target wins), set_value stages
// an update and also updates the value cache so later conditions in the
// same pass observe it, and only the first skip/jump is honored.
func (e *Evaluator) ApplyActions(actions []schema.LogicAction) Effects {
	e.hidden = make(map[string]struct{})

	effects := Effects{FieldUpdates: make(map[string]any)}
	for _, a := range actions {
		switch a.Type {
		case schema.ActionShow:
			delete(e.hidden, a.Target)
		case schema.ActionHide:
			e.hidden[a.Target] = struct{}{}
		case schema.ActionSetValue:
			effects.FieldUpdates[a.Target] = a.Value
			e.values[a.Target] = a.Value
		case schema.ActionSkip, schema.ActionJump:
			if effects.Navigation == nil {
				effects.Navigation = &Navigation{Type: a.Type, Target: a.Target}
			}
		default:
			// Unknown action types are deliberately ignored.
		}
	}

	effects.HiddenFields = make([]string, 0, len(e.hidden))
	for id := range e.hidden {
		effects.HiddenFields = append(effects.HiddenFields, id)
	}
	return effects
}

// IsHidden reports whether the last pass hid the given field.
func (e *Evaluator) IsHidden(fieldID string) bool {
	_, hidden := e.hidden[fieldID]
	return hidden
}

// conditionMatches evaluates one condition against the value cache.
// A missing field value is treated as the empty string.
func (e *Evaluator) conditionMatches(cond schema.LogicCondition) bool {
	value, ok := e.values[cond.Field]
	if !ok || value == nil {
		value = ""
	}

	switch cond.Operator {
	case schema.OpEquals:
		return isEqual(value, cond.Value)
	case schema.OpNotEquals:
		return !isEqual(value, cond.Value)
	case schema.OpContains:
		return containsValue(value, cond.Value)
	case schema.OpNotContains:
		return !containsValue(value, cond.Value)
	case schema.OpGreaterThan:
		a, aok := toFloat(value)
		b, bok := toFloat(cond.Value)
		return aok && bok && a > b
	case schema.OpLessThan:
		a, aok := toFloat(value)
		b, bok := toFloat(cond.Value)
		return aok && bok && a < b
	default:
		// Unknown operators evaluate to false.
		return false
	}
}
