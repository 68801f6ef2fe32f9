// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package schema defines the declarative form model consumed by the
// runtime: pages, question blocks, settings, and conditional logic
// rules. A FormSchema is immutable for the duration of a session.
package schema

import (
	"encoding/json"
	"fmt"
)

// BlockType identifies the kind of question a block asks.
type BlockType string

const (
	BlockText         BlockType = "text"
	BlockLongText     BlockType = "long_text"
	BlockEmail        BlockType = "email"
	BlockPhone        BlockType = "phone"
	BlockNumber       BlockType = "number"
	BlockCurrency     BlockType = "currency"
	BlockDate         BlockType = "date"
	BlockTime         BlockType = "time"
	BlockDropdown     BlockType = "dropdown"
	BlockSingleSelect BlockType = "single_select"
	BlockMultiSelect  BlockType = "multi_select"
	BlockCheckbox     BlockType = "checkbox"
	BlockRating       BlockType = "rating"
	BlockScale        BlockType = "scale"
	BlockFileUpload   BlockType = "file_upload"
	BlockSignature    BlockType = "signature"
	BlockPayment      BlockType = "payment"
)

// Operator compares a field value against a condition value.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
)

// ActionType is the effect a fired rule applies to a target field.
type ActionType string

const (
	ActionShow     ActionType = "show"
	ActionHide     ActionType = "hide"
	ActionSkip     ActionType = "skip"
	ActionJump     ActionType = "jump"
	ActionSetValue ActionType = "set_value"
)

// ValidationRule is a declarative per-field constraint.
//
// Recognized types: "min", "max" (length for strings, magnitude for
// numbers) and "pattern" (regular expression). Unknown types are
// ignored so one bad rule cannot break a form.
type ValidationRule struct {
	Type    string `json:"type"`
	Value   any    `json:"value,omitempty"`
	Message string `json:"message,omitempty"`
}

// Block is a single question definition.
//
// Block IDs must be unique across the whole schema regardless of page.
type Block struct {
	ID          string           `json:"id"`
	Type        BlockType        `json:"type"`
	Question    string           `json:"question"`
	Description string           `json:"description,omitempty"`
	Placeholder string           `json:"placeholder,omitempty"`
	Required    bool             `json:"required,omitempty"`
	Properties  map[string]any   `json:"properties,omitempty"`
	Validation  []ValidationRule `json:"validation,omitempty"`
}

// Page groups an ordered list of blocks.
type Page struct {
	ID     string  `json:"id,omitempty"`
	Title  string  `json:"title,omitempty"`
	Blocks []Block `json:"blocks"`
}

// LogicCondition matches a single field value.
type LogicCondition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value"`
}

// LogicAction is applied when its rule fires.
type LogicAction struct {
	Type   ActionType `json:"type"`
	Target string     `json:"target"`
	Value  any        `json:"value,omitempty"`
}

// LogicRule fires when every condition matches (implicit AND). A rule
// with an empty condition list never fires; this guards against
// malformed data producing an accidental always-on rule.
type LogicRule struct {
	ID         string           `json:"id,omitempty"`
	Conditions []LogicCondition `json:"conditions"`
	Actions    []LogicAction    `json:"actions"`
}

// Settings holds presentation options the runtime passes through.
type Settings struct {
	ShowProgressBar bool   `json:"show_progress_bar,omitempty"`
	SubmitLabel     string `json:"submit_label,omitempty"`
	ThankYouHTML    string `json:"thank_you_html,omitempty"`
	RedirectURL     string `json:"redirect_url,omitempty"`
}

// FormSchema is the immutable-per-session form description.
//
// Exactly one of Pages or the flat Blocks list is the effective
// question source; when both are present, Pages wins.
type FormSchema struct {
	ID       string            `json:"id"`
	Version  string            `json:"version,omitempty"`
	Pages    []Page            `json:"pages,omitempty"`
	Blocks   []Block           `json:"blocks,omitempty"`
	Settings Settings          `json:"settings,omitempty"`
	Theme    map[string]string `json:"theme,omitempty"`
	Logic    []LogicRule       `json:"logic,omitempty"`
}

// Load parses a JSON-encoded schema.
func Load(data []byte) (*FormSchema, error) {
	var s FormSchema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse form schema: %w", err)
	}
	if s.ID == "" {
		return nil, fmt.Errorf("form schema: missing id")
	}
	return &s, nil
}

// AllBlocks returns the effective ordered question list. Pages win over
// the flat Blocks list when both are present.
func (s *FormSchema) AllBlocks() []Block {
	if len(s.Pages) > 0 {
		var out []Block
		for _, p := range s.Pages {
			out = append(out, p.Blocks...)
		}
		return out
	}
	return s.Blocks
}

// BlockByID looks up a block anywhere in the schema.
func (s *FormSchema) BlockByID(id string) (*Block, bool) {
	blocks := s.AllBlocks()
	for i := range blocks {
		if blocks[i].ID == id {
			return &blocks[i], true
		}
	}
	return nil, false
}

// Validate checks the structural invariants the runtime depends on:
// non-empty block IDs and ID uniqueness across the whole schema.
//
// Soft issues (dangling logic targets, rules that can never fire) are
// reported by Lint instead; the runtime tolerates them at evaluation
// time.
func (s *FormSchema) Validate() error {
	blocks := s.AllBlocks()
	if len(blocks) == 0 {
		return fmt.Errorf("form %s: no blocks", s.ID)
	}

	seen := make(map[string]struct{}, len(blocks))
	for _, b := range blocks {
		if b.ID == "" {
			return fmt.Errorf("form %s: block with empty id", s.ID)
		}
		if _, dup := seen[b.ID]; dup {
			return fmt.Errorf("form %s: duplicate block id %q", s.ID, b.ID)
		}
		seen[b.ID] = struct{}{}
	}
	return nil
}

// Lint reports non-fatal schema issues: logic rules whose conditions or
// actions reference unknown blocks, rules with no conditions, and rules
// with no actions.
func (s *FormSchema) Lint() []string {
	known := make(map[string]struct{})
	for _, b := range s.AllBlocks() {
		known[b.ID] = struct{}{}
	}

	var findings []string
	for i, rule := range s.Logic {
		name := rule.ID
		if name == "" {
			name = fmt.Sprintf("#%d", i)
		}
		if len(rule.Conditions) == 0 {
			findings = append(findings,
				fmt.Sprintf("rule %s has no conditions and will never fire", name))
		}
		if len(rule.Actions) == 0 {
			findings = append(findings,
				fmt.Sprintf("rule %s has no actions", name))
		}
		for _, c := range rule.Conditions {
			if _, ok := known[c.Field]; !ok {
				findings = append(findings,
					fmt.Sprintf("rule %s condition references unknown field %q", name, c.Field))
			}
		}
		for _, a := range rule.Actions {
			if _, ok := known[a.Target]; !ok {
				findings = append(findings,
					fmt.Sprintf("rule %s action targets unknown field %q", name, a.Target))
			}
		}
	}
	return findings
}
