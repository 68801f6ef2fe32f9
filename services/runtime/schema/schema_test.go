// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleJSON = `{
	"id": "contact",
	"version": "3",
	"pages": [
		{"id": "p1", "blocks": [
			{"id": "name", "type": "text", "question": "Your name", "required": true}
		]},
		{"id": "p2", "blocks": [
			{"id": "email", "type": "email", "question": "Your email", "required": true}
		]}
	],
	"blocks": [
		{"id": "legacy", "type": "text", "question": "ignored when pages exist"}
	],
	"settings": {"submit_label": "Send"},
	"logic": [
		{"id": "skip-email", "conditions": [
			{"field": "email", "operator": "equals", "value": "skip@test.com"}
		], "actions": [
			{"type": "skip", "target": "email"}
		]}
	]
}`

// TestLoad verifies JSON parsing and required id.
func TestLoad(t *testing.T) {
	s, err := Load([]byte(sampleJSON))
	require.NoError(t, err)
	assert.Equal(t, "contact", s.ID)
	assert.Len(t, s.Pages, 2)
	assert.Equal(t, "Send", s.Settings.SubmitLabel)
	require.Len(t, s.Logic, 1)
	assert.Equal(t, OpEquals, s.Logic[0].Conditions[0].Operator)

	_, err = Load([]byte(`{"pages": []}`))
	assert.Error(t, err, "missing id is rejected")

	_, err = Load([]byte(`{not json`))
	assert.Error(t, err)
}

// TestAllBlocks_PagesWin verifies pages take precedence over the flat
// blocks list.
func TestAllBlocks_PagesWin(t *testing.T) {
	s, err := Load([]byte(sampleJSON))
	require.NoError(t, err)

	blocks := s.AllBlocks()
	require.Len(t, blocks, 2)
	assert.Equal(t, "name", blocks[0].ID)
	assert.Equal(t, "email", blocks[1].ID)
}

// TestAllBlocks_FlatFallback verifies the flat list is used without pages.
func TestAllBlocks_FlatFallback(t *testing.T) {
	s := &FormSchema{
		ID:     "flat",
		Blocks: []Block{{ID: "a", Type: BlockText}, {ID: "b", Type: BlockText}},
	}
	blocks := s.AllBlocks()
	require.Len(t, blocks, 2)
	assert.Equal(t, "a", blocks[0].ID)
}

// TestBlockByID verifies lookup across pages.
func TestBlockByID(t *testing.T) {
	s, err := Load([]byte(sampleJSON))
	require.NoError(t, err)

	b, ok := s.BlockByID("email")
	require.True(t, ok)
	assert.Equal(t, BlockEmail, b.Type)

	_, ok = s.BlockByID("missing")
	assert.False(t, ok)
}

// TestValidate verifies id uniqueness across pages.
func TestValidate(t *testing.T) {
	t.Run("valid schema passes", func(t *testing.T) {
		s, err := Load([]byte(sampleJSON))
		require.NoError(t, err)
		assert.NoError(t, s.Validate())
	})

	t.Run("duplicate id across pages fails", func(t *testing.T) {
		s := &FormSchema{
			ID: "dup",
			Pages: []Page{
				{Blocks: []Block{{ID: "x", Type: BlockText}}},
				{Blocks: []Block{{ID: "x", Type: BlockEmail}}},
			},
		}
		err := s.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), `duplicate block id "x"`)
	})

	t.Run("empty id fails", func(t *testing.T) {
		s := &FormSchema{ID: "e", Blocks: []Block{{Type: BlockText}}}
		assert.Error(t, s.Validate())
	})

	t.Run("no blocks fails", func(t *testing.T) {
		s := &FormSchema{ID: "empty"}
		assert.Error(t, s.Validate())
	})
}

// TestLint verifies soft findings are reported without failing.
func TestLint(t *testing.T) {
	s := &FormSchema{
		ID:     "lint",
		Blocks: []Block{{ID: "a", Type: BlockText}},
		Logic: []LogicRule{
			{ID: "empty-cond", Actions: []LogicAction{{Type: ActionHide, Target: "a"}}},
			{ID: "dangling", Conditions: []LogicCondition{
				{Field: "ghost", Operator: OpEquals, Value: "1"},
			}},
		},
	}

	findings := s.Lint()
	require.Len(t, findings, 3)
	assert.Contains(t, findings[0], "never fire")
	assert.Contains(t, findings[1], "no actions")
	assert.Contains(t, findings[2], `unknown field "ghost"`)
}
