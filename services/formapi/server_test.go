// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package formapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/formrunner/services/runtime/store"
)

const contactJSON = `{
  "id": "contact",
  "blocks": [
    {"id": "name", "type": "text", "question": "Your name", "required": true},
    {"id": "email", "type": "email", "question": "Email", "required": true}
  ]
}`

func newTestServer(t *testing.T, mutate func(*Config)) *Server {
	t.Helper()
	schemaDir := t.TempDir()
	require.NoError(t, os.WriteFile(
		filepath.Join(schemaDir, "contact.json"), []byte(contactJSON), 0640))

	cfg := Config{SchemaDir: schemaDir}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

// TestHealthz verifies both health endpoints.
func TestHealthz(t *testing.T) {
	s := newTestServer(t, nil)

	assert.Equal(t, http.StatusOK, doJSON(t, s, "GET", "/healthz", nil).Code)
	assert.Equal(t, http.StatusOK, doJSON(t, s, "GET", "/v1/healthz", nil).Code)
}

// TestSubmissions verifies the accept path and binding validation.
func TestSubmissions(t *testing.T) {
	s := newTestServer(t, nil)

	w := doJSON(t, s, "POST", "/v1/submissions", map[string]any{
		"form_id":        "contact",
		"respondent_key": "r1",
		"values":         map[string]any{"name": "Ada", "email": "ada@example.com"},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["id"])

	// Missing required fields are rejected by binding.
	w = doJSON(t, s, "POST", "/v1/submissions", map[string]any{"values": map[string]any{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// TestPartialRoundTrip verifies POST mints a token, GET resolves it,
// DELETE clears it.
func TestPartialRoundTrip(t *testing.T) {
	s := newTestServer(t, nil)

	w := doJSON(t, s, "POST", "/v1/partials", store.Partial{
		FormID:        "contact",
		RespondentKey: "r1",
		Values:        map[string]any{"name": "Ada"},
		CurrentStep:   1,
	})
	require.Equal(t, http.StatusOK, w.Code)

	var receipt store.PartialReceipt
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &receipt))
	assert.NotEmpty(t, receipt.ID)
	assert.NotEmpty(t, receipt.ResumeToken)
	assert.True(t, receipt.ExpiresAt.After(time.Now()))

	w = doJSON(t, s, "GET", "/v1/partials/"+receipt.ResumeToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var rec partialRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.Equal(t, "Ada", rec.Values["name"])
	assert.Equal(t, 1, rec.CurrentStep)

	assert.Equal(t, http.StatusNoContent,
		doJSON(t, s, "DELETE", "/v1/partials/"+receipt.ResumeToken, nil).Code)
	assert.Equal(t, http.StatusNotFound,
		doJSON(t, s, "GET", "/v1/partials/"+receipt.ResumeToken, nil).Code)
}

// TestPartialUpsert verifies a respondent keeps one token across
// repeated saves.
func TestPartialUpsert(t *testing.T) {
	s := newTestServer(t, nil)

	first := doJSON(t, s, "POST", "/v1/partials", store.Partial{
		FormID: "contact", RespondentKey: "r1",
	})
	require.Equal(t, http.StatusOK, first.Code)
	var r1 store.PartialReceipt
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &r1))

	second := doJSON(t, s, "POST", "/v1/partials", store.Partial{
		FormID: "contact", RespondentKey: "r1", CurrentStep: 3,
	})
	require.Equal(t, http.StatusOK, second.Code)
	var r2 store.PartialReceipt
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &r2))

	assert.Equal(t, r1.ResumeToken, r2.ResumeToken)

	w := doJSON(t, s, "GET", "/v1/partials/"+r1.ResumeToken, nil)
	var rec partialRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.Equal(t, 3, rec.CurrentStep)
}

// TestSubmitClearsPartial verifies a completed submission removes the
// respondent's partial.
func TestSubmitClearsPartial(t *testing.T) {
	s := newTestServer(t, nil)

	w := doJSON(t, s, "POST", "/v1/partials", store.Partial{
		FormID: "contact", RespondentKey: "r1",
	})
	var receipt store.PartialReceipt
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &receipt))

	w = doJSON(t, s, "POST", "/v1/submissions", map[string]any{
		"form_id":        "contact",
		"respondent_key": "r1",
		"values":         map[string]any{"name": "Ada"},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	assert.Equal(t, http.StatusNotFound,
		doJSON(t, s, "GET", "/v1/partials/"+receipt.ResumeToken, nil).Code)
}

// TestAnalyticsBatch verifies the accepted count.
func TestAnalyticsBatch(t *testing.T) {
	s := newTestServer(t, nil)

	w := doJSON(t, s, "POST", "/v1/analytics/batch", map[string]any{
		"events": []map[string]any{{"name": "form_view"}, {"name": "step_view"}},
	})
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp map[string]int
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp["accepted"])

	assert.Equal(t, http.StatusBadRequest,
		doJSON(t, s, "POST", "/v1/analytics/batch", map[string]any{}).Code)
}

// TestGetForm verifies schema serving.
func TestGetForm(t *testing.T) {
	s := newTestServer(t, nil)

	w := doJSON(t, s, "GET", "/v1/forms/contact", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"Your name"`)

	assert.Equal(t, http.StatusNotFound,
		doJSON(t, s, "GET", "/v1/forms/nope", nil).Code)
}

// TestRateLimit verifies the per-IP limiter returns 429 once the
// burst is spent.
func TestRateLimit(t *testing.T) {
	s := newTestServer(t, func(cfg *Config) {
		cfg.RateLimit = 0.001
		cfg.RateBurst = 2
	})

	assert.Equal(t, http.StatusOK, doJSON(t, s, "GET", "/v1/forms/contact", nil).Code)
	assert.Equal(t, http.StatusOK, doJSON(t, s, "GET", "/v1/forms/contact", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests,
		doJSON(t, s, "GET", "/v1/forms/contact", nil).Code)

	// The unversioned health endpoint is never rate limited.
	assert.Equal(t, http.StatusOK, doJSON(t, s, "GET", "/healthz", nil).Code)
}

// TestMetricsEndpoint verifies counters surface on /metrics.
func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, nil)

	doJSON(t, s, "POST", "/v1/submissions", map[string]any{
		"form_id": "contact",
		"values":  map[string]any{"name": "Ada"},
	})

	w := doJSON(t, s, "GET", "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `formapi_submissions_total{form_id="contact"} 1`)
}

// TestSchemaHotReload verifies the registry picks up edited files.
func TestSchemaHotReload(t *testing.T) {
	schemaDir := t.TempDir()
	path := filepath.Join(schemaDir, "contact.json")
	require.NoError(t, os.WriteFile(path, []byte(contactJSON), 0640))

	s, err := New(Config{SchemaDir: schemaDir})
	require.NoError(t, err)
	t.Cleanup(s.Close)

	updated := `{
	  "id": "contact",
	  "blocks": [{"id": "name", "type": "text", "question": "Full name", "required": true}]
	}`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0640))

	assert.Eventually(t, func() bool {
		sch := s.registry.Get("contact")
		return sch != nil && len(sch.Blocks) == 1 && sch.Blocks[0].Question == "Full name"
	}, 5*time.Second, 50*time.Millisecond)
}
