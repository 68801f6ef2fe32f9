// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package client talks to the form backend's HTTP API.
//
// RemoteClient satisfies store.RemotePartialSaver, so it can be handed
// straight to a PartialStore as the remote push target.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/AleutianAI/formrunner/services/runtime/store"
)

// ErrNotFound is returned when the remote has no record for the
// requested resume token.
var ErrNotFound = errors.New("remote record not found")

// Submission is a completed form response.
type Submission struct {
	FormID        string            `json:"form_id"`
	RespondentKey string            `json:"respondent_key"`
	Values        map[string]any    `json:"values"`
	StartedAt     time.Time         `json:"started_at"`
	CompletedAt   time.Time         `json:"completed_at"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// RemoteClient is an HTTP client for the submissions and partials API.
//
// # Thread Safety
//
// Safe for concurrent use.
type RemoteClient struct {
	baseURL string
	http    *http.Client
}

// Option customizes a RemoteClient.
type Option func(*RemoteClient)

// WithHTTPClient substitutes the underlying HTTP client, mainly for
// tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *RemoteClient) { c.http = hc }
}

// New creates a client for the API rooted at baseURL
// (e.g. "https://api.example.com/v1").
func New(baseURL string, opts ...Option) (*RemoteClient, error) {
	baseURL = strings.TrimRight(baseURL, "/")
	if _, err := url.Parse(baseURL); err != nil || baseURL == "" {
		return nil, fmt.Errorf("invalid base URL %q", baseURL)
	}
	c := &RemoteClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// SubmitForm delivers a completed submission.
func (c *RemoteClient) SubmitForm(ctx context.Context, sub *Submission) error {
	resp, err := c.do(ctx, http.MethodPost, c.baseURL+"/submissions", sub)
	if err != nil {
		return err
	}
	defer drain(resp)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apiError("submit form", resp)
	}
	return nil
}

// SavePartial pushes in-progress answers and returns the remote's
// receipt, including the resume token to hand back to the respondent.
func (c *RemoteClient) SavePartial(ctx context.Context, partial *store.Partial) (*store.PartialReceipt, error) {
	resp, err := c.do(ctx, http.MethodPost, c.baseURL+"/partials", partial)
	if err != nil {
		return nil, err
	}
	defer drain(resp)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apiError("save partial", resp)
	}
	var receipt store.PartialReceipt
	if err := json.NewDecoder(resp.Body).Decode(&receipt); err != nil {
		return nil, fmt.Errorf("decode partial receipt: %w", err)
	}
	return &receipt, nil
}

// LoadPartial fetches the partial stored under a resume token.
func (c *RemoteClient) LoadPartial(ctx context.Context, token string) (*store.Partial, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	resp, err := c.do(ctx, http.MethodGet, c.baseURL+"/partials/"+url.PathEscape(token), nil)
	if err != nil {
		return nil, err
	}
	defer drain(resp)
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apiError("load partial", resp)
	}
	var partial store.Partial
	if err := json.NewDecoder(resp.Body).Decode(&partial); err != nil {
		return nil, fmt.Errorf("decode partial: %w", err)
	}
	return &partial, nil
}

// DeletePartial removes a remote partial after final submission.
// A missing record is not an error.
func (c *RemoteClient) DeletePartial(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	resp, err := c.do(ctx, http.MethodDelete, c.baseURL+"/partials/"+url.PathEscape(token), nil)
	if err != nil {
		return err
	}
	defer drain(resp)
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apiError("delete partial", resp)
	}
	return nil
}

// Ping reports whether the API's health endpoint answers. Used as the
// sync service's connectivity probe.
func (c *RemoteClient) Ping(ctx context.Context) bool {
	resp, err := c.do(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return false
	}
	defer drain(resp)
	return resp.StatusCode == http.StatusOK
}

func (c *RemoteClient) do(ctx context.Context, method, url string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, url, err)
	}
	return resp, nil
}

func apiError(op string, resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	return fmt.Errorf("%s: status %d: %s", op, resp.StatusCode, strings.TrimSpace(string(snippet)))
}

// drain consumes and closes the body so the connection can be reused.
func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}
