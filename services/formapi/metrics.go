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
	"github.com/prometheus/client_golang/prometheus"
)

// metrics holds the server's Prometheus collectors. Each server gets
// its own registry so multiple instances in one process never collide.
type metrics struct {
	registry *prometheus.Registry

	submissions  *prometheus.CounterVec
	partialSaves *prometheus.CounterVec
	events       prometheus.Counter
}

func newMetrics() *metrics {
	m := &metrics{registry: prometheus.NewRegistry()}

	m.submissions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "formapi_submissions_total",
		Help: "Completed form submissions accepted, by form id.",
	}, []string{"form_id"})

	m.partialSaves = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "formapi_partial_saves_total",
		Help: "Partial progress saves accepted, by form id.",
	}, []string{"form_id"})

	m.events = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "formapi_analytics_events_total",
		Help: "Analytics events accepted in batches.",
	})

	m.registry.MustRegister(m.submissions, m.partialSaves, m.events)
	return m
}
