// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorCounts(t *testing.T) {
	c := New()

	c.CallStarted("outgoing")
	assert.Equal(t, float64(1), testutil.ToFloat64(c.callsActive))

	c.CallEnded("outgoing", "remote", 3*time.Second)
	c.CallEnded("incoming", "failed", 0)
	c.DTMFSent()
	c.DTMFSent()
	c.RegistrationResult("registered")

	assert.Equal(t, float64(0), testutil.ToFloat64(c.callsActive))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.callsStarted.WithLabelValues("outgoing")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.callsEnded.WithLabelValues("incoming", "failed")))
	assert.Equal(t, float64(2), testutil.ToFloat64(c.dtmfSent))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.registrations.WithLabelValues("registered")))
}

func TestCollectorHandler(t *testing.T) {
	c := New()
	c.RegistrationResult("failed")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `sip_audio_session_registrations_total{outcome="failed"} 1`), body)
	assert.Contains(t, body, "go_goroutines")
}
