// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func scrape(t *testing.T, handler http.Handler, user, pass string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	if user != "" {
		req.SetBasicAuth(user, pass)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	return rec.Code, string(body)
}

func TestCollector_ExposesObservations(t *testing.T) {
	c := NewCollector()
	c.ObserveFetch("Radarr0", "stalled", 3, nil)
	c.ObserveFetch("Radarr0", "stalled", 0, errors.New("boom"))
	c.ObserveDetection("Radarr0", "stalled")
	c.ObserveRemediation("Radarr0", "searched")
	c.ObserveSearchCommand("Radarr0", "MoviesSearch", nil)
	c.ObserveSearchCommand("Sonarr0", "EpisodeSearch", errors.New("timeout"))
	c.SetTracked("Radarr0", 4)
	c.ObserveSweep(1500 * time.Millisecond)

	code, body := scrape(t, NewHandler(c, nil), "", "")
	require.Equal(t, http.StatusOK, code)

	for _, want := range []string{
		`stallarr_queue_items_fetched_total{instance="Radarr0",mode="stalled"} 3`,
		`stallarr_queue_fetch_errors_total{instance="Radarr0",mode="stalled"} 1`,
		`stallarr_detections_total{instance="Radarr0",mode="stalled"} 1`,
		`stallarr_remediations_total{instance="Radarr0",outcome="searched"} 1`,
		`stallarr_search_commands_total{command="MoviesSearch",instance="Radarr0",result="success"} 1`,
		`stallarr_search_commands_total{command="EpisodeSearch",instance="Sonarr0",result="error"} 1`,
		`stallarr_tracked_downloads{instance="Radarr0"} 4`,
		`stallarr_sweep_duration_seconds_count 1`,
		`go_goroutines`,
	} {
		assert.Contains(t, body, want)
	}
}

func TestCollector_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewCollector()
		NewCollector()
	})
}

func TestParseBasicAuthUsers(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)

	users, err := ParseBasicAuthUsers("")
	require.NoError(t, err)
	assert.Empty(t, users)

	users, err = ParseBasicAuthUsers(" prom:" + string(hash) + " , ")
	require.NoError(t, err)
	assert.Equal(t, string(hash), users["prom"])

	_, err = ParseBasicAuthUsers("prom")
	assert.Error(t, err)

	_, err = ParseBasicAuthUsers("prom:plaintext")
	assert.Error(t, err)
}

func TestHandler_BasicAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)
	handler := NewHandler(NewCollector(), map[string]string{"prom": string(hash)})

	tests := []struct {
		name string
		user string
		pass string
		want int
	}{
		{name: "missing credentials", want: http.StatusUnauthorized},
		{name: "wrong password", user: "prom", pass: "nope", want: http.StatusUnauthorized},
		{name: "unknown user", user: "other", pass: "hunter2", want: http.StatusUnauthorized},
		{name: "valid", user: "prom", pass: "hunter2", want: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _ := scrape(t, handler, tt.user, tt.pass)
			assert.Equal(t, tt.want, code)
		})
	}
}

func TestNewServer(t *testing.T) {
	srv, err := NewServer(NewCollector(), "127.0.0.1", 9078, "")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9078", srv.Addr())

	_, err = NewServer(NewCollector(), "127.0.0.1", 9078, "broken")
	assert.Error(t, err)
}
