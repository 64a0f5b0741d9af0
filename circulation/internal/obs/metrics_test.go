package obs

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	m := NewMetrics()
	start := time.Now()
	m.ObserveIssue("success", start)
	m.ObserveIssue("conflict", start)
	m.ObserveIssue("conflict", start)
	m.ObserveReturn("success", 15, start)
	m.ObserveSweep(4, 1, start)
	m.PublishFailed()

	require.Equal(t, 1.0, testutil.ToFloat64(m.IssueTotal.WithLabelValues("success")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.IssueTotal.WithLabelValues("conflict")))
	require.Equal(t, 15.0, testutil.ToFloat64(m.FinesTotal))
	require.Equal(t, 4.0, testutil.ToFloat64(m.OpenLoans))
	require.Equal(t, 1.0, testutil.ToFloat64(m.OverdueLoans))
	require.Equal(t, 1.0, testutil.ToFloat64(m.PublishFailsTotal))

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, strings.Contains(w.Body.String(), "circulation_issue_total"))

	// two instances do not collide on registration
	require.NotPanics(t, func() { NewMetrics() })
}

func TestMetrics_Nil(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.ObserveIssue("success", time.Now())
		m.ObserveReturn("success", 5, time.Now())
		m.ObserveSweep(1, 1, time.Now())
		m.PublishFailed()
	})
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	require.Equal(t, http.StatusNotFound, w.Code)
}
