package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCountersAndHandler(t *testing.T) {
	m := New(nil)
	m.Tracked("counted")
	m.Tracked("bot")
	m.Tracked("counted")
	m.BatchFlushed(100)
	m.BatchFailed()
	m.FailOpen()
	m.Reaped(3)
	m.Retained(7)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.TrackedTotal.WithLabelValues("counted")))
	assert.Equal(t, 100.0, testutil.ToFloat64(m.FlushedViews))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FlushedBatches.WithLabelValues("failed")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ReapedViews))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "pageviews_retention_deleted_total 7"))
}
