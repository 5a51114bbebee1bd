package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNew(t *testing.T) {
	m := New()
	if m.Registry == nil {
		t.Fatal("expected non-nil Registry")
	}
	if _, err := m.Registry.Gather(); err != nil {
		t.Fatalf("gather failed: %v", err)
	}

	m.SnapshotReloadsTotal.Inc()
	fams, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather after inc failed: %v", err)
	}
	if len(fams) == 0 {
		t.Fatal("expected at least one metric family after increment")
	}
}

func TestRecordEvaluation(t *testing.T) {
	m := New()

	m.RecordEvaluation("prod", "rollout-included")
	m.RecordEvaluation("prod", "rollout-included")
	m.RecordEvaluation("staging", "blocked")

	included := testutil.ToFloat64(m.EvaluationsTotal.WithLabelValues("prod", "rollout-included"))
	blocked := testutil.ToFloat64(m.EvaluationsTotal.WithLabelValues("staging", "blocked"))

	if included != 2 {
		t.Fatalf("expected rollout-included count 2, got %v", included)
	}
	if blocked != 1 {
		t.Fatalf("expected blocked count 1, got %v", blocked)
	}
}

func TestOnSnapshotReload(t *testing.T) {
	m := New()

	m.OnSnapshotReload(5)
	m.OnSnapshotReload(7)

	if v := testutil.ToFloat64(m.SnapshotSize); v != 7 {
		t.Fatalf("expected snapshot size 7, got %v", v)
	}
	if v := testutil.ToFloat64(m.SnapshotReloadsTotal); v != 2 {
		t.Fatalf("expected snapshot reloads 2, got %v", v)
	}
}

func TestOnCacheInvalidation(t *testing.T) {
	m := New()

	m.OnCacheInvalidation()
	m.OnCacheInvalidation()
	m.OnCacheInvalidation()

	if v := testutil.ToFloat64(m.CacheInvalidations); v != 3 {
		t.Fatalf("expected cache invalidations 3, got %v", v)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.SnapshotReloadsTotal.Inc()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	body, _ := io.ReadAll(rec.Result().Body)
	if rec.Code != 200 {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if !strings.Contains(string(body), "gatekeeper_snapshot_reloads_total") {
		t.Fatal("expected response to contain gatekeeper_snapshot_reloads_total")
	}
}
