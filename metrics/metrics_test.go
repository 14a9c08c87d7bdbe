package metrics

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordVerdict_Counts(t *testing.T) {
	m := NewMetrics()

	m.RecordVerdict("a", OutcomeAllow, "allowed", time.Microsecond)
	m.RecordVerdict("a", OutcomeDeny, "ip_rate_limit", time.Microsecond)
	m.RecordVerdict("b", OutcomeSinkhole, "manual", time.Microsecond)
	m.RecordVerdict("c", OutcomeBlackhole, "manual", time.Microsecond)
	m.RecordVerdict("c", OutcomeQuarantine, "escalation", time.Microsecond)

	snap := m.GetSnapshot()
	assert.Equal(t, int64(5), snap.TotalRequests)
	assert.Equal(t, int64(1), snap.AllowedRequests)
	assert.Equal(t, int64(1), snap.DeniedRequests)
	assert.Equal(t, int64(1), snap.SinkholedRequests)
	assert.Equal(t, int64(1), snap.BlackholedRequests)
	assert.Equal(t, int64(1), snap.QuarantinedRequests)
	assert.Equal(t, int64(4), snap.BlockedRequests())
	assert.Equal(t, int64(3), snap.UniqueClients)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.prom.verdicts.WithLabelValues(OutcomeDeny, "ip_rate_limit")))
}

func TestGetSnapshot_TopClients(t *testing.T) {
	m := NewMetrics()

	for i := 0; i < 15; i++ {
		id := fmt.Sprintf("client-%02d", i)
		for j := 0; j <= i; j++ {
			m.RecordVerdict(id, OutcomeAllow, "allowed", 0)
		}
	}

	snap := m.GetSnapshot()
	require.Len(t, snap.TopClients, 10)
	assert.Equal(t, "client-14", snap.TopClients[0].Identity)
	assert.Equal(t, int64(15), snap.TopClients[0].TotalRequests)
	for i := 1; i < len(snap.TopClients); i++ {
		assert.GreaterOrEqual(t, snap.TopClients[i-1].TotalRequests, snap.TopClients[i].TotalRequests)
	}
}

func TestRecordVerdict_BoundsClientTable(t *testing.T) {
	m := NewMetrics()
	m.maxClients = 2

	m.RecordVerdict("a", OutcomeAllow, "allowed", 0)
	m.RecordVerdict("b", OutcomeAllow, "allowed", 0)
	m.RecordVerdict("c", OutcomeAllow, "allowed", 0)
	m.RecordVerdict("a", OutcomeDeny, "ip_rate_limit", 0)

	snap := m.GetSnapshot()
	assert.Equal(t, int64(2), snap.UniqueClients)
	assert.Equal(t, int64(1), snap.UntrackedClients)
	assert.Equal(t, int64(4), snap.TotalRequests)

	m.Forget("a")
	assert.Equal(t, int64(1), m.GetSnapshot().UniqueClients)
}

func TestRecordEscalation(t *testing.T) {
	m := NewMetrics()

	m.RecordEscalation("normal", "quarantined")
	m.RecordEscalation("quarantined", "sinkholed")

	assert.Equal(t, int64(2), m.GetSnapshot().Escalations)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.prom.escalations.WithLabelValues("normal", "quarantined")))
}

func TestHandler_Exposition(t *testing.T) {
	m := NewMetrics()
	m.RecordVerdict("a", OutcomeDeny, "subnet_rate_limit", time.Millisecond)
	m.SetListed("sinkholed", 3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `threatfence_verdicts_total{outcome="deny",reason="subnet_rate_limit"} 1`))
	assert.True(t, strings.Contains(body, `threatfence_listed_targets{tier="sinkholed"} 3`))
}
