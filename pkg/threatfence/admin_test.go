package threatfence

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KanavDutta/threatfence/escalation"
	"github.com/KanavDutta/threatfence/metrics"
)

func TestAdmin_ListingsReachThePipeline(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	ok, err := e.AddToSinkhole("198.51.100.0/24", escalation.TargetSubnet, "scanner range")
	require.NoError(t, err)
	assert.True(t, ok)

	v := e.Evaluate(Request{Identity: "198.51.100.77", Path: "/api/v1/users"})
	assert.Equal(t, OutcomeSinkhole, v.Outcome)
	require.NotNil(t, v.Decoy)

	ok, err = e.Quarantine("203.0.113.4", 0, "manual")
	require.NoError(t, err)
	assert.True(t, ok)
	v = e.Evaluate(Request{Identity: "203.0.113.4", Path: "/"})
	assert.Equal(t, OutcomeQuarantine, v.Outcome)
	assert.Equal(t, time.Hour, v.RetryAfter, "non-positive duration uses quarantine_duration")

	assert.True(t, e.LiftQuarantine("203.0.113.4"))
	assert.False(t, e.LiftQuarantine("203.0.113.4"))
	assert.Equal(t, OutcomeAllow, e.Evaluate(Request{Identity: "203.0.113.4", Path: "/"}).Outcome)
}

func TestAdmin_InvalidTargets(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	_, err := e.AddToSinkhole("", escalation.TargetIdentity, "")
	assert.ErrorIs(t, err, ErrInvalidTarget)

	_, err = e.AddToBlackhole("abc", escalation.TargetFingerprint, "")
	assert.ErrorIs(t, err, ErrUnsupportedTarget)

	_, err = e.AddToBlackhole("not-an-ip", escalation.TargetSubnet, "")
	assert.ErrorIs(t, err, ErrInvalidTarget)

	assert.ErrorIs(t, e.Whitelist(""), ErrInvalidTarget)
	assert.ErrorIs(t, e.Blacklist(""), ErrInvalidTarget)
}

func TestAdmin_UnlistRestoresNormalFlow(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	require.NoError(t, e.Blacklist("10.9.9.9"))
	assert.Equal(t, OutcomeDeny, e.Evaluate(Request{Identity: "10.9.9.9"}).Outcome)

	assert.True(t, e.Unlist("10.9.9.9"))
	assert.False(t, e.Unlist("10.9.9.9"))
	assert.True(t, e.Reputation("10.9.9.9").Allowed)
}

func TestGetStatistics(t *testing.T) {
	e, _ := newTestEngine(t, nil, WithMetrics(metrics.NewMetrics()))

	e.Evaluate(Request{Identity: "10.0.0.1", Path: "/"})
	_, err := e.AddToBlackhole("10.0.0.2", escalation.TargetIdentity, "manual")
	require.NoError(t, err)
	require.NoError(t, e.Whitelist("10.0.0.3"))

	stats := e.GetStatistics()
	assert.Equal(t, 1, stats.Escalation.Blackholed)
	assert.Equal(t, 1, stats.Reputation.Whitelisted)
	assert.Equal(t, 1, stats.Behavior.Profiles)
	require.NotNil(t, stats.Verdicts)
	assert.Equal(t, int64(1), stats.Verdicts.AllowedRequests)
}

func TestExportThreatIntelligence(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	_, err := e.AddToBlackhole("203.0.113.9", escalation.TargetIdentity, "manual")
	require.NoError(t, err)
	_, err = e.AddToSinkhole("198.51.100.0/24", escalation.TargetSubnet, "manual")
	require.NoError(t, err)
	require.NoError(t, e.Blacklist("bad-actor"))

	intel := e.ExportThreatIntelligence()

	_, err = uuid.Parse(intel.ExportID)
	require.NoError(t, err)
	assert.Equal(t, []string{"203.0.113.9"}, intel.Blackholed)
	assert.Equal(t, []string{"198.51.100.0/24"}, intel.SinkholedSubnets)
	assert.Equal(t, []string{"bad-actor"}, intel.Blacklisted)
	assert.Equal(t, 3, intel.BlockedCount)

	assert.True(t, intel.MayBeBlocked("203.0.113.9"))
	assert.True(t, intel.MayBeBlocked("198.51.100.0/24"))
	assert.True(t, intel.MayBeBlocked("bad-actor"))

	second := e.ExportThreatIntelligence()
	assert.NotEqual(t, intel.ExportID, second.ExportID)
}

func TestThreatIntel_JSONRoundTripKeepsFilter(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	_, err := e.AddToBlackhole("203.0.113.9", escalation.TargetIdentity, "manual")
	require.NoError(t, err)

	data, err := json.Marshal(e.ExportThreatIntelligence())
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Contains(t, raw, "blackholed", "escalation intel is inlined")
	assert.Contains(t, raw, "blocked_filter")

	var decoded ThreatIntel
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, decoded.MayBeBlocked("203.0.113.9"))
}

func TestThreatIntel_EmptyFilter(t *testing.T) {
	var intel ThreatIntel
	assert.False(t, intel.MayBeBlocked("anything"))

	e, _ := newTestEngine(t, nil)
	exported := e.ExportThreatIntelligence()
	assert.Zero(t, exported.BlockedCount)
	assert.NotNil(t, exported.Blacklisted)
}

func TestInspect(t *testing.T) {
	e, _ := newTestEngine(t, lenientEscalation)

	for i := 0; i < 17; i++ {
		e.Evaluate(Request{Identity: "10.1.1.1", Path: "/"})
	}

	report := e.Inspect("10.1.1.1")
	assert.Equal(t, "10.1.1.1", report.Identity)
	assert.Equal(t, 90, report.Reputation.Score)
	require.Len(t, report.Violations, 2)
	assert.Equal(t, "ip_rate_limit", report.Violations[0].Kind)
	assert.Equal(t, escalation.Normal, report.Tier)
	assert.Equal(t, 10, report.EscalationScore)
	require.NotNil(t, report.Behavior)
	assert.Equal(t, 17, report.Behavior.Requests)

	unknown := e.Inspect("10.1.1.2")
	assert.Equal(t, 100, unknown.Reputation.Score)
	assert.Empty(t, unknown.Violations)
	assert.Zero(t, unknown.EscalationScore)
	assert.Nil(t, unknown.Behavior)
	assert.Equal(t, 1, e.GetStatistics().Behavior.Profiles, "inspect creates no state")
}
