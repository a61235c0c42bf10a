package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/crisis-escalation/internal/config"
	"github.com/t77yq/crisis-escalation/internal/model"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	c, _, err := config.Load("")
	require.NoError(t, err)
	c.Store.Driver = "memory"
	c.NATS.Enabled = false
	return c
}

func TestRecipientsAndTiers(t *testing.T) {
	c := testConfig(t)

	r := recipientsFrom(c)
	assert.Equal(t, []string{"oncall-clinician@example.org"}, r.For(0))
	assert.Equal(t, []string{
		"oncall-clinician@example.org",
		"clinical-lead@example.org",
		"medical-director@example.org",
	}, r.For(3))

	assert.Equal(t, []time.Duration{5 * time.Minute, 5 * time.Minute, 10 * time.Minute}, tierDelays(c))
}

func TestNewApp_WiresComponents(t *testing.T) {
	c := testConfig(t)
	a, err := newApp(c, zaptest.NewLogger(t), true)
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.js)
	assert.Nil(t, a.publisher)

	ctx := context.Background()
	alert, created, err := a.registry.Create(ctx, model.Detection{
		UserID:        "u1",
		SessionID:     "s1",
		RiskLevel:     model.RiskLevelCritical,
		RiskType:      model.RiskTypeSuicidal,
		SourceMessage: "I have a plan",
		Keywords:      []string{"plan"},
	})
	require.NoError(t, err)
	assert.True(t, created)

	stored, err := a.store.GetAlert(ctx, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AlertStatusPending, stored.Status)
}

func TestMaintenanceJobs(t *testing.T) {
	c := testConfig(t)
	a, err := newApp(c, zaptest.NewLogger(t), false)
	require.NoError(t, err)
	defer a.Close()

	m, err := maintenanceJobs(a, c, zaptest.NewLogger(t))
	require.NoError(t, err)

	for _, name := range []string{jobDedupSweep, jobPrune, jobKeywordRefresh} {
		require.NoError(t, m.RunNow(name), name)
		_, ok := m.LastRun(name)
		assert.True(t, ok, name)
	}
}
