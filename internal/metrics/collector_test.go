package metrics

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAction(t *testing.T) {
	c := NewCollector("agent", zerolog.Nop())

	c.RecordAction("click", true, 120*time.Millisecond)
	c.RecordAction("click", false, time.Second)
	c.RecordAction("click", true, 80*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.actionsTotal.WithLabelValues("click", OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.actionsTotal.WithLabelValues("click", OutcomeFailure)))
	assert.Equal(t, 1, testutil.CollectAndCount(c.actionDuration))
}

func TestRecordPlanAndAttempts(t *testing.T) {
	c := NewCollector("agent", zerolog.Nop())

	c.RecordPlan(true, "", 3)
	c.RecordPlan(false, "ActionError", 2)
	c.RecordSelectorAttempt(false)
	c.RecordSelectorAttempt(false)
	c.RecordSelectorAttempt(true)
	c.RecordInterception("dialog")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.plansTotal.WithLabelValues(OutcomeFailure, "ActionError")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.selectorAttempts.WithLabelValues(OutcomeFailure)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.interceptions.WithLabelValues("dialog")))
}

func TestCollectorsDoNotShareState(t *testing.T) {
	a := NewCollector("agent", zerolog.Nop())
	b := NewCollector("agent", zerolog.Nop())

	a.RecordLLMRequest("gemini", true, time.Second)
	assert.Equal(t, 1.0, testutil.ToFloat64(a.llmRequests.WithLabelValues("gemini", OutcomeSuccess)))
	assert.Equal(t, 0, testutil.CollectAndCount(b.llmRequests))
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordAction("click", true, time.Millisecond)
		c.RecordPlan(true, "", 1)
		c.RecordSelectorAttempt(true)
		c.RecordLLMRequest("openai", false, time.Millisecond)
		c.RecordInterception("popup")
	})
}

func TestWriteTextfile(t *testing.T) {
	c := NewCollector("agent", zerolog.Nop())
	c.RecordAction("navigate", true, time.Second)

	path := filepath.Join(t.TempDir(), "agent.prom")
	require.NoError(t, c.WriteTextfile(path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `agent_actions_total{kind="navigate",outcome="success"} 1`)
}
