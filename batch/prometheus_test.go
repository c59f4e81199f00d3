package batch

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_Register(t *testing.T) {
	c := NewCollector("batchkit")
	reg := prometheus.NewRegistry()

	require.NoError(t, c.Register(reg))
	assert.Error(t, c.Register(reg), "double registration is rejected")
}

func TestCollector_NilSafe(t *testing.T) {
	var c *Collector

	assert.NotPanics(t, func() {
		c.addProcessed(1)
		c.addFailed(1)
		c.addCacheHits(1)
		c.addRetryAttempt()
		c.batchStarted()
		c.batchFinished(0.5)
	})
}

func TestCollector_Feeds(t *testing.T) {
	c := NewCollector("batchkit")
	reg := prometheus.NewRegistry()
	require.NoError(t, c.Register(reg))

	c.addProcessed(3)
	c.addFailed(1)
	c.addCacheHits(2)
	c.batchStarted()
	c.batchFinished(0.25)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
