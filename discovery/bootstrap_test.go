package discovery

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/cqkd/config"
)

func bootstrapSettings(selection string, seeds string) *config.Settings {
	cfg := testSettings()
	cfg.BootstrapSelectionStrategy = selection
	cfg.BootstrapNodes = seeds
	cfg.BootstrapStrategy = "adaptive"
	return cfg
}

func TestBootstrapRoundRobinWraps(t *testing.T) {
	cfg := bootstrapSettings("round_robin", "10.0.0.1:5678,10.0.0.2:5679,10.0.0.3:5680")
	bm := NewBootstrapManager(context.Background(), cfg)

	var picked []int
	for i := 0; i < 6; i++ {
		node, ok := bm.Select()
		require.True(t, ok)
		picked = append(picked, node.Port)
	}
	assert.Equal(t, []int{5678, 5679, 5680, 5678, 5679, 5680}, picked)
}

func TestBootstrapLeastLoaded(t *testing.T) {
	cfg := bootstrapSettings("least_loaded", "10.0.0.1:5678,10.0.0.2:5679")
	bm := NewBootstrapManager(context.Background(), cfg)

	bm.nodes[0].LoadScore = 0.9
	bm.nodes[1].LoadScore = 0.1

	node, ok := bm.Select()
	require.True(t, ok)
	assert.Equal(t, 5679, node.Port)
}

func TestBootstrapLeastLoadedTieBreaksOnConnections(t *testing.T) {
	cfg := bootstrapSettings("least_loaded", "10.0.0.1:5678,10.0.0.2:5679")
	bm := NewBootstrapManager(context.Background(), cfg)

	bm.nodes[0].ConnectionCount = 10
	bm.nodes[1].ConnectionCount = 2

	node, ok := bm.Select()
	require.True(t, ok)
	assert.Equal(t, 5679, node.Port)
}

func TestBootstrapPrioritySelection(t *testing.T) {
	cfg := bootstrapSettings("priority", "10.0.0.1:5678,10.0.0.2:5679")
	bm := NewBootstrapManager(context.Background(), cfg)
	bm.nodes[0].Priority = 5
	bm.nodes[1].Priority = 1

	node, ok := bm.Select()
	require.True(t, ok)
	assert.Equal(t, 5679, node.Port)
}

func TestBootstrapUnhealthyExcludedUntilNoneLeft(t *testing.T) {
	cfg := bootstrapSettings("round_robin", "10.0.0.1:5678,10.0.0.2:5679")
	bm := NewBootstrapManager(context.Background(), cfg)

	first := bm.nodes[0].HostPort()
	for i := 0; i < cfg.BootstrapFailureThreshold; i++ {
		bm.ReportFailure(first)
	}

	for i := 0; i < 4; i++ {
		node, ok := bm.Select()
		require.True(t, ok)
		assert.Equal(t, 5679, node.Port, "unhealthy seed must not be selected")
	}

	// With every seed unhealthy, the manager falls back to the full pool.
	second := bm.nodes[1].HostPort()
	for i := 0; i < cfg.BootstrapFailureThreshold; i++ {
		bm.ReportFailure(second)
	}
	_, ok := bm.Select()
	assert.True(t, ok, "fallback to all configured seeds")
}

func TestBootstrapReportSuccessResets(t *testing.T) {
	cfg := bootstrapSettings("round_robin", "10.0.0.1:5678")
	bm := NewBootstrapManager(context.Background(), cfg)

	hp := bm.nodes[0].HostPort()
	for i := 0; i < cfg.BootstrapFailureThreshold; i++ {
		bm.ReportFailure(hp)
	}
	assert.False(t, bm.nodes[0].IsHealthy)

	bm.ReportSuccess(hp)
	assert.True(t, bm.nodes[0].IsHealthy)
	assert.Equal(t, 0, bm.nodes[0].FailureCount)
}

func TestBootstrapPoolCappedByStrategy(t *testing.T) {
	cfg := bootstrapSettings("round_robin", "10.0.0.1:5678,10.0.0.2:5679,10.0.0.3:5680,10.0.0.4:5681")
	cfg.BootstrapStrategy = "small"
	bm := NewBootstrapManager(context.Background(), cfg)

	assert.Len(t, bm.All(), cfg.BootstrapSmallNodes)
}

func TestBootstrapEmptyPool(t *testing.T) {
	cfg := bootstrapSettings("round_robin", "")
	bm := NewBootstrapManager(context.Background(), cfg)
	_, ok := bm.Select()
	assert.False(t, ok)
}
