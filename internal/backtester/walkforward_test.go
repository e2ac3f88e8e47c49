package backtester

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quantfolio/backtest-engine/internal/strategy"
	"github.com/quantfolio/backtest-engine/pkg/types"
)

func TestWalkForwardWindows(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC)

	snapshots := make(map[string]types.Snapshot)
	for d0 := start; !d0.After(end); d0 = d0.AddDate(0, 0, 1) {
		snapshots[d0.Format("2006-01-02")] = snapshotOf(map[string]float64{"AAA": 100})
	}
	provider := &scriptProvider{snapshots: snapshots}

	registry := strategy.NewRegistry(zap.NewNop())
	registry.Register("scripted", func() strategy.Strategy {
		return &dateWeightStrategy{
			scriptStrategy: scriptStrategy{universes: map[string][]string{}},
		}
	})

	config := portfolioConfig(start, end, 10_000)
	wf := NewWalkForward(zap.NewNop(), provider, registry)

	result, err := wf.Run(context.Background(), config, types.WalkForwardConfig{
		WindowDays: 20,
		StepDays:   20,
	})
	require.NoError(t, err)
	require.NotEmpty(t, result.Windows)

	for i, w := range result.Windows {
		assert.True(t, w.End.After(w.Start))
		if i > 0 {
			assert.True(t, w.Start.After(result.Windows[i-1].Start))
		}
	}
	last := result.Windows[len(result.Windows)-1]
	assert.True(t, last.End.Equal(end))
}

func TestWalkForwardRejectsBadWindow(t *testing.T) {
	wf := NewWalkForward(zap.NewNop(), &scriptProvider{}, strategy.NewRegistry(zap.NewNop()))
	config := portfolioConfig(
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
		10_000,
	)

	_, err := wf.Run(context.Background(), config, types.WalkForwardConfig{WindowDays: 0, StepDays: 5})
	assert.Error(t, err)
}

func TestWalkForwardUnknownStrategy(t *testing.T) {
	wf := NewWalkForward(zap.NewNop(), &scriptProvider{}, strategy.NewRegistry(zap.NewNop()))
	config := portfolioConfig(
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
		10_000,
	)
	config.Strategy = "nope"

	_, err := wf.Run(context.Background(), config, types.WalkForwardConfig{WindowDays: 10, StepDays: 10})
	assert.Error(t, err)
}
