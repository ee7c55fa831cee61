package integration

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetPresetByName(t *testing.T) {
	for _, name := range []string{"lite", "full", "archive", "default"} {
		t.Run(name, func(t *testing.T) {
			p, err := GetPresetByName(name)
			require.NoError(t, err)
			require.Equal(t, name, p.Name)
			require.Positive(t, p.Workers)
			require.Positive(t, p.CacheMB)
		})
	}
	_, err := GetPresetByName("turbo")
	require.Error(t, err)
}

func TestApplyPreset(t *testing.T) {
	target := DefaultPreset()
	target.TxPoolSize = 7
	ApplyPreset(&target, PresetConfig{Name: "custom", Workers: 3, InMemory: true})

	require.Equal(t, "custom", target.Name)
	require.Equal(t, 3, target.Workers)
	require.Equal(t, 7, target.TxPoolSize)
	require.Equal(t, DefaultPreset().CacheMB, target.CacheMB)
	require.True(t, target.InMemory)
	require.False(t, target.EnableMetrics)

	cfg := target.NodeConfig()
	require.Equal(t, 3, cfg.Workers)
	require.Equal(t, 7, cfg.TxPoolSize)
}
