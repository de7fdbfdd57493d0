package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInit_JSONOutputIncludesLevelAndMessage(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, JSONOutput: true, Output: &buf})

	Logger.Info().Msg("silo starting")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "info", line["level"])
	require.Equal(t, "silo starting", line["message"])
}

func TestInit_LevelFiltersBelowThreshold(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: WarnLevel, JSONOutput: true, Output: &buf})

	Logger.Info().Msg("should be filtered")
	require.Zero(t, buf.Len(), "Info must be suppressed when the level is Warn")

	Logger.Warn().Msg("should appear")
	require.NotZero(t, buf.Len())
}

func TestWithComponent_TagsComponentField(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, JSONOutput: true, Output: &buf})

	WithComponent("router").Info().Msg("hello")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "router", line["component"])
}

func TestWithAddress_TagsTheRequestedField(t *testing.T) {
	cases := []struct {
		field AddressField
		key   string
	}{
		{SiloField, "silo_address"},
		{GrainField, "grain_id"},
		{ActivationField, "activation_id"},
	}

	for _, tc := range cases {
		var buf bytes.Buffer
		Init(Config{Level: InfoLevel, JSONOutput: true, Output: &buf})

		WithAddress(tc.field, "value-1").Info().Msg("hello")

		var line map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
		require.Equal(t, "value-1", line[tc.key])
	}
}
