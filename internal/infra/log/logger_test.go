package logs

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"calsync/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLogConfig(level string, pretty bool) *config.Config {
	cfg := &config.Config{}
	cfg.Env.Env = "staging"
	cfg.Env.ServiceName = "calsync-worker"
	cfg.Env.Log.Level = level
	cfg.Env.Log.Pretty = pretty

	return cfg
}

func TestNewLogger_JSONCarriesServiceAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&buf, newLogConfig("warn", false))
	require.NoError(t, err)

	logger.Info("dropped below level")
	logger.Warn("sync lock contended", slog.String("user_id", "u-1"))

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "sync lock contended", record["msg"])
	assert.Equal(t, "calsync-worker", record["service"])
	assert.Equal(t, "staging", record["env"])
	assert.Equal(t, "u-1", record["user_id"])
}

func TestNewLogger_PrettyUsesText(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&buf, newLogConfig("debug", true))
	require.NoError(t, err)

	logger.Debug("token cache hit")

	assert.Contains(t, buf.String(), `msg="token cache hit"`)
	assert.Contains(t, buf.String(), "service=calsync-worker")
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{in: "DEBUG", want: slog.LevelDebug},
		{in: "", want: slog.LevelInfo},
		{in: "warning", want: slog.LevelWarn},
		{in: " error ", want: slog.LevelError},
		{in: "verbose", want: slog.LevelInfo, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseLogLevel(tt.in)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}
