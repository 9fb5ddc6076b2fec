package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "casework.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  enabled: true
  addr: ":9090"
engine:
  sar:
    auto_file_threshold: 92
    regulatory_body: BaFin
alerting:
  delivery_timeout: 5s
kafka:
  enabled: true
  brokers: [localhost:9092]
  topic: casework.events
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 92.0, cfg.Engine.SAR.AutoFileThreshold)
	assert.Equal(t, "BaFin", cfg.Engine.SAR.RegulatoryBody)
	assert.Equal(t, 5*time.Second, cfg.Alerting.DeliveryTimeout)
	assert.True(t, cfg.Kafka.Enabled)

	// Untouched sections keep their defaults.
	assert.Equal(t, 90.0, cfg.Engine.Policy.CriticalThreshold)
	assert.Equal(t, 7*24*time.Hour, cfg.Alerting.Retention)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfig(t, "server: [not a mapping")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsBadThresholds(t *testing.T) {
	path := writeConfig(t, `
engine:
  policy:
    critical_threshold: 50
    high_threshold: 70
    medium_threshold: 40
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "invalid engine config")
}

func TestLoadRejectsKafkaWithoutBrokers(t *testing.T) {
	path := writeConfig(t, `
kafka:
  enabled: true
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "kafka")
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Engine.Validate())
	assert.NotEmpty(t, cfg.Alerting.Channels)
}
