package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Source.ServiceURI = "http://source.internal:8080"
	cfg.Destination.ServiceURI = "http://destination.internal:8080"
	return cfg
}

func TestValidate_AcceptsDefaultsWithRequiredURIsFilled(t *testing.T) {
	cfg := validConfig()
	assert.NoError(t, cfg.Validate())
}

func TestValidate_RejectsMissingDestinationURI(t *testing.T) {
	cfg := validConfig()
	cfg.Destination.ServiceURI = ""
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsImplausibleCatchupWorkerCount(t *testing.T) {
	cfg := validConfig()
	cfg.Phases.CopyWorkerCount = 1
	cfg.Phases.CatchupWorkerCount = 100
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsInvertedBackoffBounds(t *testing.T) {
	cfg := validConfig()
	cfg.Retry.InitialBackoff = 10
	cfg.Retry.MaxBackoff = 1
	assert.Error(t, cfg.Validate())
}

func TestValidate_FillsLoggingDefaultsWhenBlank(t *testing.T) {
	cfg := validConfig()
	cfg.Logging.Level = ""
	cfg.Logging.Format = ""
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestApplyEnvironmentOverrides_DestinationServiceURI(t *testing.T) {
	os.Setenv("DESTINATION_SERVICE_URI", "http://overridden:9090")
	defer os.Unsetenv("DESTINATION_SERVICE_URI")

	cfg := DefaultConfig()
	applyEnvironmentOverrides(cfg)
	assert.Equal(t, "http://overridden:9090", cfg.Destination.ServiceURI)
}

func TestToSettings_CarriesPhasesAndRetryThrough(t *testing.T) {
	cfg := validConfig()
	settings := cfg.ToSettings()

	assert.Equal(t, cfg.Phases.CopyWorkerCount, settings.CopyPhaseWorkerCount)
	assert.Equal(t, cfg.Phases.CatchupWorkerCount, settings.CatchupPhaseWorkerCount)
	assert.Equal(t, cfg.Phases.DowntimeThreshold, settings.DowntimeThreshold)
	assert.Equal(t, cfg.Retry.MaxAttempts, settings.RetryPolicy.MaxAttempts)
	assert.Equal(t, cfg.Source.ServiceURI, settings.SourceServiceUri)
}
