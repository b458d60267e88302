package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadParsesAllSections(t *testing.T) {
	path := writeConfig(t, `
identity:
  build_request_id: "b1"
  invocation_id: "i1"
  project_id: "p1"
  command_name: "build"
  additional_keywords: ["ci"]
collector:
  address: "bes.example.com:443"
  insecure: false
  send_build_enqueued: true
  send_invocation_events: true
  publish_lifecycle_events: true
uploader:
  backend: "s3"
  s3:
    bucket: "my-bucket"
    prefix: "bes/artifacts"
    region: "us-west-2"
retry:
  max_attempts: 6
metrics:
  enabled: true
  port: 9090
shutdown_timeout: 30s
upload_timeout: 60s
errors_should_fail_the_build: true
bes_results_url: "https://bes.example.com/results/b1"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "b1", cfg.Identity.BuildRequestID)
	assert.Equal(t, []string{"ci"}, cfg.Identity.AdditionalKeywords)
	assert.Equal(t, "bes.example.com:443", cfg.Collector.Address)
	assert.True(t, cfg.Collector.SendBuildEnqueued)
	assert.True(t, cfg.Collector.PublishLifecycleEvents)
	assert.Equal(t, "s3", cfg.Uploader.Backend)
	assert.Equal(t, "my-bucket", cfg.Uploader.S3.Bucket)
	assert.Equal(t, 6, cfg.Retry.MaxAttempts)
	assert.Equal(t, 9090, cfg.Metrics.Port)
	assert.Equal(t, 60*time.Second, cfg.UploadTimeout)
	assert.True(t, cfg.ErrorsShouldFailTheBuild)
	assert.Equal(t, "https://bes.example.com/results/b1", cfg.BESResultsURL)
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	assert.Error(t, err)
}

func TestLoadInvalidYAMLReturnsError(t *testing.T) {
	path := writeConfig(t, "identity: [this is not a map]")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadDefaultsUninsetFieldsToZeroValues(t *testing.T) {
	path := writeConfig(t, "collector:\n  address: \"bes.example.com:443\"\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "bes.example.com:443", cfg.Collector.Address)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, 0, cfg.Retry.MaxAttempts)
}
