// Package config loads the YAML configuration this transport's CLI and any
// embedding build tool reads the collector endpoint, uploader, retry policy,
// and metrics server settings from.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete on-disk configuration structure.
type Config struct {
	Identity struct {
		BuildRequestID     string   `yaml:"build_request_id"`
		InvocationID       string   `yaml:"invocation_id"`
		ProjectID          string   `yaml:"project_id"`
		CommandName        string   `yaml:"command_name"`
		AdditionalKeywords []string `yaml:"additional_keywords"`
	} `yaml:"identity"`

	Collector struct {
		Address              string `yaml:"address"`
		Insecure             bool   `yaml:"insecure"`
		SendBuildEnqueued    bool   `yaml:"send_build_enqueued"`
		SendInvocationEvents bool   `yaml:"send_invocation_events"`
		// PublishLifecycleEvents is the global kill-switch: if false, no
		// lifecycle envelope (build-enqueued, invocation-started,
		// invocation-finished, build-finished) is sent regardless of the two
		// Send* flags above, and only the main stream runs.
		PublishLifecycleEvents bool `yaml:"publish_lifecycle_events"`
	} `yaml:"collector"`

	Uploader struct {
		Backend string `yaml:"backend"` // "s3" or "noop"
		S3      struct {
			Bucket string `yaml:"bucket"`
			Prefix string `yaml:"prefix"`
			Region string `yaml:"region"`
		} `yaml:"s3"`
	} `yaml:"uploader"`

	Retry struct {
		MaxAttempts int `yaml:"max_attempts"`
	} `yaml:"retry"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// UploadTimeout bounds how long Close will wait for the upload
	// pipeline to drain; zero means wait forever.
	UploadTimeout time.Duration `yaml:"upload_timeout"`

	// ErrorsShouldFailTheBuild: if true, an upload failure is reported as
	// an error and a fatal exit is requested; if false, as a warning.
	ErrorsShouldFailTheBuild bool `yaml:"errors_should_fail_the_build"`

	// BESResultsURL, if non-empty, is surfaced to the user on a successful
	// close (and as a "partial results" notice on a failed one).
	BESResultsURL string `yaml:"bes_results_url"`
}

// Load reads and parses the YAML configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	return &cfg, nil
}
