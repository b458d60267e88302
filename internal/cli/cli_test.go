package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/bes-transport/internal/besclient/fake"
	"github.com/ChuLiYu/bes-transport/internal/config"
)

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd)
	assert.Equal(t, "besctl", cmd.Use)

	commands := cmd.Commands()
	names := make(map[string]bool, len(commands))
	for _, c := range commands {
		names[c.Use] = true
	}
	assert.True(t, names["publish"])
	assert.True(t, names["simulate"])
	assert.True(t, names["version"])

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue)
}

func TestBuildPublishCommandHasFlags(t *testing.T) {
	cmd := buildPublishCommand()

	assert.Equal(t, "publish", cmd.Use)
	assert.NotNil(t, cmd.Flags().Lookup("fake"))
	assert.NotNil(t, cmd.Flags().Lookup("events"))
	assert.NotNil(t, cmd.RunE)
}

func TestBuildSimulateCommandHasFlags(t *testing.T) {
	cmd := buildSimulateCommand()

	assert.Equal(t, "simulate", cmd.Use)
	scenarioFlag := cmd.Flags().Lookup("scenario")
	require.NotNil(t, scenarioFlag)
	assert.Equal(t, "transient", scenarioFlag.DefValue)
}

func TestBuildClientFake(t *testing.T) {
	client, err := buildClient(true, &config.Config{})
	require.NoError(t, err)
	_, ok := client.(*fake.Client)
	assert.True(t, ok)
}

func TestBuildClientRealRequiresAddress(t *testing.T) {
	_, err := buildClient(false, &config.Config{})
	assert.Error(t, err)
}

func TestBuildUploaderDefaultsToNoop(t *testing.T) {
	up, err := buildUploader(nil, &config.Config{})
	require.NoError(t, err)
	assert.NotNil(t, up)
}

func TestBuildUploaderRejectsUnknownBackend(t *testing.T) {
	cfg := &config.Config{}
	cfg.Uploader.Backend = "ftp"
	_, err := buildUploader(nil, cfg)
	assert.Error(t, err)
}

func TestLoadEventsDefaultsToOneCannedEvent(t *testing.T) {
	events, err := loadEvents("")
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestLoadEventsParsesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.json")
	body := `[{"files":["a.log"],"payload":{"n":1}},{"complete":true,"succeeded":true}]`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	events, err := loadEvents(path)
	require.NoError(t, err)
	require.Len(t, events, 2)

	first, ok := events[0].(cliEvent)
	require.True(t, ok)
	assert.Equal(t, []string{"a.log"}, first.LocalFiles())

	second, ok := events[1].(cliEvent)
	require.True(t, ok)
	succeeded, complete := second.Completing()
	assert.True(t, succeeded)
	assert.True(t, complete)
}

func TestLoadEventsRejectsMissingFile(t *testing.T) {
	_, err := loadEvents(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestJSONSerializerAppliesConverter(t *testing.T) {
	e := cliEvent{Files: []string{"out.log"}, Payload: []byte(`{"k":"v"}`)}
	convert := func(path string) (string, bool) {
		if path == "out.log" {
			return "s3://bucket/out.log", true
		}
		return "", false
	}

	payload, err := jsonSerializer(e, convert)
	require.NoError(t, err)
	assert.Contains(t, string(payload), "s3://bucket/out.log")
}

func TestJSONSerializerRejectsForeignEventType(t *testing.T) {
	_, err := jsonSerializer(fakeForeignEvent{}, nil)
	assert.Error(t, err)
}

type fakeForeignEvent struct{}

func (fakeForeignEvent) LocalFiles() []string     { return nil }
func (fakeForeignEvent) Completing() (bool, bool) { return false, false }
