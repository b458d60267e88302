// Package cli builds the besctl command tree: publish drives a Transport
// end to end against a real or fake collector; simulate drives the fake
// collector through a scripted fault-injection scenario; version reports
// build metadata.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/bes-transport/internal/besclient"
	"github.com/ChuLiYu/bes-transport/internal/besclient/fake"
	"github.com/ChuLiYu/bes-transport/internal/besenv"
	"github.com/ChuLiYu/bes-transport/internal/config"
	"github.com/ChuLiYu/bes-transport/internal/envelope"
	"github.com/ChuLiYu/bes-transport/internal/retry"
	"github.com/ChuLiYu/bes-transport/internal/transport"
	"github.com/ChuLiYu/bes-transport/internal/uploader"
	"github.com/ChuLiYu/bes-transport/pkg/besevent"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var configFile string

// BuildCLI returns the besctl root command.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "besctl",
		Short: "Drive a build event upload pipeline against a BES collector",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildPublishCommand())
	rootCmd.AddCommand(buildSimulateCommand())
	rootCmd.AddCommand(buildVersionCommand())

	return rootCmd
}

func buildPublishCommand() *cobra.Command {
	var useFake bool
	var eventsFile string

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a build event sequence to the configured collector",
		Long:  "Send a canned or file-supplied sequence of build events through a Transport, then close it cleanly.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPublish(useFake, eventsFile)
		},
	}

	cmd.Flags().BoolVar(&useFake, "fake", false, "use the in-memory fake collector instead of dialing a real one")
	cmd.Flags().StringVar(&eventsFile, "events", "", "JSON file of events to publish (default: one canned bazel_event)")

	return cmd
}

func runPublish(useFake bool, eventsFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx := context.Background()

	client, err := buildClient(useFake, cfg)
	if err != nil {
		return err
	}

	up, err := buildUploader(ctx, cfg)
	if err != nil {
		return err
	}

	events, err := loadEvents(eventsFile)
	if err != nil {
		return err
	}

	policy := retry.DefaultPolicy
	if cfg.Retry.MaxAttempts > 0 {
		policy = retry.Policy{MaxAttempts: cfg.Retry.MaxAttempts}
	}

	tr := transport.New(ctx, transport.Config{
		Identity: envelope.Identity{
			BuildRequestID:     cfg.Identity.BuildRequestID,
			InvocationID:       cfg.Identity.InvocationID,
			ProjectID:          cfg.Identity.ProjectID,
			CommandName:        cfg.Identity.CommandName,
			AdditionalKeywords: cfg.Identity.AdditionalKeywords,
		},
		Client:                   client,
		Uploader:                 up,
		Serializer:               jsonSerializer,
		Clock:                    besenv.RealClock{},
		Sleeper:                  besenv.RealSleeper{},
		Reporter:                 besenv.NewSlogReporter(slog.Default()),
		FatalExit:                besenv.OSExit{},
		PublishLifecycleEvents:   cfg.Collector.PublishLifecycleEvents,
		SendBuildEnqueued:        cfg.Collector.SendBuildEnqueued,
		SendInvocationEvents:     cfg.Collector.SendInvocationEvents,
		RetryPolicy:              policy,
		UploadTimeout:            cfg.UploadTimeout,
		ErrorsShouldFailTheBuild: cfg.ErrorsShouldFailTheBuild,
		ResultsURL:               cfg.BESResultsURL,
	})

	for _, e := range events {
		tr.SendEvent(ctx, e)
	}

	closeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := tr.Close(closeCtx); err != nil {
		return fmt.Errorf("close transport: %w", err)
	}

	fmt.Printf("published %d event(s)\n", len(events))
	return nil
}

func buildSimulateCommand() *cobra.Command {
	var scenario string

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a scripted fault-injection scenario against the fake collector",
		Long:  "Drives the fake BES collector through a named scenario (transient, permanent, reorder) to show the retry controller in action.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(scenario)
		},
	}

	cmd.Flags().StringVar(&scenario, "scenario", "transient", "scenario to run: transient, permanent, reorder")

	return cmd
}

func runSimulate(scenario string) error {
	client := &fake.Client{}
	switch scenario {
	case "transient":
		client.StreamFailures = []*fake.FailAt{{N: 1, Err: status.Error(codes.Unavailable, "simulated transient failure")}}
	case "permanent":
		client.StreamFailures = []*fake.FailAt{{N: 0, Err: status.Error(codes.FailedPrecondition, "simulated permanent failure")}}
	case "reorder":
		// No scripted failure: this scenario instead reorders a live
		// stream's pending ACKs once two records are in flight, below.
	default:
		return fmt.Errorf("unknown scenario %q (want transient, permanent, or reorder)", scenario)
	}

	ctx := context.Background()
	tr := transport.New(ctx, transport.Config{
		Identity:               envelope.Identity{BuildRequestID: "simulate", InvocationID: "simulate-1", CommandName: "build"},
		Client:                 client,
		Uploader:               uploader.NoopUploader{},
		Serializer:             jsonSerializer,
		Clock:                  besenv.RealClock{},
		Sleeper:                besenv.RealSleeper{},
		Reporter:               besenv.NewSlogReporter(slog.Default()),
		FatalExit:              besenv.OSExit{},
		PublishLifecycleEvents: true,
		SendBuildEnqueued:      true,
		SendInvocationEvents:   true,
		RetryPolicy:            retry.Policy{MaxAttempts: 3},
	})

	tr.SendEvent(ctx, cliEvent{Payload: json.RawMessage(`{"scenario":"` + scenario + `"}`)})
	tr.SendEvent(ctx, cliEvent{Payload: json.RawMessage(`{"n":2}`)})

	if scenario == "reorder" {
		reorderFirstLiveStream(client)
	}

	tr.SendEvent(ctx, cliEvent{Complete: true, Succeeded: true})

	err := tr.Close(context.Background())

	fmt.Printf("scenario %q finished: lifecycle_messages=%d stream_attempts_opened=%d err=%v\n",
		scenario, len(client.Lifecycle), len(client.Streams), err)
	return nil
}

// reorderFirstLiveStream waits briefly for the first stream attempt to have
// at least two ACKs outstanding, then swaps them, manufacturing the
// out-of-order-ACK protocol violation on a best-effort basis — this is a
// manual demo tool, not a deterministic test.
func reorderFirstLiveStream(client *fake.Client) {
	deadline := time.After(2 * time.Second)
	for {
		if len(client.Streams) > 0 && client.Streams[0].ReorderNextAck() == nil {
			return
		}
		select {
		case <-deadline:
			return
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func buildVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print besctl's version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(cmd.Root().Version)
			return nil
		},
	}
}

func buildClient(useFake bool, cfg *config.Config) (besclient.Client, error) {
	if useFake {
		return &fake.Client{}, nil
	}
	if cfg.Collector.Address == "" {
		return nil, fmt.Errorf("collector.address is required unless --fake is set")
	}
	return besclient.NewGRPCClient(cfg.Collector.Address), nil
}

func buildUploader(ctx context.Context, cfg *config.Config) (uploader.Uploader, error) {
	switch cfg.Uploader.Backend {
	case "s3":
		return uploader.NewS3Uploader(ctx, uploader.S3Config{
			Bucket: cfg.Uploader.S3.Bucket,
			Prefix: cfg.Uploader.S3.Prefix,
			Region: cfg.Uploader.S3.Region,
		})
	case "", "noop":
		return uploader.NoopUploader{}, nil
	default:
		return nil, fmt.Errorf("unknown uploader backend %q", cfg.Uploader.Backend)
	}
}

// cliEvent is the besevent.Event implementation besctl constructs directly,
// for manual smoke-testing without a real build-tool event source.
type cliEvent struct {
	Files     []string
	Complete  bool
	Succeeded bool
	Payload   json.RawMessage
}

func (e cliEvent) LocalFiles() []string { return e.Files }

func (e cliEvent) Completing() (bool, bool) { return e.Succeeded, e.Complete }

func jsonSerializer(event besevent.Event, convert besevent.PathConverter) ([]byte, error) {
	e, ok := event.(cliEvent)
	if !ok {
		return nil, fmt.Errorf("cli: unexpected event type %T", event)
	}

	remoteFiles := make(map[string]string, len(e.Files))
	for _, f := range e.Files {
		if convert == nil {
			continue
		}
		if id, ok := convert(f); ok {
			remoteFiles[f] = id
		}
	}

	out := struct {
		Payload     json.RawMessage   `json:"payload,omitempty"`
		RemoteFiles map[string]string `json:"remote_files,omitempty"`
	}{Payload: e.Payload, RemoteFiles: remoteFiles}

	return json.Marshal(out)
}

func loadEvents(path string) ([]besevent.Event, error) {
	if path == "" {
		return []besevent.Event{cliEvent{Payload: json.RawMessage(`{"example":"bazel_event"}`)}}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read events file: %w", err)
	}

	var raw []struct {
		Files     []string        `json:"files"`
		Complete  bool            `json:"complete"`
		Succeeded bool            `json:"succeeded"`
		Payload   json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse events file: %w", err)
	}

	events := make([]besevent.Event, 0, len(raw))
	for _, r := range raw {
		events = append(events, cliEvent{Files: r.Files, Complete: r.Complete, Succeeded: r.Succeeded, Payload: r.Payload})
	}
	return events, nil
}
