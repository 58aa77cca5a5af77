package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/fidde/otlp_usage_tracker/internal/ingest"
	"github.com/fidde/otlp_usage_tracker/pkg/otlpjson"
	"github.com/spf13/cobra"
)

func newReplayCmd(configPath *string) *cobra.Command {
	var continueOnError bool

	cmd := &cobra.Command{
		Use:   "replay <file.json>...",
		Short: "Ingest saved OTLP JSON payloads",
		Long: `Replay reads OTLP/JSON ExportMetricsServiceRequest documents from files
("-" reads stdin) and runs them through the same pipeline as the receiver.
A summary line is printed per file.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			a, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.close()

			return replayFiles(ctx, a.pipeline, args, cmd.InOrStdin(), cmd.OutOrStdout(), continueOnError)
		},
	}

	cmd.Flags().BoolVar(&continueOnError, "continue-on-error", false, "Keep going after a file fails")
	return cmd
}

type replaySummary struct {
	File   string        `json:"file"`
	Result ingest.Result `json:"result"`
	Error  string        `json:"error,omitempty"`
}

func replayFiles(ctx context.Context, p *ingest.Pipeline, files []string, stdin io.Reader, out io.Writer, continueOnError bool) error {
	enc := json.NewEncoder(out)
	var failed int

	for _, file := range files {
		res, err := replayFile(ctx, p, file, stdin)
		summary := replaySummary{File: file, Result: res}
		if err != nil {
			summary.Error = err.Error()
			failed++
		}
		if encErr := enc.Encode(summary); encErr != nil {
			return fmt.Errorf("writing summary: %w", encErr)
		}
		if err != nil && !continueOnError {
			return fmt.Errorf("replaying %s: %w", file, err)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, len(files))
	}
	return nil
}

func replayFile(ctx context.Context, p *ingest.Pipeline, file string, stdin io.Reader) (ingest.Result, error) {
	r := stdin
	if file != "-" {
		f, err := os.Open(file)
		if err != nil {
			return ingest.Result{}, err
		}
		defer f.Close()
		r = f
	}

	payload, err := otlpjson.Decode(r)
	if err != nil {
		return ingest.Result{}, err
	}
	return p.Process(ctx, payload)
}
