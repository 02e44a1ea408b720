package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/ongoingai/reqtrace/internal/trace"
)

const defaultReplayBatchSize = 100

func runReplay(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("replay", flag.ContinueOnError)
	flagSet.SetOutput(errOut)

	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	file := flagSet.String("file", "", "Dead letter file (defaults to tracking.dead_letter_path)")
	truncate := flagSet.Bool("truncate", false, "Remove replayed traces from the dead letter file; failed traces are kept")
	batchSize := flagSet.Int("batch", defaultReplayBatchSize, "Traces per store write")

	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "replay does not accept positional arguments")
		return 2
	}
	if *batchSize <= 0 {
		fmt.Fprintln(errOut, "batch must be greater than 0")
		return 2
	}

	cfg, stage, err := loadAndValidateConfig(*configPath)
	if err != nil {
		if stage == configStageLoad {
			fmt.Fprintf(errOut, "failed to load config: %v\n", err)
		} else {
			fmt.Fprintf(errOut, "config is invalid: %v\n", err)
		}
		return 1
	}

	path := strings.TrimSpace(*file)
	if path == "" {
		path = strings.TrimSpace(cfg.Tracking.DeadLetterPath)
	}
	if path == "" {
		fmt.Fprintln(errOut, "no dead letter file: set --file or tracking.dead_letter_path")
		return 2
	}

	store, err := openCommandTraceStore(cfg)
	if err != nil {
		fmt.Fprintf(errOut, "failed to initialize trace store: %v\n", err)
		return 1
	}
	defer closeTraceStoreWithWarning(store, errOut)

	deadLetter := trace.NewDeadLetter(path)
	replay := trace.Replay
	if *truncate {
		replay = trace.Drain
	}
	result, err := replay(context.Background(), deadLetter, store, *batchSize)
	fmt.Fprintf(out, "Replayed %s: read %s, saved %s, failed %s\n",
		path,
		humanize.Comma(int64(result.Read)),
		humanize.Comma(int64(result.Saved)),
		humanize.Comma(int64(result.Failed)),
	)
	if err != nil {
		fmt.Fprintf(errOut, "replay incomplete: %v\n", err)
		return 1
	}
	if *truncate && result.Read > 0 {
		fmt.Fprintf(out, "Removed %s replayed traces from %s\n", humanize.Comma(int64(result.Saved)), path)
	}
	return 0
}
