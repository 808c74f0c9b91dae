package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/kirillkom/invoice-pipeline/internal/bootstrap"
	"github.com/kirillkom/invoice-pipeline/internal/config"
	"github.com/kirillkom/invoice-pipeline/internal/observability/logging"
)

// printError prints to stderr, falling back to stdout.
func printError(format string, args ...any) {
	if _, err := fmt.Fprintf(os.Stderr, format, args...); err != nil {
		fmt.Printf(format, args...)
	}
}

func main() {
	os.Exit(run())
}

// run returns 0 when every item succeeded, 3 when some failed, 2 on usage
// errors and 1 when the pipeline could not start.
func run() int {
	var (
		listFile  = flag.String("list", "", "file with one reference per line (- for stdin)")
		batchSize = flag.Int("batch-size", 0, "items per batch (defaults to BATCH_SIZE)")
		out       = flag.String("out", "", "write the JSON result to this file instead of stdout")
	)
	flag.Parse()

	refs := flag.Args()
	if *listFile != "" {
		listed, err := readRefList(*listFile)
		if err != nil {
			printError("Error: read --list: %v\n", err)
			return 2
		}
		refs = append(refs, listed...)
	}
	if len(refs) == 0 {
		printError("Usage: batch [--batch-size N] [--list FILE] [--out FILE] REF...\n")
		return 2
	}

	cfg := config.Load()
	logger := logging.NewJSONLoggerTo(os.Stderr, "batch", cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, bootstrap.Options{Service: "batch", Queue: bootstrap.QueueDisabled, Logger: logger})
	if err != nil {
		logger.Error("bootstrap_failed", "error", err)
		return 1
	}
	defer app.Close()

	result, err := app.Batch.Run(ctx, refs, *batchSize)
	if err != nil {
		printError("Error: %v\n", err)
		return 2
	}

	var w io.Writer = os.Stdout
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			printError("Error: create --out: %v\n", err)
			return 1
		}
		defer f.Close()
		w = f
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		printError("Error: write result: %v\n", err)
		return 1
	}

	logger.Info("batch_complete",
		"job_id", result.JobID,
		"processed", len(result.Results),
		"failed", len(result.FailedURLs),
		"batches", result.TotalBatches,
	)
	if !result.Success() {
		return 3
	}
	return 0
}

func readRefList(path string) ([]string, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}

	var refs []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		refs = append(refs, line)
	}
	return refs, scanner.Err()
}
