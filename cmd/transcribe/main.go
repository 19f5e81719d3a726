// Command transcribe submits a video URL to transcriberd over gRPC and
// prints the transcript as it streams.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/joseph-ayodele/transcript-pipeline/constants"
	"github.com/joseph-ayodele/transcript-pipeline/internal/export"
	"github.com/joseph-ayodele/transcript-pipeline/internal/jobs"
	svc "github.com/joseph-ayodele/transcript-pipeline/internal/server"
)

// printError prints an error message to stderr, falling back to stdout if stderr fails
func printError(format string, args ...any) {
	if _, err := fmt.Fprintf(os.Stderr, format, args...); err != nil {
		fmt.Printf(format, args...)
	}
}

func main() {
	var (
		addr       = flag.String("addr", "localhost:8080", "transcriberd gRPC address")
		url        = flag.String("url", "", "video page URL to transcribe")
		provider   = flag.String("provider", "", "transcription provider (openai|bailian)")
		model      = flag.String("model", "", "provider model override")
		jobID      = flag.String("job", "", "follow an existing job instead of creating one")
		regenerate = flag.Bool("regenerate", false, "re-run formatting for --job")
		out        = flag.String("out", "", "write recent jobs to this XLSX file and exit")
		limit      = flag.Int("limit", 100, "jobs to include with --out")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	slog.SetDefault(logger)

	if *out == "" && *url == "" && *jobID == "" {
		printError("Error: one of --url, --job or --out is required\n")
		os.Exit(1)
	}
	if *regenerate && *jobID == "" {
		printError("Error: --regenerate needs --job\n")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := grpc.NewClient(*addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		printError("Error: dial %s: %v\n", *addr, err)
		os.Exit(1)
	}
	defer func() { _ = conn.Close() }()
	client := svc.NewClient(conn)

	if *out != "" {
		if err := writeExport(ctx, client, *out, *limit, logger); err != nil {
			printError("Error: export: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("wrote %s\n", *out)
		return
	}

	id := *jobID
	switch {
	case *regenerate:
		if _, err := client.RegenerateFormatting(ctx, id); err != nil {
			printError("Error: regenerate %s: %v\n", id, err)
			os.Exit(1)
		}
	case id == "":
		job, err := client.CreateJob(ctx, jobs.CreateRequest{URL: *url, Provider: *provider, Model: *model})
		if err != nil {
			printError("Error: create job: %v\n", err)
			os.Exit(1)
		}
		id = job.ID
		printError("job %s created\n", id)
	}

	if err := follow(ctx, client, id); err != nil {
		printError("Error: %v\n", err)
		os.Exit(1)
	}
}

// follow prints status lines to stderr and transcript text to stdout until
// the job ends.
func follow(ctx context.Context, client *svc.Client, id string) error {
	for ev, err := range client.Attach(ctx, id) {
		if err != nil {
			return err
		}
		if ev.Message != "" {
			printError("[%s] %s\n", ev.Stage, ev.Message)
		}
		if ev.Chunk != "" && ev.Stage == constants.StageTranscribing {
			fmt.Print(ev.Chunk)
		}
		switch ev.Stage {
		case constants.StageDone:
			fmt.Printf("\n\n%s\n", ev.FormattedText)
			return nil
		case constants.StageError:
			return fmt.Errorf("job %s failed: %s", id, ev.Error)
		}
	}
	return nil
}

func writeExport(ctx context.Context, client *svc.Client, path string, limit int, logger *slog.Logger) error {
	b, err := export.NewService(client, logger).ExportJobsXLSX(ctx, limit)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
