// Command jobwatch tails the job events the daemon mirrors onto NATS.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joseph-ayodele/transcript-pipeline/internal/bus"
	"github.com/joseph-ayodele/transcript-pipeline/internal/common"
)

func main() {
	_ = common.LoadDotEnv()
	cfg := common.LoadConfig()

	var (
		url    = flag.String("nats", cfg.NATS.URL, "NATS server URL")
		prefix = flag.String("prefix", cfg.NATS.SubjectPrefix, "subject prefix")
		job    = flag.String("job", "", "only follow this job id")
	)
	flag.Parse()

	logger := common.NewLogger(os.Stderr, cfg.Log)
	if *url == "" {
		logger.Error("--nats or NATS_URL is required")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := bus.Connect(*url, logger)
	if err != nil {
		logger.Error("connect nats", "url", *url, "error", err)
		os.Exit(1)
	}
	defer client.Close()

	mirror := bus.NewEventMirror(client, *prefix)
	subject := mirror.Wildcard()
	if *job != "" {
		subject = mirror.Subject(*job)
	}

	enc := json.NewEncoder(os.Stdout)
	sub, err := client.SubscribeJSON(subject, func(_ context.Context, _ string, data []byte) {
		var env bus.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logger.Warn("undecodable event", "error", err)
			return
		}
		if err := enc.Encode(env); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
		if *job != "" && env.Event.Terminal() {
			stop()
		}
	})
	if err != nil {
		logger.Error("subscribe", "subject", subject, "error", err)
		os.Exit(1)
	}
	defer func() { _ = sub.Unsubscribe() }()

	logger.Info("watching", "subject", subject)
	<-ctx.Done()
}
