// Package main starts the chatflow ingestion and routing service.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/goliatone/go-chatflow/config"
)

func main() {
	process, err := config.ParseEnv()
	if err != nil {
		log.Fatalf("parse env: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, process); err != nil {
		log.Fatalf("chatflowd: %v", err)
	}
}
