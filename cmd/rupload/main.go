// Command rupload uploads files to resumable upload endpoints and resumes interrupted uploads.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := log.NewLogger()
	cmd := newRootCmd(newApp(env.NewRepository(), logger))
	if err := cmd.ExecuteContext(ctx); err != nil {
		logger.Errorf("%s", err)
		stop()
		os.Exit(1)
	}
}
