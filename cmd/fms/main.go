// Package main provides the fms CLI for listing, inspecting, converting and
// comparing registered models.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Zephyr271828/foundation-model-stack/cmd/fms/app"
)

var version = "v0.0.1-dev"

func main() {
	a := app.New(version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := a.Execute(ctx, os.Args[1:])
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if shutdownErr := a.Shutdown(shutdownCtx); shutdownErr != nil {
		a.Logger().Error().Err(shutdownErr).Msg("shutdown")
	}
	if err != nil {
		_, _ = os.Stderr.WriteString("fms: " + err.Error() + "\n")
		os.Exit(1)
	}
}
