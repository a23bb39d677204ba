package bundler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/mantlenetworkio/mantle-bundler/op-bundler/flags"
	oplog "github.com/mantlenetworkio/mantle-bundler/op-service/log"
)

// StopTimeout bounds the graceful shutdown after an interrupt.
var StopTimeout = 10 * time.Second

// Main is the entrypoint into the bundler. It starts the service and blocks
// until the cli context is cancelled, then stops the service.
func Main(version string, opts ...Option) cli.ActionFunc {
	return func(cliCtx *cli.Context) error {
		if err := flags.CheckRequired(cliCtx); err != nil {
			return err
		}
		cfg := NewConfig(cliCtx)
		if err := cfg.Check(); err != nil {
			return fmt.Errorf("invalid CLI flags: %w", err)
		}

		l := oplog.NewLogger(cliCtx.App.Writer, cfg.LogConfig)
		l.Info("initializing bundler", "version", version)

		ctx := cliCtx.Context
		svc, err := BundlerServiceFromCLIConfig(ctx, version, cfg, l, opts...)
		if err != nil {
			return fmt.Errorf("failed to setup bundler: %w", err)
		}
		if err := svc.Start(ctx); err != nil {
			return errors.Join(fmt.Errorf("failed to start bundler: %w", err), svc.Kill())
		}
		l.Info("bundler started")

		<-ctx.Done()
		l.Info("received interrupt, shutting down")

		stopCtx, cancel := context.WithTimeout(context.Background(), StopTimeout)
		defer cancel()
		if err := svc.Stop(stopCtx); err != nil {
			return fmt.Errorf("failed to stop bundler: %w", err)
		}
		return nil
	}
}
