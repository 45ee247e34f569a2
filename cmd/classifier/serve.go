package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pbaille/classifier/internal/api"
	"github.com/pbaille/classifier/internal/classifier"
	"github.com/pbaille/classifier/internal/engine"
	"github.com/pbaille/classifier/internal/observe"
	"github.com/pbaille/classifier/internal/tokenizer"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the classifier daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			logger := observe.NewLogger("classifier", cfg.Log.Level, os.Stderr)

			tel, err := observe.Setup(ctx, observe.Config{
				ServiceName: "classifier",
				Version:     version,
				Metrics:     cfg.Metrics.Enabled,
				Tracing:     cfg.Tracing.Enabled,
				TracePretty: cfg.Tracing.Pretty,
			})
			if err != nil {
				return err
			}

			st, err := getStore(cfg.Database.Path)
			if err != nil {
				return err
			}
			logger.Infof("item cache opened at %s", cfg.Database.Path)

			tok := tokenizer.New(cfg.Tokenizer, st,
				tokenizer.WithLogger(logger),
				tokenizer.WithTelemetry(tel),
			)
			eng := engine.New(st, classifier.NewBayes(cfg.Engine.Threshold), cfg.Engine,
				engine.WithLogger(logger),
				engine.WithTelemetry(tel),
			)
			// newly tokenized entries are classified against trained tags
			tok.OnTokenized(func(ctx context.Context, entryID int64) {
				if err := eng.ClassifyEntry(ctx, entryID); err != nil {
					logger.Warnf("auto-classify: %v", err)
				}
			})

			server, err := api.BuildServer(api.Deps{
				Store:       st,
				Jobs:        eng,
				Tokenizer:   tok,
				Logger:      logger,
				Telemetry:   tel,
				MetricsPath: cfg.Metrics.Path,
				Version:     version,
				Revision:    revision(),
			}, cfg.Server)
			if err != nil {
				return err
			}
			for _, r := range server.Routes() {
				logger.Debugf("- mount handler: %s %s", strings.ToUpper(r.Method), r.Path)
			}

			eng.Start(ctx)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				logger.Infof("listening on %s", cfg.Server.Addr)
				if err := server.Start(cfg.Server.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				tok.RunSweeper(gctx)
				return nil
			})
			g.Go(func() error {
				eng.RunReaper(gctx)
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				logger.Infof("shutting down: %v", context.Cause(gctx))
				sctx, scancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.D())
				defer scancel()
				return server.Shutdown(sctx)
			})
			err = g.Wait()

			// stop producers before closing what they write to
			sctx, scancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.D())
			defer scancel()
			eng.Stop()
			if cerr := tok.Close(sctx); cerr != nil {
				logger.Warnf("tokenizer: %v", cerr)
			}
			if terr := tel.Shutdown(sctx); terr != nil {
				logger.Warnf("telemetry: %v", terr)
			}
			if serr := st.Close(); serr != nil {
				logger.Warnf("item cache: %v", serr)
			}
			return err
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "", "listen address (overrides server.addr)")
	return cmd
}
