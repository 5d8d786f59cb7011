package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"lobuilder/internal/logging"
	"lobuilder/internal/rules"
	"lobuilder/internal/server"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Serves the evaluation and rule-administration API.

With rules.watch enabled, hand edits to the rules file are picked up without
a restart.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides server.addr)")
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := openApp(appCfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if appCfg.Rules.Watch {
		w, err := rules.NewWatcher(a.rules)
		if err != nil {
			logging.RulesWarn("rules watcher unavailable: %v", err)
		} else if err := w.Start(ctx); err != nil {
			logging.RulesWarn("rules watcher failed to start: %v", err)
		} else {
			defer w.Stop()
		}
	}

	addr := appCfg.Server.Addr
	if serveAddr != "" {
		addr = serveAddr
	}
	var history server.History
	if a.history != nil {
		history = a.history
	}
	srv := server.New(server.Config{
		ListenAddr:     addr,
		RequestTimeout: appCfg.GetRequestTimeout(),
	}, a.rules, a.orch, history).HTTPServer()

	errCh := make(chan error, 1)
	go func() {
		logging.Server("listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()
	fmt.Fprintf(cmd.OutOrStdout(), "lobuilder API listening on http://%s\n", addr)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logging.Boot("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
