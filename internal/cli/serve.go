package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hupe1980/geocomply/logging"
	"github.com/hupe1980/geocomply/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the analysis API over HTTP",
	Long: `Serve the analysis API over HTTP until interrupted.

Routes:
  POST /analyze                 analyze one feature or a JSON array of features (NDJSON)
  POST /reviews                 apply a human decision to a parked run (NDJSON)
  GET  /reviews/{feature_id}    list recorded human decisions
  GET  /features/{feature_id}   envelope snapshot and UI projection
  GET  /agents                  stage processor roster
  GET  /healthz                 liveness`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	_ = viper.BindPFlag("server.addr", serveCmd.Flags().Lookup("addr"))
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, svc, err := openService()
	if err != nil {
		return err
	}
	defer svc.Close()

	logCfg, err := cfg.Logging.LoggerConfig(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	logger := logging.New(logCfg).WithComponent("server")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(svc, func(o *server.Options) {
		o.ReadHeaderTimeout = cfg.Server.ReadHeaderTimeout()
		o.ShutdownTimeout = cfg.Server.ShutdownTimeout()
		o.Logger = logger
	})
	if err := srv.ListenAndServe(ctx, cfg.Server.Addr); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}
