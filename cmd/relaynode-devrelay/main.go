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

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/relaynode/internal/devrelay"
)

var version = "dev"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "relaynode-devrelay",
		Short:         "In-memory relay for running relaynode agents locally",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			token, _ := cmd.Flags().GetString("token")
			staleAfter, _ := cmd.Flags().GetDuration("stale-after")

			srv := devrelay.NewServer(version)
			srv.Token = token
			srv.StaleAfter = staleAfter
			tlsCfg := devrelay.LoadTLSConfig()

			errCh := make(chan error, 1)
			go func() {
				var err error
				if tlsCfg.Enabled() {
					err = srv.ListenAndServeTLS(addr, tlsCfg)
				} else {
					err = srv.ListenAndServe(addr)
				}
				if errors.Is(err, http.ErrServerClosed) {
					err = nil
				}
				errCh <- err
			}()
			log.Info().Str("addr", addr).Bool("tls", tlsCfg.Enabled()).Bool("token", token != "").Msg("devrelay listening")

			select {
			case err := <-errCh:
				return err
			case <-cmd.Context().Done():
			}
			log.Info().Msg("devrelay shutting down")
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(ctx)
		},
	}
	cmd.Flags().String("addr", ":8088", "listen address")
	cmd.Flags().String("token", os.Getenv("DEVRELAY_TOKEN"), "bearer token required from agents")
	cmd.Flags().Duration("stale-after", 90*time.Second, "report nodes stale after this long without a heartbeat")
	return cmd
}

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
