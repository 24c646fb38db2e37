package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/fatih/color"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/relaynode/internal/agent"
	"github.com/3cpo-dev/relaynode/internal/autostart"
	"github.com/3cpo-dev/relaynode/internal/command"
	"github.com/3cpo-dev/relaynode/internal/config"
	"github.com/3cpo-dev/relaynode/internal/identity"
	"github.com/3cpo-dev/relaynode/internal/relay"
	"github.com/3cpo-dev/relaynode/internal/store"
	"github.com/3cpo-dev/relaynode/internal/supervisor"
	"github.com/3cpo-dev/relaynode/internal/telemetry"
)

// Resolve the configuration
func resolveConfig(cmd *cobra.Command) (config.Config, string, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return cfg, cfgPath, err
	}
	base, err := config.BaseDir(cfgPath)
	if err != nil {
		return cfg, cfgPath, err
	}
	cfg.ResolvePaths(base)
	applyLogging(cmd, cfg.Logging)
	return cfg, cfgPath, nil
}

// Run the agent
func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the agent until stopped by signal or by the relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cfgPath, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			return runAgent(cmd.Context(), cfg, cfgPath)
		},
	}
}

// runAgent wires every component from cfg and blocks until the agent stops.
func runAgent(ctx context.Context, cfg config.Config, cfgPath string) error {
	if err := os.MkdirAll(cfg.Workload.WorkDir, 0o755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}

	id := identity.NewStore(cfg.Identity.Path, cfg.Identity.SystemType, cfg.Identity.Version).LoadOrCreate()

	var exporter telemetry.Exporter
	if cfg.Telemetry.OTLPEndpoint != "" {
		exporter = telemetry.NewOTLPExporter(cfg.Telemetry.OTLPEndpoint, map[string]string{
			"service.name":    "relaynode",
			"service.version": version,
			"host.name":       id.ComputerName,
			"node.name":       id.NodeName,
		})
	}
	collector := telemetry.NewCollector(cfg.Telemetry.Enabled, exporter, cfg.Telemetry.FlushInterval.Std())
	telemetry.InitGlobal(collector)
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = collector.Shutdown(sctx)
	}()

	var recorder supervisor.RunRecorder
	if cfg.State.DBPath != "" {
		st, err := store.Open(cfg.State.DBPath)
		if err != nil {
			log.Warn().Err(err).Str("path", cfg.State.DBPath).Msg("Run history unavailable")
		} else {
			defer st.Close()
			recorder = st
		}
	}

	if cfg.Autostart.Enabled {
		installAutostart(ctx, cfg, cfgPath)
	}

	client := relay.New(relay.Config{
		BaseURL:     cfg.Relay.URL,
		Token:       cfg.Relay.Token,
		Version:     version,
		Timeout:     cfg.Relay.RequestTimeout.Std(),
		ResultRetry: resultRetry(cfg.Relay.ResultRetries),
	})
	sup := supervisor.New(supervisor.Options{
		Executable:     cfg.Workload.Executable,
		Args:           cfg.Workload.Args,
		WorkDir:        cfg.Workload.WorkDir,
		NodeName:       id.NodeName,
		MaxRestarts:    cfg.Workload.MaxRestarts,
		RestartDelay:   cfg.Workload.RestartDelay.Std(),
		SimulatedRun:   cfg.Workload.SimulatedRun.Std(),
		TerminateGrace: cfg.Workload.TerminateGrace.Std(),
	}, supervisor.ExecLauncher{
		LogOutput: cfg.Workload.LogWorkloadOutput(),
		Logger:    log.With().Str("component", "workload").Logger(),
	}, recorder)
	dispatcher := command.NewDispatcher(id, sup, command.Options{
		ExecTimeout: cfg.Commands.ExecTimeout.Std(),
		Shell:       cfg.Commands.Shell,
	})
	ctrl := agent.New(id, client, dispatcher, sup, agent.Options{
		HeartbeatInterval: cfg.Relay.HeartbeatInterval.Std(),
	})

	if cfg.Telemetry.MonitoringAddr != "" {
		ms := telemetry.NewMonitoringServer(cfg.Telemetry.MonitoringAddr, collector)
		ms.RegisterHealthCheck("relay", func() telemetry.HealthCheck {
			if ctrl.Registered() {
				return telemetry.HealthCheck{Status: telemetry.HealthStatusHealthy, Message: "registered as " + ctrl.NodeID()}
			}
			return telemetry.HealthCheck{Status: telemetry.HealthStatusDegraded, Message: "not registered"}
		})
		ms.RegisterHealthCheck("workload", func() telemetry.HealthCheck {
			if !sup.Running() {
				return telemetry.HealthCheck{Status: telemetry.HealthStatusUnhealthy, Message: "agent stopped"}
			}
			restarts := fmt.Sprintf("%d/%d restarts used", sup.RestartCount(), sup.MaxRestarts())
			if !sup.WorkloadAlive() {
				return telemetry.HealthCheck{Status: telemetry.HealthStatusDegraded, Message: "workload not running, " + restarts}
			}
			return telemetry.HealthCheck{Status: telemetry.HealthStatusHealthy, Message: restarts}
		})
		ms.RegisterHealthCheck("goroutines", telemetry.GoroutineCheck)
		go func() {
			if err := ms.Start(); err != nil {
				log.Error().Err(err).Str("addr", cfg.Telemetry.MonitoringAddr).Msg("Monitoring server failed")
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = ms.Shutdown(sctx)
		}()
	}

	if cfg.Telemetry.PprofAddr != "" {
		ps := telemetry.NewProfilingServer(cfg.Telemetry.PprofAddr, version)
		go func() {
			if err := ps.Start(); err != nil {
				log.Error().Err(err).Str("addr", cfg.Telemetry.PprofAddr).Msg("Profiling server failed")
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = ps.Shutdown(sctx)
		}()
	}

	hostCtx, stopHost := context.WithCancel(ctx)
	defer stopHost()
	go telemetry.NewHostMonitor(collector, cfg.Telemetry.HostMetricsInterval.Std(), cfg.Workload.WorkDir).Run(hostCtx)

	printBanner(id, cfg)

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Debug().Err(err).Msg("sd_notify failed")
	} else if ok {
		log.Debug().Msg("Notified systemd of readiness")
	}
	defer daemon.SdNotify(false, daemon.SdNotifyStopping)

	return ctrl.Run(ctx)
}

func resultRetry(retries int) relay.RetryConfig {
	rc := relay.DefaultRetryConfig()
	rc.MaxRetries = retries
	return rc
}

// selfInvocation re-runs this binary from the current working directory, so
// a boot-time start resolves the same identity and state files.
func selfInvocation(cfg config.Config, cfgPath string) (autostart.Invocation, error) {
	wd, err := os.Getwd()
	if err != nil {
		return autostart.Invocation{}, fmt.Errorf("resolve working directory: %w", err)
	}
	return autostart.SelfInvocation(cfg.Autostart.Name, cfgPath, wd)
}

func installAutostart(ctx context.Context, cfg config.Config, cfgPath string) {
	reg, err := autostart.DefaultRegistry().Get(cfg.Autostart.Method)
	if err != nil {
		log.Warn().Err(err).Msg("Autostart skipped")
		return
	}
	inv, err := selfInvocation(cfg, cfgPath)
	if err != nil {
		log.Warn().Err(err).Msg("Autostart skipped")
		return
	}
	_ = autostart.Install(ctx, reg, inv)
}

func printBanner(id identity.NodeIdentity, cfg config.Config) {
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	gray := color.New(color.FgHiBlack)

	cyan.Fprintf(os.Stderr, "relaynode %s\n", version)
	for _, line := range [][2]string{
		{"Node", id.NodeName},
		{"Relay", cfg.Relay.URL},
		{"Workload", cfg.Workload.Executable},
		{"Work dir", cfg.Workload.WorkDir},
	} {
		green.Fprint(os.Stderr, "  ▶ ")
		fmt.Fprintf(os.Stderr, "%-9s %s\n", line[0]+":", line[1])
	}
	if cfg.Telemetry.MonitoringAddr != "" {
		green.Fprint(os.Stderr, "  ▶ ")
		fmt.Fprintf(os.Stderr, "%-9s %s\n", "Metrics:", cfg.Telemetry.MonitoringAddr)
	}
	gray.Fprintf(os.Stderr, "  heartbeat every %s, up to %d restarts\n\n", cfg.Relay.HeartbeatInterval.Std(), cfg.Workload.MaxRestarts)
}

// Show or regenerate the node identity
func newIdentityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Print the node identity, creating it if needed",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			s := identity.NewStore(cfg.Identity.Path, cfg.Identity.SystemType, cfg.Identity.Version)
			var id identity.NodeIdentity
			if regen, _ := cmd.Flags().GetBool("regenerate"); regen {
				if id, err = s.Regenerate(); err != nil {
					return fmt.Errorf("regenerate identity: %w", err)
				}
			} else {
				id = s.LoadOrCreate()
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(id)
		},
	}
	cmd.Flags().Bool("regenerate", false, "discard the stored identity and create a new one")
	return cmd
}

// Register the agent to start at login
func newAutostartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "autostart",
		Short: "Register the agent to start at login",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cfgPath, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			method, _ := cmd.Flags().GetString("method")
			if method == "" {
				method = cfg.Autostart.Method
			}
			reg, err := autostart.DefaultRegistry().Get(method)
			if err != nil {
				return err
			}
			inv, err := selfInvocation(cfg, cfgPath)
			if err != nil {
				return err
			}
			if dry, _ := cmd.Flags().GetBool("dry-run"); dry {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", reg.Name(), inv.CommandLine())
				return nil
			}
			if err := autostart.Install(cmd.Context(), reg, inv); err != nil {
				return err
			}
			color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "autostart registered via %s\n", reg.Name())
			return nil
		},
	}
	cmd.Flags().String("method", "", "registrar to use (systemd-user, windows-run-key, noop)")
	cmd.Flags().Bool("dry-run", false, "print the command line without registering")
	return cmd
}

// List recent workload runs
func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent workload runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.State.DBPath == "" {
				return errors.New("run history is disabled (state.db_path is empty)")
			}
			st, err := store.Open(cfg.State.DBPath)
			if err != nil {
				return err
			}
			defer st.Close()

			limit, _ := cmd.Flags().GetInt("limit")
			runs, err := st.RecentRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(runs) == 0 {
				fmt.Fprintln(out, "no runs recorded")
				return nil
			}
			red := color.New(color.FgRed)
			yellow := color.New(color.FgYellow)
			for _, r := range runs {
				fmt.Fprintf(out, "#%-5d %s  %8s  ", r.Cycle, r.StartedAt.Format(time.RFC3339), r.Duration().Round(time.Millisecond))
				switch {
				case r.Simulated:
					yellow.Fprintln(out, "simulated")
				case r.ExitCode != 0:
					red.Fprintf(out, "exit %d\n", r.ExitCode)
				default:
					fmt.Fprintln(out, "exit 0")
				}
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "number of runs to show")
	return cmd
}
