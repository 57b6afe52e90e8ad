// ============================================================================
// virtgpu CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra based command line for the virtio-gpu driver core
//
// Command Structure:
//   virtgpu                        # Root command
//   ├── run                        # Start driver + simulated device + gRPC gate
//   ├── render                     # Submit one caller buffer through the gate
//   │   ├── --tag                  # Command name or numeric tag
//   │   └── --body-hex / --body-file
//   ├── status                     # Driver statistics, display info or one job
//   ├── probe                      # Identity match and feature negotiation
//   ├── journal                    # Inspect the job journal
//   │   ├── dump
//   │   └── stats
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   └── --version
//
// run Command:
//   1. Load config file
//   2. Assemble simulated device, driver device, dispatcher, gate, journal
//   3. Serve the gate over gRPC and /metrics over HTTP (if enabled)
//   4. Wait for SIGINT / SIGTERM, then stop everything gracefully
//
// Error Handling:
//   - Config load failed: return detailed error information
//   - render/status: gRPC errors carry the driver error kind
//
// ============================================================================

package cli

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ChuLiYu/virtgpu/internal/device"
	"github.com/ChuLiYu/virtgpu/internal/gpucmd"
	"github.com/ChuLiYu/virtgpu/internal/metrics"
	"github.com/ChuLiYu/virtgpu/internal/server"
	"github.com/ChuLiYu/virtgpu/internal/storage/journal"
	"github.com/ChuLiYu/virtgpu/pkg/types"
)

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "virtgpu",
		Short: "virtgpu: a paravirtualized GPU driver core",
		Long: `virtgpu drives a virtio-gpu device through three virtqueues:
- control, cursor and display queues
- a safety gate for caller buffers
- job status tracking with a journal
- Prometheus metrics`,
		Version:      "1.0.0",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildRenderCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildProbeCommand())
	rootCmd.AddCommand(buildJournalCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the driver with a simulated device",
		Long:  "Start the driver core, the simulated virtio-gpu device and the gRPC gate service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if listen != "" {
				cfg.Server.Listen = listen
			}
			setupLogger(cfg.Log, os.Stderr)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSystem(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "gRPC listen address (overrides server.listen)")
	return cmd
}

// runSystem runs until ctx is cancelled or one of the servers fails.
func runSystem(ctx context.Context, cfg *Config) error {
	sys, err := NewSystem(cfg)
	if err != nil {
		return err
	}
	if err := sys.Start(); err != nil {
		sys.Stop()
		return err
	}
	defer sys.Stop()

	lis, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.Listen, err)
	}
	grpcServer := grpc.NewServer()
	server.NewServer(sys.Gate, sys.Dispatcher).Register(grpcServer)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("gRPC gate listening", "addr", lis.Addr().String())
		return grpcServer.Serve(lis)
	})

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(fmt.Sprintf(":%d", cfg.Metrics.Port), sys.Registry)
		g.Go(func() error {
			slog.Info("Starting metrics server", "addr", metricsServer.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		slog.Info("Received shutdown signal, stopping gracefully")
		grpcServer.GracefulStop()
		if metricsServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}
		return nil
	})

	slog.Info("System started successfully", "features", sys.Device.Features().String())
	if err := g.Wait(); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	slog.Info("System stopped. Goodbye!")
	return nil
}

// ============================================================================
// render
// ============================================================================

func buildRenderCommand() *cobra.Command {
	var (
		addr     string
		tag      string
		bodyHex  string
		bodyFile string
		wait     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "render",
		Short: "Submit a caller buffer through the safety gate",
		Long:  "Send one command body with its tag to a running driver. The tag is a command name (e.g. ResourceCreate2D) or a number.",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := parseTag(tag)
			if err != nil {
				return err
			}
			body, err := readBody(bodyHex, bodyFile)
			if err != nil {
				return err
			}

			client, closeFn, err := dial(addr)
			if err != nil {
				return err
			}
			defer closeFn()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second+wait)
			defer cancel()

			id, err := client.RenderSafe(ctx, body, t)
			if err != nil {
				return fmt.Errorf("render failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %d submitted\n", id)

			if wait <= 0 {
				return nil
			}
			st, err := waitForJob(ctx, client, id, wait)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %d %s\n", id, st)
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "driver gRPC address (default: server.listen from config)")
	cmd.Flags().StringVarP(&tag, "tag", "t", "", "command name or numeric tag")
	cmd.Flags().StringVar(&bodyHex, "body-hex", "", "command body as hex")
	cmd.Flags().StringVarP(&bodyFile, "body-file", "f", "", "file holding the command body")
	cmd.Flags().DurationVar(&wait, "wait", 0, "wait up to this long for the job to finish")
	cmd.MarkFlagRequired("tag")

	return cmd
}

// parseTag accepts a command name (case-insensitive) or a number in any
// base strconv understands.
func parseTag(s string) (uint32, error) {
	for _, k := range gpucmd.Kinds {
		if strings.EqualFold(s, k.String()) {
			return uint32(k), nil
		}
	}
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid tag %q: not a command name or number", s)
	}
	return uint32(v), nil
}

func readBody(bodyHex, bodyFile string) ([]byte, error) {
	switch {
	case bodyHex != "" && bodyFile != "":
		return nil, errors.New("use only one of --body-hex and --body-file")
	case bodyHex != "":
		b, err := hex.DecodeString(bodyHex)
		if err != nil {
			return nil, fmt.Errorf("invalid --body-hex: %w", err)
		}
		return b, nil
	case bodyFile != "":
		b, err := os.ReadFile(bodyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read body file: %w", err)
		}
		return b, nil
	default:
		return nil, nil
	}
}

func waitForJob(ctx context.Context, client *server.Client, id types.JobID, limit time.Duration) (types.JobStatus, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	b.MaxElapsedTime = limit

	var st types.JobStatus
	err := backoff.Retry(func() error {
		s, err := client.Status(ctx, id)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !s.State.Terminal() {
			return fmt.Errorf("job %d still %s", id, s.State)
		}
		st = s
		return nil
	}, backoff.WithContext(b, ctx))
	return st, err
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var (
		addr  string
		jobID uint64
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show driver status",
		Long:  "Display driver statistics and scanouts of a running driver, or the status of one job with --job",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, closeFn, err := dial(addr)
			if err != nil {
				return err
			}
			defer closeFn()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			out := cmd.OutOrStdout()
			if jobID != 0 {
				st, err := client.Status(ctx, types.JobID(jobID))
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "job %d %s\n", jobID, st)
				return nil
			}

			stats, err := client.Stats(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, "Driver:")
			keys := make([]string, 0, len(stats))
			for k := range stats {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(out, "  %-12s %v\n", k, stats[k])
			}

			_, displays, err := client.DisplayInfo(ctx)
			if err != nil {
				fmt.Fprintf(out, "Scanouts: unavailable (%v)\n", err)
				return nil
			}
			fmt.Fprintln(out, "Scanouts:")
			for i, d := range displays {
				if !d.Enabled {
					continue
				}
				fmt.Fprintf(out, "  %d: %dx%d+%d+%d\n", i, d.Rect.Width, d.Rect.Height, d.Rect.X, d.Rect.Y)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "driver gRPC address (default: server.listen from config)")
	cmd.Flags().Uint64Var(&jobID, "job", 0, "show the status of this job only")
	return cmd
}

// dial connects to addr, or to server.listen from the config when addr is
// empty.
func dial(addr string) (*server.Client, func(), error) {
	if addr == "" {
		cfg, err := loadConfig(configFile)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load config: %w", err)
		}
		addr = cfg.Server.Listen
		if strings.HasPrefix(addr, ":") {
			addr = "localhost" + addr
		}
	}
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return server.NewClient(conn), func() { conn.Close() }, nil
}

// ============================================================================
// probe
// ============================================================================

func buildProbeCommand() *cobra.Command {
	var vendorID, deviceID uint32

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Check a PCI identity and show feature negotiation",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			out := cmd.OutOrStdout()

			id := types.DeviceIdentity{VendorID: vendorID, DeviceID: deviceID}
			fmt.Fprintf(out, "device %04x:%04x supported: %t\n", id.VendorID, id.DeviceID, device.Probe(id))

			advertised, err := cfg.Device.AdvertisedFeatures()
			if err != nil {
				return err
			}
			wanted, err := cfg.wantedFeatures()
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "advertised: %s\n", advertised)
			fmt.Fprintf(out, "wanted:     %s\n", wanted)
			fmt.Fprintf(out, "negotiated: %s\n", advertised.Intersect(wanted))
			return nil
		},
	}

	cmd.Flags().Uint32Var(&vendorID, "vendor", types.VirtioGPUIdentity.VendorID, "PCI vendor id")
	cmd.Flags().Uint32Var(&deviceID, "device", types.VirtioGPUIdentity.DeviceID, "PCI device id")
	return cmd
}

// ============================================================================
// journal
// ============================================================================

func buildJournalCommand() *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect the job journal",
	}
	cmd.PersistentFlags().StringVar(&path, "path", "", "journal file (default: journal.path from config)")

	resolve := func() (string, error) {
		if path != "" {
			return path, nil
		}
		cfg, err := loadConfig(configFile)
		if err != nil {
			return "", fmt.Errorf("failed to load config: %w", err)
		}
		return cfg.Journal.Path, nil
	}

	var limit int
	dump := &cobra.Command{
		Use:   "dump",
		Short: "Print journal events",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := resolve()
			if err != nil {
				return err
			}
			return journal.Dump(p, cmd.OutOrStdout(), limit)
		},
	}
	dump.Flags().IntVarP(&limit, "limit", "n", 0, "print only the last n events")

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Summarize journal events",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := resolve()
			if err != nil {
				return err
			}
			st, err := journal.GetStats(p)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "events:      %d\n", st.TotalEvents)
			fmt.Fprintf(out, "seq:         %d..%d\n", st.FirstSeq, st.LastSeq)
			fmt.Fprintf(out, "last job id: %d\n", st.LastJobID)
			for _, t := range []journal.EventType{journal.EventSubmit, journal.EventComplete, journal.EventFail, journal.EventReject} {
				fmt.Fprintf(out, "  %-9s %d\n", t, st.EventTypes[t])
			}
			return nil
		},
	}

	cmd.AddCommand(dump, stats)
	return cmd
}
