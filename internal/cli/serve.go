package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ppiankov/playwatch/internal/api"
	"github.com/ppiankov/playwatch/internal/server"
	"github.com/ppiankov/playwatch/internal/systemd"
)

var (
	serveGRPCAddr string
	serveHTTPAddr string
	serveNoHTTP   bool
)

// approvalRetention is how long resolved approval files are kept.
const approvalRetention = 7 * 24 * time.Hour

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveGRPCAddr, "grpc-addr", "", "gRPC listen address (overrides server.grpc_addr)")
	serveCmd.Flags().StringVar(&serveHTTPAddr, "http-addr", "", "HTTP API listen address (overrides server.http_addr)")
	serveCmd.Flags().BoolVar(&serveNoHTTP, "no-http", false, "Disable the HTTP API and /metrics")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine with its gRPC and HTTP APIs",
	Long:  "Runs the playbook engine as a long-lived service.\nAlerts arrive over gRPC or the HTTP API; playbooks and policy hot-reload on change.",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	if serveGRPCAddr != "" {
		cfg.Server.GRPCAddr = serveGRPCAddr
	}
	if serveHTTPAddr != "" {
		cfg.Server.HTTPAddr = serveHTTPAddr
	}

	if systemd.UnderSystemd() {
		hashPath := filepath.Join(filepath.Dir(cfg.AuditLog), "unit-file.sha256")
		if msg := systemd.CheckUnitFileIntegrity(systemd.UnitPath, hashPath); msg != "" {
			log.Warn(msg)
		}
	}

	rt, err := buildStack(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	defer rt.Close()

	srv := server.New(rt.engine, rt.policy, server.Config{
		Addr:        cfg.Server.GRPCAddr,
		PlaybookDir: cfg.PlaybookDir,
		PolicyPath:  cfg.Policy.Path,
	}, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	reloader, err := server.NewReloader(srv, []string{cfg.Policy.Path, cfg.PlaybookDir}, log)
	if err != nil {
		log.WithError(err).Warn("hot-reload disabled")
	} else {
		g.Go(func() error { return reloader.Run(ctx) })
	}

	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-hup:
				if err := srv.Reload(); err != nil {
					log.WithError(err).Warn("reload on SIGHUP incomplete")
				}
			}
		}
	})

	g.Go(srv.Serve)
	g.Go(func() error {
		<-ctx.Done()
		fmt.Fprintln(os.Stderr, "\nShutting down playwatch...")
		srv.GracefulStop()
		return nil
	})

	if !serveNoHTTP && cfg.Server.HTTPAddr != "" {
		httpAPI := api.New(rt.engine, log)
		g.Go(func() error { return httpAPI.ListenAndServe(ctx, cfg.Server.HTTPAddr) })
	}

	g.Go(func() error {
		t := time.NewTicker(time.Hour)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				if err := rt.approvals.Cleanup(approvalRetention); err != nil {
					log.WithError(err).Warn("approval cleanup failed")
				}
			}
		}
	})

	fmt.Fprintf(os.Stderr, "playwatch listening: grpc %s", cfg.Server.GRPCAddr)
	if !serveNoHTTP && cfg.Server.HTTPAddr != "" {
		fmt.Fprintf(os.Stderr, ", http %s", cfg.Server.HTTPAddr)
	}
	fmt.Fprintf(os.Stderr, " (%d playbooks)\n", len(rt.engine.ListPlaybooks()))

	return g.Wait()
}
