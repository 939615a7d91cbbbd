package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fuse"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentworkforce/shadowsync/internal/adapter"
	"github.com/agentworkforce/shadowsync/internal/config"
	"github.com/agentworkforce/shadowsync/internal/httpapi"
	"github.com/agentworkforce/shadowsync/internal/logging"
	"github.com/agentworkforce/shadowsync/internal/platform/fusemount"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

type globalOptions struct {
	configPath string
	logLevel   string
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}
	cmd := &cobra.Command{
		Use:          "shadowsync",
		Short:        "Bidirectional file sync adapters",
		SilenceUsage: true,
	}
	cmd.Version = version
	cmd.SetVersionTemplate("{{.Version}}\n")
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", config.EnvOrDefault("SHADOWSYNC_CONFIG", ""), "path to the YAML configuration")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override the configured log level")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newDetectCommand(opts))
	cmd.AddCommand(newMountCommand(opts))
	cmd.AddCommand(newVersionCommand())
	return cmd
}

// setup loads the configuration and builds the logger.
func setup(opts *globalOptions) (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return cfg, nil, err
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	logger, _, err := logging.New(logging.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		OutputPath: cfg.Log.OutputPath,
	})
	if err != nil {
		return cfg, nil, fmt.Errorf("build logger: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return cfg, logger, nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func newServeCommand(opts *globalOptions) *cobra.Command {
	var noDetect bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Connect the adapters, poll for updates and serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(opts)
			if err != nil {
				return err
			}
			defer logger.Sync()
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return serve(ctx, cfg, logger, !noDetect)
		},
	}
	cmd.Flags().BoolVar(&noDetect, "no-detect", false, "only detect when asked through the API")
	return cmd
}

func serve(ctx context.Context, cfg config.Config, logger *zap.Logger, poll bool) error {
	d, err := buildDaemon(cfg, logger)
	if err != nil {
		return err
	}
	defer d.close()
	if err := d.connect(ctx); err != nil {
		return err
	}

	apiAdapters := make([]httpapi.Adapter, 0, len(d.adapters))
	for _, a := range d.adapters {
		apiAdapters = append(apiAdapters, a)
	}
	api, err := httpapi.NewServerWithConfig(httpapi.ServerConfig{
		JWTSecret:       cfg.HTTP.JWTSecret,
		RateLimitMax:    cfg.HTTP.RateLimitMax,
		RateLimitWindow: cfg.HTTP.RateLimitWindow,
		MaxBodyBytes:    cfg.HTTP.MaxBodyBytes,
		OriginPatterns:  cfg.HTTP.OriginPatterns,
		Logger:          logger.Named("http"),
	}, apiAdapters...)
	if err != nil {
		return err
	}
	defer api.Close()

	mounts, err := mountConfigured(ctx, d, logger)
	if err != nil {
		return err
	}
	defer unmountAll(mounts, logger)

	srv := &http.Server{
		Addr:              cfg.HTTP.Listen,
		Handler:           logging.Middleware(logger.Named("http"))(api),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("shadowsync listening", zap.String("addr", cfg.HTTP.Listen), zap.Int("adapters", len(d.adapters)))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var wg sync.WaitGroup
	if poll {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.runDetection(ctx)
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}
	logger.Info("shutting down")
	api.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}
	wg.Wait()
	return nil
}

func newDetectCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "detect",
		Short: "Run one detection pass on every adapter and print the reports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(opts)
			if err != nil {
				return err
			}
			defer logger.Sync()
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			d, err := buildDaemon(cfg, logger)
			if err != nil {
				return err
			}
			defer d.close()
			if err := d.connect(ctx); err != nil {
				return err
			}
			reports, detectErr := d.detectOnce(ctx)
			if err := printReports(cmd, d, reports); err != nil {
				return err
			}
			return detectErr
		},
	}
}

type adapterReport struct {
	Adapter string                  `json:"adapter"`
	Report  adapter.DetectionReport `json:"report"`
	Pending int                     `json:"pending"`
}

func printReports(cmd *cobra.Command, d *daemon, reports map[string]adapter.DetectionReport) error {
	names := make([]string, 0, len(reports))
	for name := range reports {
		names = append(names, name)
	}
	sort.Strings(names)
	enc := json.NewEncoder(cmd.OutOrStdout())
	for _, name := range names {
		pending := 0
		if a, ok := d.byName[name]; ok {
			pending = a.DetectedUpdates().Len()
		}
		if err := enc.Encode(adapterReport{Adapter: name, Report: reports[name], Pending: pending}); err != nil {
			return err
		}
	}
	return nil
}

func newMountCommand(opts *globalOptions) *cobra.Command {
	var (
		adapterName string
		rootID      string
		mountPoint  string
		allowOther  bool
		debug       bool
	)
	cmd := &cobra.Command{
		Use:   "mount",
		Short: "Serve one adapter's tracked tree as a read-only FUSE mount",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(opts)
			if err != nil {
				return err
			}
			defer logger.Sync()
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			d, err := buildDaemon(cfg, logger)
			if err != nil {
				return err
			}
			defer d.close()
			a, ok := d.byName[adapterName]
			if !ok {
				return fmt.Errorf("unknown adapter %q", adapterName)
			}
			if mountPoint == "" {
				for _, ac := range cfg.Adapters {
					if ac.Name == adapterName {
						mountPoint = ac.MountPoint
					}
				}
			}
			if mountPoint == "" {
				return errors.New("mount point is required (--mount-point or mount_point)")
			}
			if err := d.connect(ctx); err != nil {
				return err
			}
			if _, err := d.detect(ctx, a); err != nil {
				return err
			}
			server, err := mountAdapter(ctx, a, rootID, fusemount.Config{
				MountPoint: mountPoint,
				AllowOther: allowOther,
				Debug:      debug,
				Logger:     logger.Named("mount"),
			})
			if err != nil {
				return err
			}
			go d.detectLoop(ctx, a)
			<-ctx.Done()
			return server.Unmount()
		},
	}
	cmd.Flags().StringVarP(&adapterName, "adapter", "a", "", "adapter to mount")
	cmd.Flags().StringVar(&rootID, "root", "", "sync root to show at the mount point (default: the whole tree)")
	cmd.Flags().StringVarP(&mountPoint, "mount-point", "m", "", "directory to mount on")
	cmd.Flags().BoolVar(&allowOther, "allow-other", false, "let other users access the mount")
	cmd.Flags().BoolVar(&debug, "debug", false, "log every FUSE request")
	_ = cmd.MarkFlagRequired("adapter")
	return cmd
}

// mountAdapter mounts a, showing the sync root rootID or the whole tree.
func mountAdapter(ctx context.Context, a *adapter.Adapter, rootID string, cfg fusemount.Config) (*gofuse.Server, error) {
	if rootID != "" {
		roots, err := a.SyncRoots(ctx)
		if err != nil {
			return nil, err
		}
		m, ok := roots[rootID]
		if !ok {
			return nil, fmt.Errorf("adapter %s has no sync root %q", a.Name(), rootID)
		}
		cfg.RootID = m.ID
	}
	f, err := fusemount.New(a, cfg)
	if err != nil {
		return nil, err
	}
	return f.Mount(ctx)
}

// mountConfigured mounts every on-demand adapter that names a mount point.
func mountConfigured(ctx context.Context, d *daemon, logger *zap.Logger) ([]*gofuse.Server, error) {
	var servers []*gofuse.Server
	for _, ac := range d.cfg.Adapters {
		if ac.MountPoint == "" || !ac.OnDemand {
			continue
		}
		server, err := mountAdapter(ctx, d.byName[ac.Name], "", fusemount.Config{
			MountPoint: ac.MountPoint,
			Logger:     logger.Named("mount").With(zap.String("adapter", ac.Name)),
		})
		if err != nil {
			unmountAll(servers, logger)
			return nil, fmt.Errorf("mount %s: %w", ac.Name, err)
		}
		servers = append(servers, server)
	}
	return servers, nil
}

func unmountAll(servers []*gofuse.Server, logger *zap.Logger) {
	for _, s := range servers {
		if err := s.Unmount(); err != nil {
			logger.Warn("unmount failed", zap.Error(err))
		}
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version)
			return err
		},
	}
}
