package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	goruntime "runtime"
	"syscall"

	"github.com/chainguard-dev/clog"
	"github.com/chainguard-dev/clog/slag"
	charmlog "github.com/charmbracelet/log"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/joshrwolf/atoms/internal/atom"
	"github.com/joshrwolf/atoms/internal/builder"
	"github.com/joshrwolf/atoms/internal/config"
	"github.com/joshrwolf/atoms/internal/distro"
	"github.com/joshrwolf/atoms/internal/image"
	"github.com/joshrwolf/atoms/internal/isolation/proot"
	"github.com/joshrwolf/atoms/internal/proc"
	"github.com/joshrwolf/atoms/internal/runtime/docker"
	"github.com/spf13/cobra"
)

type options struct {
	logLevel   slag.Level
	configPath string

	cfg     *config.Config
	distros *distro.Registry
	manager *atom.Manager
}

// setupLogging configures logging for the command
func (o *options) setupLogging(ctx context.Context) context.Context {
	l := charmlog.NewWithOptions(os.Stderr, charmlog.Options{
		Level:           charmlog.Level(o.logLevel),
		ReportTimestamp: true,
	})
	ctx = clog.WithLogger(ctx, clog.New(l))
	slog.SetDefault(slog.New(l))
	return ctx
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		clog.FatalContextf(ctx, "error: %v", err)
	}
}

func run(ctx context.Context) error {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:           "atoms",
		Short:         "Disposable development environments backed by chroots, containers or the host",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.loadConfig(cmd); err != nil {
				return err
			}
			ctx = opts.setupLogging(ctx)
			cmd.SetContext(ctx)
			return opts.setup(ctx)
		},
	}

	rootCmd.PersistentFlags().Var(&opts.logLevel, "log-level", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default $XDG_CONFIG_HOME/atoms/config.yaml)")

	rootCmd.AddCommand(
		opts.distributionsCmd(),
		opts.listCmd(),
		opts.createCmd(),
		opts.createContainerCmd(),
		opts.enterCmd(),
		opts.runCmd(),
		opts.destroyCmd(),
		opts.killCmd(),
		opts.stopCmd(),
		opts.renameCmd(),
		opts.bindCmd(),
	)

	return rootCmd.ExecuteContext(ctx)
}

func (o *options) loadConfig(cmd *cobra.Command) error {
	path := o.configPath
	if path == "" {
		p, err := config.ConfigPath()
		if err != nil {
			return fmt.Errorf("resolving config path: %w", err)
		}
		path = p
	}

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	o.cfg = cfg

	// the flag wins over the config file
	if !cmd.Flags().Changed("log-level") {
		if err := o.logLevel.Set(cfg.LogLevel); err != nil {
			return fmt.Errorf("log_level: %w", err)
		}
	}
	return nil
}

// setup wires the manager's collaborators from the loaded configuration
func (o *options) setup(ctx context.Context) error {
	log := clog.FromContext(ctx)

	var err error
	if o.cfg.Distributions != "" {
		o.distros, err = distro.LoadFile(o.cfg.Distributions, distro.DefaultHooks())
	} else {
		o.distros, err = distro.Default()
	}
	if err != nil {
		return err
	}

	cacheDir, err := os.UserCacheDir()
	if err != nil {
		return fmt.Errorf("getting cache dir: %w", err)
	}
	cacheDir = filepath.Join(cacheDir, "atoms")

	tmpDir := filepath.Join(os.TempDir(), "atoms")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return fmt.Errorf("creating temp dir: %w", err)
	}

	paths := o.cfg.Paths()
	resolver := image.NewResolver(paths.ImagesDir, builder.New(cacheDir, tmpDir),
		remote.WithAuthFromKeychain(authn.DefaultKeychain))

	procs, err := proc.New("/proc")
	if err != nil {
		return err
	}

	mopts := []atom.Option{
		atom.WithIsolator(proot.New(o.cfg.ProotPath)),
		atom.WithImages(resolver),
		atom.WithDistributions(o.distros),
		atom.WithProcesses(procs),
		atom.WithLauncherDir(tmpDir),
	}

	// chroot atoms work without a container runtime
	if rt, err := docker.Detect(ctx, o.cfg.Runtime); err != nil {
		log.Debug("container runtime unavailable", "error", err)
	} else {
		log.Debug("detected runtime", "runtime", rt)
		mopts = append(mopts, atom.WithRuntime(rt))
	}

	o.manager = atom.NewManager(paths, mopts...)
	return nil
}

func defaultArch() string {
	return goruntime.GOARCH
}
