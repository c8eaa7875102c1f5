package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/marmos91/cephmount/internal/logger"
	"github.com/marmos91/cephmount/pkg/client"
	"github.com/marmos91/cephmount/pkg/config"
)

const usage = `cephmount - cluster filesystem client

Usage:
  cephmount init [--config PATH] [--force]   Write a sample configuration file
  cephmount mount [--config PATH]            Join the cluster and hold the mount until interrupted

Environment variables (CEPHMOUNT_<SECTION>_<KEY>) override the configuration file.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "init":
		err = runInit(os.Args[2:])
	case "mount":
		err = runMount(os.Args[2:])
	case "-h", "--help", "help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	configPath := fs.String("config", "", "Path of the file to write (default: $XDG_CONFIG_HOME/cephmount/config.yaml)")
	force := fs.Bool("force", false, "Overwrite an existing file")
	_ = fs.Parse(args)

	path := *configPath
	if path == "" {
		var err error
		if path, err = config.InitConfig(*force); err != nil {
			return err
		}
	} else if err := config.InitConfigToPath(path, *force); err != nil {
		return err
	}

	fmt.Printf("Configuration written to %s\n", path)
	fmt.Println("Set mount.monitors to your cluster's monitors before mounting.")
	return nil
}

func runMount(args []string) error {
	fs := flag.NewFlagSet("mount", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file (default: $XDG_CONFIG_HOME/cephmount/config.yaml)")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	if err := logger.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output); err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := config.InitializeMetrics(cfg)
	if m.Server != nil {
		go func() {
			if err := m.Server.Start(ctx); err != nil {
				logger.Error("Metrics server error: %v", err)
			}
		}()
	}

	reg := config.InitializeRegistry(cfg)
	c, err := client.NewClient(cfg.ClientConfig(), cfg.ClientDeps(reg, m))
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer func() {
		if err := c.Destroy(); err != nil {
			logger.Error("Client shutdown error: %v", err)
		}
	}()

	logger.Info("Mounting %s from %d monitor(s)", cfg.Mount.Path, len(cfg.Mount.Monitors))
	root, err := c.Mount(ctx, cfg.ClientConfig())
	if err != nil {
		if errors.Is(err, client.ErrInterrupted) {
			logger.Info("Mount cancelled")
			return nil
		}
		return fmt.Errorf("mount %s: %w", cfg.Mount.Path, err)
	}
	logger.Info("Mounted %s as client%d (inode %d)", root.Path(), c.Whoami(), root.Inode.Ino)

	reportUsage(ctx, c, cfg.Mount.RequestTimeout)

	logger.Info("Mount is held. Press Ctrl+C to unmount.")
	<-ctx.Done()

	logger.Info("Unmounting %s...", cfg.Mount.Path)
	return nil
}

// reportUsage logs cluster usage once. Failures are not fatal for the mount.
func reportUsage(ctx context.Context, c *client.Client, timeout time.Duration) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	st, err := c.Statfs(ctx)
	if err != nil {
		logger.Warn("statfs: %v", err)
		return
	}
	logger.Info("Cluster usage: %d KB used of %d KB, %d KB available, %d objects",
		st.Used, st.Total, st.Available, st.Objects)
}
