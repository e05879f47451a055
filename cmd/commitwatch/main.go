package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/drewdunne/commitwatch/internal/command"
	"github.com/drewdunne/commitwatch/internal/config"
	"github.com/drewdunne/commitwatch/internal/docker"
	"github.com/drewdunne/commitwatch/internal/logging"
	"github.com/drewdunne/commitwatch/internal/notify"
	"github.com/drewdunne/commitwatch/internal/poll"
	"github.com/drewdunne/commitwatch/internal/registry"
	"github.com/drewdunne/commitwatch/internal/schedule"
	"github.com/drewdunne/commitwatch/internal/server"
	"github.com/drewdunne/commitwatch/internal/store"
)

var version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(os.Args[2:])
	case "poll":
		err = runPoll(os.Args[2:])
	case "recent":
		err = runRecent(os.Args[2:])
	case "version":
		fmt.Printf("commitwatch v%s\n", version)
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "commitwatch: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: commitwatch <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve    Poll on a schedule and serve the HTTP API")
	fmt.Println("  poll     Run one poll cycle and exit")
	fmt.Println("  recent   Print the newest revision of every repository")
	fmt.Println("  version  Print version information")
}

// app holds everything built from the config file.
type app struct {
	cfg    *config.Config
	log    *zap.SugaredLogger
	docker *docker.Client
	store  store.Store
	driver *poll.Driver

	closers []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func parseFlags(name string, args []string) (configPath string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	path := fs.String("config", "config.yaml", "Path to config file")
	envFile := fs.String("env-file", "", "Path to .env file (optional)")
	fs.Parse(args)

	// Load .env file if specified or exists
	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not load env file %s: %v\n", *envFile, err)
		}
	} else {
		// Try default locations
		godotenv.Load(".env")
		godotenv.Load("/etc/commitwatch/commitwatch.env")
	}
	return *path
}

func setup(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	log, closeLog, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log, closers: []func(){closeLog}}

	var regOpts []registry.Option
	if cfg.SVN.DockerImage != "" {
		cli, err := prepareDocker(ctx, cfg.SVN.DockerImage, log)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.docker = cli
		a.closers = append(a.closers, func() { cli.Close() })
		regOpts = append(regOpts, registry.WithDocker(cli))
	}

	reg, err := registry.New(cfg, regOpts...)
	if err != nil {
		a.Close()
		return nil, err
	}

	st, err := store.Open(cfg.Store)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.store = st
	a.closers = append(a.closers, func() { st.Close() })

	var pub notify.Publisher = notify.NewLogPublisher(log)
	if cfg.Notify.WebhookURL != "" {
		pub = notify.NewWebhookPublisher(cfg.Notify.WebhookURL)
	}

	a.driver = poll.New(cfg, reg, st, pub, log)
	if err := a.driver.LoadWatermarks(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("loading watermarks: %w", err)
	}

	log.Infow("configured", "repositories", a.driver.Repositories(), "store", cfg.Store.Driver)
	return a, nil
}

// prepareDocker connects to the daemon and makes sure the svn image is present.
func prepareDocker(ctx context.Context, image string, log *zap.SugaredLogger) (*docker.Client, error) {
	cli, err := docker.NewClient()
	if err != nil {
		return nil, err
	}
	if err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("docker unavailable: %w", err)
	}

	exists, err := cli.ImageExists(ctx, image)
	if err != nil {
		cli.Close()
		return nil, err
	}
	if !exists {
		log.Infow("pulling svn image", "image", image)
		if err := cli.PullImage(ctx, image); err != nil {
			cli.Close()
			return nil, err
		}
	}
	return cli, nil
}

func runServe(args []string) error {
	ctx := context.Background()
	a, err := setup(ctx, parseFlags("serve", args))
	if err != nil {
		return err
	}
	defer a.Close()

	var opts []server.Option
	if a.cfg.Poll.Interval > 0 {
		poller := schedule.New("poll", a.cfg.Poll.Interval, func(ctx context.Context) {
			a.driver.RunCycle(ctx)
		}, a.log)
		poller.Start(ctx)
		opts = append(opts, server.OnShutdown(poller.Stop))
	} else {
		a.log.Info("periodic polling disabled, use POST /poll")
	}
	if a.cfg.Logging.Dir != "" {
		cleaner := logging.NewCleaner(a.cfg.Logging.Dir, a.cfg.Logging.RetentionDays, a.log)
		cleanup := schedule.New("log-cleanup", 24*time.Hour, cleaner.Run, a.log)
		cleanup.Start(ctx)
		opts = append(opts, server.OnShutdown(cleanup.Stop))
	}
	if a.docker != nil {
		opts = append(opts, server.WithDocker(a.docker))
	}

	dispatcher := command.NewDispatcher(a.driver, time.Duration(a.cfg.Commands.DebounceSeconds)*time.Second, a.log)
	srv := server.New(a.cfg, a.driver, dispatcher, a.log, opts...)

	return srv.ListenAndServeWithShutdown()
}

func runPoll(args []string) error {
	ctx := context.Background()
	a, err := setup(ctx, parseFlags("poll", args))
	if err != nil {
		return err
	}
	defer a.Close()

	if !a.driver.RunCycle(ctx) {
		fmt.Println(command.ReplyNothingToReport)
	}
	return nil
}

func runRecent(args []string) error {
	ctx := context.Background()
	a, err := setup(ctx, parseFlags("recent", args))
	if err != nil {
		return err
	}
	defer a.Close()

	for _, line := range a.driver.Recent(ctx) {
		fmt.Println(line)
	}
	return nil
}
