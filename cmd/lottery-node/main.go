package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nmxmxh/cosmic-lottery/kernel/config"
	"github.com/nmxmxh/cosmic-lottery/kernel/core/feed"
	"github.com/nmxmxh/cosmic-lottery/kernel/threads"
	"github.com/nmxmxh/cosmic-lottery/kernel/threads/foundation"
	"github.com/nmxmxh/cosmic-lottery/kernel/threads/supervisor"
	"github.com/nmxmxh/cosmic-lottery/kernel/utils"
)

func main() {
	var (
		configFile = flag.String("config", "", "gcfg configuration file")
		example    = flag.Bool("example", false, "print an example configuration file and exit")
		addr       = flag.String("addr", "", "feed listen address (overrides [Feed] Addr)")
		maxNumber  = flag.Int("max", 0, "particles per run (overrides [Simulation] MaxNumber)")
		lucky      = flag.Int("lucky", 0, "winners per run (overrides [Simulation] LuckyCount)")
		autoDraw   = flag.Duration("auto", 0, "trigger the draw this long after each run starts")
		seed       = flag.String("seed", "", "fixed run seed (overrides [Simulation] Seed)")
		mode       = flag.String("mode", "", "worker or local (overrides [Bridge] Mode)")
		tui        = flag.Bool("tui", false, "show the terminal status view")
		logFile    = flag.String("log", "", "write logs to this file instead of stdout")
	)
	flag.Parse()

	if *example {
		fmt.Print(config.ExampleFile)
		return
	}

	cfg := config.Default()
	if *configFile != "" {
		loaded, err := config.Load(*configFile)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		cfg = loaded
	}

	// Flags only override what was passed explicitly
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.Feed.Addr = *addr
		case "max":
			cfg.Simulation.MaxNumber = *maxNumber
		case "lucky":
			cfg.Simulation.LuckyCount = *lucky
		case "auto":
			cfg.Simulation.AutoDraw = autoDraw.String()
		case "seed":
			cfg.Simulation.Seed = *seed
		case "mode":
			cfg.Bridge.Mode = *mode
		}
	})
	if err := cfg.CheckInit(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := cfg.Logger("lottery")
	switch {
	case *logFile != "":
		f, err := os.OpenFile(*logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		defer f.Close()
		logger = withOutput(cfg, f)
	case *tui:
		// The terminal belongs to the status view
		logger = withOutput(cfg, io.Discard)
	}
	utils.SetGlobalLogger(logger)

	if err := run(cfg, logger, *tui); err != nil {
		logger.Error("Node stopped with error", utils.Err(err))
		os.Exit(1)
	}
}

func withOutput(cfg *config.Config, w io.Writer) *utils.Logger {
	level, _ := cfg.LogLevel()
	return utils.NewLogger(utils.LoggerConfig{
		Level:      level,
		Component:  "lottery",
		Output:     w,
		ShowCaller: cfg.Log.Caller,
	})
}

// run wires the bridge, the feed and the driving loop, and blocks until a
// signal, a dispose command or the status view ends it
func run(cfg *config.Config, logger *utils.Logger, withTUI bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// CheckInit already validated every conversion
	tuning, _ := cfg.Tuning()
	schedule, _ := cfg.PhaseSchedule()
	bundles, _ := cfg.PhaseBundles()
	bridgeCfg, _ := cfg.BridgeSettings()
	feedCfg, _ := cfg.FeedSettings()
	auto, _ := cfg.AutoDraw()

	bridge, err := supervisor.NewBridge(supervisor.Options{
		Config:   bridgeCfg,
		Tuning:   tuning,
		Schedule: schedule,
		Bundles:  bundles,
		Logger:   logger,
	})
	if err != nil {
		return utils.WrapError(err, "bridge")
	}

	server, err := feed.NewServer(feedCfg, bridge, logger)
	if err != nil {
		return utils.WrapError(err, "feed")
	}
	mux := http.NewServeMux()
	mux.Handle(server.Path(), server)
	httpServer := &http.Server{Addr: cfg.Feed.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	commands := make(chan foundation.Command, feedCfg.CommandBuffer)
	go forward(ctx, server.Commands(), commands)

	root, err := threads.NewRootSupervisor(ctx, threads.SupervisorConfig{
		Simulation:   bridge,
		Logger:       logger.Named("supervisor"),
		TickInterval: cfg.TickInterval(),
		Commands:     commands,
		MaxNumber:    cfg.Simulation.MaxNumber,
		LuckyCount:   cfg.Simulation.LuckyCount,
		AutoDraw:     auto,
		MaxRestarts:  3,
	})
	if err != nil {
		return err
	}

	// Registered in start order; shutdown runs them in reverse
	shutdown := utils.NewGracefulShutdown(5*time.Second, logger.Named("shutdown"))
	shutdown.RegisterNamed("bridge", func() error {
		if err := bridge.Dispose(); err != nil && !errors.Is(err, supervisor.ErrDisposed) {
			return err
		}
		return nil
	})
	shutdown.RegisterNamed("supervisor", root.Stop)
	shutdown.RegisterNamed("feed", func() error {
		_ = server.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := root.Start(); err != nil {
		return err
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Feed listening",
			utils.String("addr", cfg.Feed.Addr),
			utils.String("path", server.Path()),
			utils.Bool("compress", feedCfg.Compress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	uiDone := make(chan error, 1)
	if withTUI {
		go func() {
			uiDone <- runStatusView(ctx, bridge, commands, cfg.Simulation.MaxNumber, cfg.Simulation.LuckyCount)
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Signal received")
	case <-root.Done():
		logger.Info("Driving loop finished")
	case runErr = <-serveErr:
	case runErr = <-uiDone:
	}

	if err := shutdown.Shutdown(context.Background()); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// forward moves feed commands onto the driver's queue
func forward(ctx context.Context, in <-chan foundation.Command, out chan<- foundation.Command) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-in:
			select {
			case out <- cmd:
			case <-ctx.Done():
				return
			}
		}
	}
}
