package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/viper"

	"github.com/fivegen/aquariuslocation/internal/app"
	"github.com/fivegen/aquariuslocation/internal/config"
	"github.com/fivegen/aquariuslocation/internal/logging"
	intOtel "github.com/fivegen/aquariuslocation/internal/otel"
)

// Version can be set at build time via ldflags.
var (
	Version   = "0.1.0"
	BuildDate = "unknown"
)

const usage = `usage: aquarius [-config dir] <command> [args]

commands:
  serve                 run the location host (default)
  status                print the session status
  start | stop | reset  control the session
  settings [k=v ...]    print the settings, or apply the given fields
  revisions             print the last applied settings snapshots
  history               print the stored fixes
  clear-history         delete every stored fix
  log                   print the event log
  export <dir>          write the history as a JSON export
  version               print the version
`

func main() {
	configDir := flag.String("config", ".", "directory containing "+config.FileName)
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	cmd := "serve"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "serve":
		err = serve(*configDir)
	case "version":
		fmt.Printf("aquarius %s (%s)\n", Version, BuildDate)
	default:
		if cfgErr := config.Load(*configDir); cfgErr != nil {
			fmt.Fprintf(os.Stderr, "warning: %v, using defaults\n", cfgErr)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = runClient(ctx, newClient(), cmd, args, os.Stdout)
		cancel()
	}

	if err != nil {
		if errors.Is(err, errUsage) {
			flag.Usage()
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func serve(configDir string) error {
	start := time.Now()

	labels := &app.Labels{}
	lm := logging.NewSlogManager()
	lm.Context = labels.Provider()
	lm.Setup(nil, "info", nil)
	logger := lm.Logger()

	if err := config.Load(configDir); err != nil {
		logger.Warn("Failed to load config, using defaults!", "error", err)
	} else {
		logger.Info("Loaded config")
	}
	level := viper.GetString("logLevel")

	logsDir := viper.GetString("logsDir")
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("create logs dir: %w", err)
	}
	logPath := logging.LogFilePath(logsDir, logging.ServiceName, start)
	logFile, err := os.OpenFile(logPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelProvider, err := intOtel.New(ctx, config.GetOTelConfig(), logFile)
	if err != nil {
		logger.Error("Failed to initialize OTel provider", "error", err)
		otelProvider, _ = intOtel.New(ctx, config.OTelConfig{}, nil)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(sctx)
	}()

	var sinks []io.Writer
	if gc := config.GetGraylogConfig(); gc.Enabled {
		gw, err := logging.NewGraylogWriter(gc.Address)
		if err != nil {
			logger.Warn("Graylog unavailable", "error", err)
		} else {
			defer gw.Close()
			sinks = append(sinks, gw)
		}
	}

	lm.Setup(io.MultiWriter(os.Stdout, logFile), level, otelProvider.LoggerProvider(), sinks...)
	logger = lm.Logger()
	logger.Info("Starting aquarius", "version", Version, "build", BuildDate, "log", logPath)

	a, err := app.Build(ctx, app.Options{
		Storage:     config.GetStorageConfig(),
		Acquisition: config.GetAcquisitionConfig(),
		Server:      config.GetServerConfig(),
		Influx:      config.GetInfluxConfig(),
		Redis:       config.GetRedisConfig(),
		Relay:       config.GetRelayConfig(),
		EventLog:    config.GetEventLogConfig(),
		Monitor:     config.GetMonitorConfig(),
		StatusFile:  filepath.Join(logsDir, "status.txt"),
		LogManager:  lm,
		ZeroLog:     logging.NewZerolog(logFile, level, "infra"),
	})
	if err != nil {
		logger.Error("Startup failed", "error", err)
		return err
	}
	labels.Bind(a.Coordinator)

	err = a.Run(ctx)
	logger.Info("Shut down", "uptime", time.Since(start).Round(time.Second))
	if ferr := lm.Flush(context.Background()); ferr != nil {
		fmt.Fprintln(os.Stderr, "flush logs:", ferr)
	}
	return err
}
