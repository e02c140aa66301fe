package flags

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/mzekb/mze-storage/api"
	"github.com/mzekb/mze-storage/common"
	"github.com/mzekb/mze-storage/config"
	"github.com/urfave/cli/v2"
)

// SetupLogger builds the process logger from the log section of cfg,
// letting explicitly set flags win.
func SetupLogger(cCtx *cli.Context, cfg config.LogConfig) (log *slog.Logger) {
	if cCtx.IsSet(LogJsonFlag.Name) {
		cfg.JSON = cCtx.Bool(LogJsonFlag.Name)
	}
	if cCtx.IsSet(LogDebugFlag.Name) {
		cfg.Debug = cCtx.Bool(LogDebugFlag.Name)
	}
	if cCtx.IsSet(LogUidFlag.Name) {
		cfg.UID = cCtx.Bool(LogUidFlag.Name)
	}
	if cCtx.IsSet(LogServiceFlag.Name) {
		cfg.Service = cCtx.String(LogServiceFlag.Name)
	}

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   cfg.Debug,
		JSON:    cfg.JSON,
		Service: cfg.Service,
		Version: common.Version,
	})

	if cfg.UID {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

// LoadConfig reads the --config file, or returns the defaults when none is
// given.
func LoadConfig(cCtx *cli.Context) (config.Config, error) {
	path := cCtx.String(ConfigFlag.Name)
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// ApplyServerFlags copies explicitly set server flags over cfg.
func ApplyServerFlags(cCtx *cli.Context, cfg *config.ServerConfig) {
	if cCtx.IsSet(ListenAddrFlag.Name) {
		cfg.ListenAddr = cCtx.String(ListenAddrFlag.Name)
	}
	if cCtx.IsSet(MetricsAddrFlag.Name) {
		cfg.MetricsAddr = cCtx.String(MetricsAddrFlag.Name)
	}
	if cCtx.IsSet(PprofFlag.Name) {
		cfg.Pprof = cCtx.Bool(PprofFlag.Name)
	}
	if cCtx.IsSet(DrainSecondsFlag.Name) {
		cfg.DrainDuration = time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second
	}
}

func ConfigureServer(cfg config.ServerConfig, logger *slog.Logger) *api.HTTPServerConfig {
	return &api.HTTPServerConfig{
		ListenAddr:               cfg.ListenAddr,
		MetricsAddr:              cfg.MetricsAddr,
		Log:                      logger,
		EnablePprof:              cfg.Pprof,
		DrainDuration:            cfg.DrainDuration,
		GracefulShutdownDuration: cfg.ShutdownTimeout,
		ReadTimeout:              cfg.ReadTimeout,
		WriteTimeout:             cfg.WriteTimeout,
		RequestTimeout:           cfg.RequestTimeout,
	}
}

var ConfigFlag = &cli.StringFlag{
	Name:    "config",
	Aliases: []string{"c"},
	EnvVars: []string{"MZE_STORAGE_CONFIG"},
	Usage:   "path to the YAML configuration file",
}

var ListenAddrFlag = &cli.StringFlag{
	Name:  "listen-addr",
	Value: "127.0.0.1:8080",
	Usage: "address to listen on for API",
}

var LogJsonFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}
var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}
var LogServiceFlag = &cli.StringFlag{
	Name:  "log-service",
	Value: "mze-storage",
	Usage: "add 'service' tag to logs",
}

var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 45,
	Usage: "seconds to wait in drain HTTP request",
}
var MetricsAddrFlag = &cli.StringFlag{
	Name:  "metrics-addr",
	Value: "127.0.0.1:8090",
	Usage: "address to listen on for Prometheus metrics",
}

var LogFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
	LogServiceFlag,
}

var CommonFlags = append([]cli.Flag{
	ConfigFlag,
	ListenAddrFlag,
	PprofFlag,
	DrainSecondsFlag,
	MetricsAddrFlag,
}, LogFlags...)
