package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/oklog/run"
	"github.com/sirupsen/logrus"
	"k8s.io/client-go/util/homedir"

	"github.com/ovictorfarias/pegasus/internal/auth"
	"github.com/ovictorfarias/pegasus/internal/channel"
	"github.com/ovictorfarias/pegasus/internal/config"
	"github.com/ovictorfarias/pegasus/internal/kernel/docker"
	"github.com/ovictorfarias/pegasus/internal/log"
	loglogrus "github.com/ovictorfarias/pegasus/internal/log/logrus"
	"github.com/ovictorfarias/pegasus/internal/model"
	"github.com/ovictorfarias/pegasus/internal/server"
	"github.com/ovictorfarias/pegasus/internal/session"
	"github.com/ovictorfarias/pegasus/internal/storage"
	"github.com/ovictorfarias/pegasus/internal/storage/memory"
	"github.com/ovictorfarias/pegasus/internal/storage/sqlite"
	"github.com/ovictorfarias/pegasus/internal/workspace"
)

const (
	// Version is the application version (set via ldflags).
	Version = "dev"

	// LoggerTypeDefault is the logger default type.
	LoggerTypeDefault = "default"
	// LoggerTypeJSON is the logger json type.
	LoggerTypeJSON = "json"

	// StorageSQLite persists kernel records in SQLite.
	StorageSQLite = "sqlite"
	// StorageMemory keeps kernel records in memory.
	StorageMemory = "memory"
)

// Flag defaults, also the baseline the YAML configuration merges against.
const (
	defListenAddress     = ":8080"
	defKernelImage       = "python:3.11-slim"
	defMountPath         = "/data"
	defWorkingDir        = "/data/Uploads"
	defMemoryLimitBytes  = 256 << 20
	defCPUShares         = 512
	defTokenTTL          = 12 * time.Hour
	defTelemetryInterval = 2 * time.Second
)

var (
	defDataDir       = filepath.Join(homedir.HomeDir(), ".pegasus")
	defWorkspacePath = filepath.Join(defDataDir, "workspace")
	defDBPath        = filepath.Join(defDataDir, "pegasus.db")
)

// CmdConfig is the command line configuration.
type CmdConfig struct {
	ConfigFile    string
	ListenAddress string
	WorkspacePath string
	DBPath        string
	Storage       string

	KernelImage          string
	KernelMountPath      string
	KernelWorkingDir     string
	KernelMemoryLimit    int64
	KernelCPUShares      int64
	Accelerated          bool
	CapabilityGapPattern string

	Username  string
	Password  string
	JWTSecret string
	TokenTTL  time.Duration

	TelemetryInterval time.Duration

	Debug      bool
	NoColor    bool
	LoggerType string
}

// NewCmdConfig registers the flags and parses the arguments.
func NewCmdConfig(app *kingpin.Application, args []string) (*CmdConfig, error) {
	c := &CmdConfig{}

	app.Flag("config", "Path to an optional YAML configuration file. Flags override it.").StringVar(&c.ConfigFile)
	app.Flag("listen-address", "Address the HTTP server listens on.").Default(defListenAddress).StringVar(&c.ListenAddress)
	app.Flag("workspace-path", "Host directory mounted into the kernels.").Default(defWorkspacePath).StringVar(&c.WorkspacePath)
	app.Flag("db-path", "Path to the SQLite database file.").Default(defDBPath).StringVar(&c.DBPath)
	app.Flag("storage", "Kernel record storage backend.").Default(StorageSQLite).EnumVar(&c.Storage, StorageSQLite, StorageMemory)

	app.Flag("kernel-image", "Container image the kernels run.").Default(defKernelImage).StringVar(&c.KernelImage)
	app.Flag("kernel-mount-path", "Workspace mount path inside the kernels.").Default(defMountPath).StringVar(&c.KernelMountPath)
	app.Flag("kernel-working-dir", "Working directory of executions inside the kernels.").Default(defWorkingDir).StringVar(&c.KernelWorkingDir)
	app.Flag("kernel-memory-limit", "Kernel memory ceiling in bytes.").Default(fmt.Sprintf("%d", defMemoryLimitBytes)).Int64Var(&c.KernelMemoryLimit)
	app.Flag("kernel-cpu-shares", "Kernel CPU shares.").Default(fmt.Sprintf("%d", defCPUShares)).Int64Var(&c.KernelCPUShares)
	app.Flag("accelerated", "Request the accelerated device capability, falling back to baseline when unavailable.").BoolVar(&c.Accelerated)
	app.Flag("capability-gap-pattern", "Failure detail substring that identifies the accelerated capability gap.").StringVar(&c.CapabilityGapPattern)

	app.Flag("username", "Username of the workspace user.").StringVar(&c.Username)
	app.Flag("password", "Password of the workspace user.").StringVar(&c.Password)
	app.Flag("jwt-secret", "Secret signing the issued tokens.").StringVar(&c.JWTSecret)
	app.Flag("token-ttl", "Lifetime of the issued tokens.").Default(defTokenTTL.String()).DurationVar(&c.TokenTTL)

	app.Flag("telemetry-interval", "Period of the live resource telemetry.").Default(defTelemetryInterval.String()).DurationVar(&c.TelemetryInterval)

	app.Flag("debug", "Enable debug mode.").BoolVar(&c.Debug)
	app.Flag("no-color", "Disable logger color.").BoolVar(&c.NoColor)
	app.Flag("logger", "Selects the logger type.").Default(LoggerTypeDefault).EnumVar(&c.LoggerType, LoggerTypeDefault, LoggerTypeJSON)

	if _, err := app.Parse(args[1:]); err != nil {
		return nil, fmt.Errorf("invalid command configuration: %w", err)
	}

	if c.ConfigFile != "" {
		fileCfg, err := config.LoadFile(c.ConfigFile)
		if err != nil {
			return nil, err
		}
		c.merge(fileCfg)
	}

	if c.Username == "" || c.Password == "" || c.JWTSecret == "" {
		return nil, fmt.Errorf("username, password and JWT secret are required (flags, environment or configuration file)")
	}

	return c, nil
}

// merge fills from the YAML configuration everything the flags left at their
// defaults.
func (c *CmdConfig) merge(f *config.Config) {
	c.ListenAddress = pickString(c.ListenAddress, f.ListenAddress, defListenAddress)
	c.WorkspacePath = pickString(c.WorkspacePath, f.WorkspacePath, defWorkspacePath)
	c.DBPath = pickString(c.DBPath, f.DBPath, defDBPath)
	c.Storage = pickString(c.Storage, f.Storage, StorageSQLite)
	c.TelemetryInterval = pickDuration(c.TelemetryInterval, f.TelemetryInterval, defTelemetryInterval)

	c.KernelImage = pickString(c.KernelImage, f.Kernel.Image, defKernelImage)
	c.KernelMountPath = pickString(c.KernelMountPath, f.Kernel.MountPath, defMountPath)
	c.KernelWorkingDir = pickString(c.KernelWorkingDir, f.Kernel.WorkingDir, defWorkingDir)
	c.KernelMemoryLimit = pickInt64(c.KernelMemoryLimit, f.Kernel.MemoryLimitBytes, defMemoryLimitBytes)
	c.KernelCPUShares = pickInt64(c.KernelCPUShares, f.Kernel.CPUShares, defCPUShares)
	c.Accelerated = c.Accelerated || f.Kernel.Accelerated
	c.CapabilityGapPattern = pickString(c.CapabilityGapPattern, f.Kernel.CapabilityGapPattern, "")

	c.Username = pickString(c.Username, f.Auth.Username, "")
	c.Password = pickString(c.Password, f.Auth.Password, "")
	c.JWTSecret = pickString(c.JWTSecret, f.Auth.JWTSecret, "")
	c.TokenTTL = pickDuration(c.TokenTTL, f.Auth.TokenTTL, defTokenTTL)
}

func pickString(flagVal, fileVal, def string) string {
	if flagVal != def {
		return flagVal
	}
	if fileVal != "" {
		return fileVal
	}
	return def
}

func pickInt64(flagVal, fileVal, def int64) int64 {
	if flagVal != def {
		return flagVal
	}
	if fileVal != 0 {
		return fileVal
	}
	return def
}

func pickDuration(flagVal, fileVal, def time.Duration) time.Duration {
	if flagVal != def {
		return flagVal
	}
	if fileVal != 0 {
		return fileVal
	}
	return def
}

// Run runs the main application.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	app := kingpin.New("pegasus", "Self-hosted code execution workspace server.")
	app.DefaultEnvars()

	cmdCfg, err := NewCmdConfig(app, args)
	if err != nil {
		return err
	}

	logger := getLogger(cmdCfg, stderr)

	// Kernel engine.
	engine, err := docker.NewEngine(docker.EngineConfig{
		CapabilityGapPattern: cmdCfg.CapabilityGapPattern,
		Logger:               logger,
	})
	if err != nil {
		return fmt.Errorf("could not create kernel engine: %w", err)
	}

	// Kernel record storage.
	var repo storage.Repository
	switch cmdCfg.Storage {
	case StorageMemory:
		repo, err = memory.NewRepository(memory.RepositoryConfig{Logger: logger})
	default:
		if err := os.MkdirAll(filepath.Dir(cmdCfg.DBPath), 0o755); err != nil {
			return fmt.Errorf("could not create data directory: %w", err)
		}
		repo, err = sqlite.NewRepository(ctx, sqlite.RepositoryConfig{
			DBPath: cmdCfg.DBPath,
			Logger: logger,
		})
	}
	if err != nil {
		return fmt.Errorf("could not create storage repository: %w", err)
	}

	// Workspace files.
	workspaceSvc, err := workspace.NewService(workspace.ServiceConfig{
		RootPath: cmdCfg.WorkspacePath,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("could not create workspace service: %w", err)
	}

	// Session registry.
	registry, err := session.NewRegistry(session.RegistryConfig{
		Engine:     engine,
		Repository: repo,
		KernelConfig: model.KernelConfig{
			Image:             cmdCfg.KernelImage,
			HostWorkspacePath: cmdCfg.WorkspacePath,
			MountPath:         cmdCfg.KernelMountPath,
			WorkingDir:        cmdCfg.KernelWorkingDir,
			MemoryLimitBytes:  cmdCfg.KernelMemoryLimit,
			CPUShares:         cmdCfg.KernelCPUShares,
			Accelerated:       cmdCfg.Accelerated,
		},
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("could not create session registry: %w", err)
	}

	// Auth.
	authSvc, err := auth.NewService(auth.ServiceConfig{
		Username:  cmdCfg.Username,
		Password:  cmdCfg.Password,
		JWTSecret: cmdCfg.JWTSecret,
		TokenTTL:  cmdCfg.TokenTTL,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("could not create auth service: %w", err)
	}

	// Execution channel.
	coordinator, err := channel.NewCoordinator(channel.CoordinatorConfig{
		Verifier:          authSvc,
		Registry:          registry,
		Engine:            engine,
		TelemetryInterval: cmdCfg.TelemetryInterval,
		Logger:            logger,
	})
	if err != nil {
		return fmt.Errorf("could not create channel coordinator: %w", err)
	}

	// HTTP API.
	apiServer, err := server.New(server.Config{
		Auth:        authSvc,
		Workspace:   workspaceSvc,
		Coordinator: coordinator,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("could not create API server: %w", err)
	}

	httpServer := &http.Server{
		Addr:    cmdCfg.ListenAddress,
		Handler: apiServer.Handler(),
	}

	var g run.Group

	// OS signals.
	{
		signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
		defer signalCancel()

		g.Add(
			func() error {
				<-signalCtx.Done()
				logger.Debugf("Termination signal received")
				return nil
			},
			func(_ error) {
				signalCancel()
			},
		)
	}

	// HTTP server, draining the live kernels on shutdown.
	{
		g.Add(
			func() error {
				logger.Infof("Listening on %s", cmdCfg.ListenAddress)
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					return fmt.Errorf("HTTP server failed: %w", err)
				}
				return nil
			},
			func(_ error) {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()

				if err := httpServer.Shutdown(shutdownCtx); err != nil {
					logger.Errorf("Could not shut down HTTP server: %v", err)
				}
				if err := registry.Shutdown(shutdownCtx); err != nil {
					logger.Errorf("Could not drain kernels: %v", err)
				}
			},
		)
	}

	return g.Run()
}

// getLogger returns the application logger.
func getLogger(cfg *CmdConfig, stderr io.Writer) log.Logger {
	logrusLog := logrus.New()
	logrusLog.Out = stderr
	logrusLogEntry := logrus.NewEntry(logrusLog)

	if cfg.Debug {
		logrusLogEntry.Logger.SetLevel(logrus.DebugLevel)
	}

	switch cfg.LoggerType {
	case LoggerTypeJSON:
		logrusLogEntry.Logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		logrusLogEntry.Logger.SetFormatter(&logrus.TextFormatter{
			ForceColors:   !cfg.NoColor,
			DisableColors: cfg.NoColor,
		})
	}

	logger := loglogrus.NewLogrus(logrusLogEntry).WithValues(log.Kv{
		"version": Version,
	})

	logger.Debugf("Debug level is enabled")

	return logger
}

func main() {
	ctx := context.Background()
	err := Run(ctx, os.Args, os.Stdout, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
