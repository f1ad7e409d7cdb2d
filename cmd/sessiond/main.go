package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/kasuganosora/dbscope/pkg/config"
	"github.com/kasuganosora/dbscope/pkg/engine"
	"github.com/kasuganosora/dbscope/pkg/httpapi"
	"github.com/kasuganosora/dbscope/pkg/logging"
	"github.com/kasuganosora/dbscope/pkg/monitor"
	"github.com/kasuganosora/dbscope/pkg/reliability"
	"github.com/kasuganosora/dbscope/pkg/routing"
	"github.com/kasuganosora/dbscope/pkg/session"
	"golang.org/x/sync/errgroup"
)

const pingTimeout = 5 * time.Second

// 命令行参数，非空时覆盖配置文件
type options struct {
	Config      string `long:"config" short:"c" env:"DBSCOPE_CONFIG" description:"Path to a JSON or YAML config file"`
	Host        string `long:"host" description:"Listen host"`
	Port        int    `long:"port" description:"Listen port"`
	DatabaseURL string `long:"database-url" description:"Database URL for the writer and reader engines"`
	Migrate     bool   `long:"migrate" description:"Create the API tables before serving"`

	Log struct {
		Level  string `long:"level" env:"LEVEL" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Logging level"`
		Format string `long:"format" env:"FORMAT" choice:"json" choice:"text" choice:"color" description:"Logging output format"`
	} `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

func main() {
	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(2)
	}

	cfg, err := loadConfig(&opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewDefaultLogger(logging.ParseLevel(cfg.Log.Level))
	logger.SetFormat(cfg.Log.Format)

	if err := run(cfg, &opts, logger); err != nil {
		logger.Error("%s", cfg.Redact(err.Error()))
		os.Exit(1)
	}
}

func loadConfig(opts *options) (*config.Config, error) {
	var cfg *config.Config
	if opts.Config != "" {
		var err error
		if cfg, err = config.LoadConfig(opts.Config); err != nil {
			return nil, err
		}
	} else {
		cfg = config.LoadConfigOrDefault()
	}

	if opts.Host != "" {
		cfg.Server.Host = opts.Host
	}
	if opts.Port != 0 {
		cfg.Server.Port = opts.Port
	}
	if opts.DatabaseURL != "" {
		cfg.Database.URL = opts.DatabaseURL
	}
	if opts.Log.Level != "" {
		cfg.Log.Level = opts.Log.Level
	}
	if opts.Log.Format != "" {
		cfg.Log.Format = opts.Log.Format
	}

	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("database url is required (--database-url, SQL_URI or database.url)")
	}
	return cfg, nil
}

func run(cfg *config.Config, opts *options, logger *logging.DefaultLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("connecting to %s", cfg.Redact(cfg.Database.URL))
	var pair *engine.Pair
	policy := reliability.DefaultRetryPolicy()
	policy.MaxRetries = cfg.Database.ConnectRetries
	if cfg.Database.ConnectRetryInterval > 0 {
		policy.RetryInterval = cfg.Database.ConnectRetryInterval
	}
	err := reliability.Retry(ctx, policy, logger.WithField("component", "engine"), func(ctx context.Context) error {
		var err error
		pair, err = engine.OpenPair(ctx, cfg.Database.URL, engine.Options{
			Recycle:      cfg.Database.PoolRecycle,
			MaxOpenConns: cfg.Database.MaxOpenConns,
			MaxIdleConns: cfg.Database.MaxIdleConns,
			Echo:         cfg.Database.Echo,
			PingTimeout:  pingTimeout,
		})
		return err
	})
	if err != nil {
		return err
	}
	defer pair.Close()

	sessOpts := &session.Options{
		AutoFlush:  cfg.Session.AutoFlush,
		Classifier: routing.NewClassifier(cfg.Session.ClassifierCacheSize),
		Logger:     logger.WithField("component", "session"),
	}
	var serverOpts []httpapi.ServerOption
	if cfg.Session.SlowThreshold > 0 {
		slowLog := monitor.NewSlowStatementLog(cfg.Session.SlowThreshold, cfg.Session.SlowLogSize)
		sessOpts.Observer = slowLog.Observe
		serverOpts = append(serverOpts, httpapi.WithSlowLog(slowLog))
		logger.Info("recording statements slower than %v", cfg.Session.SlowThreshold)
	}
	reg := session.NewRegistry(pair, sessOpts)

	srv, err := httpapi.NewServer(cfg, reg, logger.WithField("component", "http"), serverOpts...)
	if err != nil {
		return err
	}
	if opts.Migrate {
		if err := srv.Migrate(ctx); err != nil {
			return err
		}
		logger.Info("migrations applied")
	}

	if cfg.Auth.Bearer == "" {
		logger.Warn("no bearer token configured, the notes and debug APIs reject every request")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown: %v", err)
		}
		return reg.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
