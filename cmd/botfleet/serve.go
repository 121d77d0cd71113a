package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/keepmind9/botfleet/internal/core"
	"github.com/keepmind9/botfleet/internal/logger"
	"github.com/keepmind9/botfleet/internal/scheduler"
	"github.com/keepmind9/botfleet/internal/store"
	"github.com/keepmind9/botfleet/internal/webhook"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configFile string

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the bot fleet",
		Long:  "Start the webhook server, compile plugins, start every active bot and run the scheduled message dispatcher",
		Run: func(cmd *cobra.Command, args []string) {
			// A missing .env file is fine
			_ = godotenv.Load()

			config, err := core.LoadConfig(configFile)
			if err != nil {
				log.Fatalf("Failed to load config: %v", err)
			}

			if validateOnly, _ := cmd.Flags().GetBool("validate"); validateOnly {
				fmt.Printf("✓ Configuration is valid: %s\n", configFile)
				return
			}

			fmt.Printf("Starting botfleet with config: %s\n", configFile)
			fmt.Printf("Webhook listen: %s%s\n", config.Webhook.Listen, config.Webhook.Path)
			fmt.Printf("Database driver: %s\n", config.Database.Driver)
			fmt.Printf("Seed bots: %d\n", len(config.Bots))

			if err := initLogger(config); err != nil {
				log.Fatalf("Failed to initialize logger: %v", err)
			}

			logger.WithFields(logrus.Fields{
				"config_file": configFile,
				"log_level":   config.Logging.Level,
				"log_file":    config.Logging.File,
			}).Info("logger-initialized")

			repo, closeRepo, err := openRepository(config)
			if err != nil {
				log.Fatalf("Failed to open repository: %v", err)
			}
			defer closeRepo()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			opts := core.Options{Repository: repo}
			if config.Scheduler.RedisURL != "" {
				locker, err := scheduler.DialRedisLocker(ctx, config.Scheduler.RedisURL)
				if err != nil {
					log.Fatalf("Failed to connect to redis: %v", err)
				}
				opts.Locker = locker
			}

			server := webhook.New(webhook.Config{
				Listen: config.Webhook.Listen,
				Path:   config.Webhook.Path,
			})
			opts.Binder = server
			if err := server.Start(); err != nil {
				log.Fatalf("Failed to start webhook server: %v", err)
			}

			engine := core.NewEngine(config, opts)

			fmt.Println("\nbotfleet engine starting...")
			fmt.Println("Press Ctrl+C to stop")

			if err := engine.Run(ctx); err != nil {
				logger.WithField("error", err).Error("engine-failed")
			}

			if err := server.Shutdown(context.Background()); err != nil {
				logger.WithField("error", err).Warn("webhook-shutdown-failed")
			}

			log.Println("botfleet stopped")
		},
	}
)

// initLogger configures the global logger from config
func initLogger(config *core.Config) error {
	return logger.InitLogger(logger.Config{
		Level:        config.Logging.Level,
		File:         config.Logging.File,
		MaxSize:      config.Logging.MaxSize,
		MaxBackups:   config.Logging.MaxBackups,
		MaxAge:       config.Logging.MaxAge,
		Compress:     config.Logging.Compress,
		EnableStdout: config.Logging.EnableStdout,
	})
}

// openRepository opens the configured repository and returns its closer
func openRepository(config *core.Config) (store.Repository, func(), error) {
	switch config.Database.Driver {
	case core.DriverPostgres:
		repo, err := store.OpenPostgres(config.Database.DSN, config.Database.Debug)
		if err != nil {
			return nil, nil, err
		}
		return repo, func() {
			if err := repo.Close(); err != nil {
				logger.WithField("error", err).Warn("failed-to-close-database")
			}
		}, nil
	default:
		return store.NewMemoryRepository(), func() {}, nil
	}
}

func init() {
	serveCmd.Flags().StringVarP(&configFile, "config", "c", "config.yaml", "Configuration file path")
	serveCmd.Flags().Bool("validate", false, "Validate configuration and exit")
}
