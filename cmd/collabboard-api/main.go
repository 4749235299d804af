package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/FpSilSha/G4-CollabBoard-sub002/internal/auth"
	"github.com/FpSilSha/G4-CollabBoard-sub002/internal/board"
	"github.com/FpSilSha/G4-CollabBoard-sub002/internal/config"
	"github.com/FpSilSha/G4-CollabBoard-sub002/internal/database"
	"github.com/FpSilSha/G4-CollabBoard-sub002/internal/editlock"
	"github.com/FpSilSha/G4-CollabBoard-sub002/internal/logging"
	"github.com/FpSilSha/G4-CollabBoard-sub002/internal/presence"
	"github.com/FpSilSha/G4-CollabBoard-sub002/internal/server"
	"github.com/FpSilSha/G4-CollabBoard-sub002/internal/session"
	"github.com/FpSilSha/G4-CollabBoard-sub002/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "collabboard-api",
		Short: "CollabBoard realtime sync backend",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Int("object-capacity", defaults.GetInt("board.object_capacity"), "Maximum objects per board")
	cmd.PersistentFlags().Duration("flush-interval", defaults.GetDuration("flush.interval"), "Periodic flush interval")
	cmd.PersistentFlags().String("signing-secret", "", "Session token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "board.object_capacity", "object-capacity")
	bindFlag(cmd, "flush.interval", "flush-interval")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokenManager := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "collabboard-auth",
		Audience:      "collabboard-api",
	})

	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		return err
	}

	boardStore, err := board.NewStore(board.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}

	cache := board.NewCache()
	reconciler, err := board.NewReconciler(board.ReconcilerConfig{
		Cache:         cache,
		Store:         boardStore,
		FlushInterval: appConfig.FlushInterval,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	hub := server.NewHub()
	core, err := server.NewCore(server.CoreConfig{
		Cache:      cache,
		Store:      boardStore,
		Reconciler: reconciler,
		Presence:   presence.NewManager(appConfig.PresenceTTL, nil),
		Locks:      editlock.NewManager(appConfig.EditLockTTL, nil),
		Sessions:   session.NewRegistry(0, nil),
		Hub:        hub,
		Users:      userService,
		Capacity:   appConfig.ObjectCapacity,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager: tokenManager,
		Core:         core,
		BoardStore:   boardStore,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	flushCtx, stopFlush := context.WithCancel(context.Background())
	defer stopFlush()
	go reconciler.Run(flushCtx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		stopFlush()
		reconciler.FlushAll(shutdownCtx)
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
