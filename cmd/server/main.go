package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	router "github.com/dkeye/meetsfu/internal/adapters/http"
	"github.com/dkeye/meetsfu/internal/adapters/rtc"
	"github.com/dkeye/meetsfu/internal/app"
	"github.com/dkeye/meetsfu/internal/app/orch"
	"github.com/dkeye/meetsfu/internal/config"
)

var (
	flagConfig string
	flagPort   int
)

var rootCmd = &cobra.Command{
	Use:   "meetsfu",
	Short: "SFU signaling server",
	Long: `meetsfu serves the websocket signaling API and forwards media
between the peers of each meeting.

Examples:
  meetsfu
  meetsfu --config config/config.prod.yaml
  SFU_MEDIA_RTC_MIN_PORT=40000 SFU_MEDIA_RTC_MAX_PORT=40100 meetsfu --port 9000`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	rootCmd.Flags().StringVarP(&flagConfig, "config", "c", "", "config file (default config/config.$CONFIG_ENV.yaml)")
	rootCmd.Flags().IntVarP(&flagPort, "port", "p", 0, "listen port, overrides the config")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("server failed")
		os.Exit(1)
	}
}

func setupLogging(cfg config.Log) {
	if cfg.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func run(ctx context.Context) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	if flagPort > 0 {
		cfg.Port = flagPort
	}
	setupLogging(cfg.Log)

	eng, err := rtc.New(rtc.Options{
		RtcMinPort:    cfg.Media.RtcMinPort,
		RtcMaxPort:    cfg.Media.RtcMaxPort,
		ListenIPs:     cfg.Media.ListenIPs,
		EnableUDP:     cfg.Media.EnableUDP,
		EnableTCP:     cfg.Media.EnableTCP,
		TCPPort:       cfg.Media.TCPPort,
		ICEServers:    cfg.Media.ICEServers,
		GatherTimeout: cfg.Media.GatherTimeout,
	})
	if err != nil {
		return fmt.Errorf("media engine: %w", err)
	}
	defer eng.Close()

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	rooms := app.NewRoomRegistry(eng, app.RoomOptions{
		EvictEmpty: cfg.Rooms.Eviction == config.EvictionEvictEmpty,
		EmptyGrace: cfg.Rooms.EmptyGrace,
	})
	defer rooms.Close()

	o := &orch.Orchestrator{
		Rooms:            rooms,
		Registry:         app.NewRegistry(),
		Ledger:           app.NewLedger(),
		Policy:           app.SimplePolicy{},
		Engine:           eng,
		Codecs:           cfg.Media.RouterCodecs(),
		TransportOptions: cfg.Media.TransportOptions(),
		OnFatal:          func(err error) { cancel(err) },
	}
	go o.Run(ctx)

	r := router.SetupRouter(ctx, cfg, o)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("meetsfu server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		cancel(err)
	}
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	log.Info().Msg("Server exited gracefully")
	return nil
}
