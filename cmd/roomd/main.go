package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/assistant-chat/realtime/internal/auth"
	"github.com/assistant-chat/realtime/internal/config"
	"github.com/assistant-chat/realtime/internal/logger"
	"github.com/assistant-chat/realtime/internal/metrics"
	"github.com/assistant-chat/realtime/internal/mock"
	"github.com/assistant-chat/realtime/internal/monitor"
	"github.com/assistant-chat/realtime/internal/ws"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// version is set with -ldflags "-X main.version=...".
var version = "dev"

var (
	configPath string
	port       int
	mockCount  int
	mockRoom   string
	tokenName  string

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of roomd",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "roomd version %s\n", version)
		},
	}

	tokenCmd = &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue a JWT signed with the configured auth.jwt settings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := issueToken(args[0], tokenName)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}

	rootCmd = &cobra.Command{
		Use:          "roomd",
		Short:        "Real-time room server",
		Long:         `roomd relays typing, presence and chat envelopes between the WebSocket sessions of each room.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to configuration file")
	rootCmd.Flags().IntVar(&port, "port", 0, "override server port")
	rootCmd.Flags().IntVar(&mockCount, "mock", 0, "number of simulated participants to run")
	rootCmd.Flags().StringVar(&mockRoom, "mock-room", "lobby", "room the simulated participants join")
	tokenCmd.Flags().StringVar(&tokenName, "name", "", "display name claim")
	rootCmd.AddCommand(versionCmd, tokenCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if port > 0 {
		cfg.Server.Port = port
	}
	return cfg, nil
}

func issueToken(userID, name string) (string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	svc, err := auth.NewJWTService(cfg.Auth.JWT)
	if err != nil {
		return "", fmt.Errorf("jwt: %w", err)
	}
	return svc.GenerateToken(userID, name)
}

// mockURL is the room endpoint simulated participants dial.
func mockURL(cfg *config.Config, room string) string {
	host := cfg.Server.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("ws://%s/rooms/%s/ws", net.JoinHostPort(host, strconv.Itoa(cfg.Server.Port)), room)
}

func run(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	gate, err := auth.NewGate(ctx, cfg.Auth)
	if err != nil {
		log.Error("Failed to build admission gate", zap.String("type", cfg.Auth.Type), zap.Error(err))
		return err
	}
	if c, ok := gate.(io.Closer); ok {
		defer c.Close()
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(cfg.Metrics)
	}

	health, err := monitor.NewHealth(2 * time.Second)
	if err != nil {
		log.Warn("Process health unavailable", zap.Error(err))
	}

	server := ws.NewServer(cfg, gate, log, m, health)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("Starting roomd",
		zap.String("version", version),
		zap.String("auth", cfg.Auth.Type),
		zap.Int("port", cfg.Server.Port))

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe(ctx) }()

	if mockCount > 0 {
		gen := mock.NewGenerator(mock.Config{
			URL:   mockURL(cfg, mockRoom),
			Count: mockCount,
			Token: cfg.Client.Token,
		}, log)
		// Give the listener a moment before the bots dial; their managers
		// retry if it is not up yet.
		time.Sleep(200 * time.Millisecond)
		if err := gen.Start(ctx); err != nil {
			log.Error("Failed to start mock participants", zap.Error(err))
		} else {
			gen.LogStarted()
			defer gen.Wait()
		}
	}

	err = <-errCh
	stop()
	if err != nil {
		log.Error("Server error", zap.Error(err))
		return err
	}
	log.Info("Server stopped")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
