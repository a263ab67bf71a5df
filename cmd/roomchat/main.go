package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/assistant-chat/realtime/internal/app"
	"github.com/assistant-chat/realtime/internal/client"
	"github.com/assistant-chat/realtime/internal/config"
	"github.com/assistant-chat/realtime/internal/logger"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string
	serverURL  string
	room       string
	token      string
	user       string
	logFile    string

	rootCmd = &cobra.Command{
		Use:          "roomchat",
		Short:        "Terminal client for a realtime room",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}
)

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to configuration file")
	rootCmd.Flags().StringVar(&serverURL, "url", "", "server base URL, e.g. ws://127.0.0.1:8080")
	rootCmd.Flags().StringVar(&room, "room", "", "room to join")
	rootCmd.Flags().StringVar(&token, "token", "", "auth token, if the server requires one")
	rootCmd.Flags().StringVar(&user, "user", "", "display name when the server admits anonymous users")
	rootCmd.Flags().StringVar(&logFile, "log-file", "roomchat.log", "where connection logs go while the TUI owns the terminal")
}

// roomURL joins the server base URL and the room endpoint path.
func roomURL(base, room, user string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("url scheme must be ws or wss, got %q", u.Scheme)
	}
	if room == "" {
		return "", fmt.Errorf("room is required")
	}
	u.Path = u.Path + "/rooms/" + url.PathEscape(room) + "/ws"
	if user != "" {
		q := u.Query()
		q.Set("user", user)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// resolve fills unset flags from the client section of cfg.
func resolve(cfg *config.Config) {
	if serverURL == "" {
		serverURL = cfg.Client.URL
	}
	if room == "" {
		room = cfg.Client.Room
	}
	if token == "" {
		token = cfg.Client.Token
	}
}

func run(ctx context.Context) error {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	resolve(cfg)

	endpoint, err := roomURL(serverURL, room, user)
	if err != nil {
		return err
	}

	logCfg := cfg.Logger
	logCfg.Output = "file"
	logCfg.FilePath = logFile
	log, err := logger.New(logCfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	bridge := app.NewBridge()
	opts := client.Options{
		URL:                  endpoint,
		Token:                token,
		HeartbeatInterval:    cfg.Client.HeartbeatInterval,
		ReconnectInterval:    cfg.Client.ReconnectInterval,
		MaxReconnectAttempts: cfg.Client.MaxReconnectAttempts,
		Logger:               log,
	}
	bridge.Attach(&opts)

	mgr, err := client.New(opts)
	if err != nil {
		return err
	}

	log.Info("Starting roomchat", zap.String("room", room), zap.String("url", serverURL))

	model := app.New(mgr, bridge, app.Config{
		Room:                 room,
		MaxReconnectAttempts: cfg.Client.MaxReconnectAttempts,
		TypingTTL:            cfg.Client.TypingTTL,
	})
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	_, err = p.Run()

	mgr.Disconnect()
	bridge.Close()
	return err
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
