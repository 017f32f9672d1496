package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harrylevesque/fleetsync/internal/agent"
	"github.com/harrylevesque/fleetsync/internal/channel"
	"github.com/harrylevesque/fleetsync/internal/client"
	"github.com/harrylevesque/fleetsync/internal/config"
	"github.com/harrylevesque/fleetsync/internal/files"
	"github.com/harrylevesque/fleetsync/internal/models"
	"github.com/harrylevesque/fleetsync/internal/utils"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

const deviceIDKey = "device/id"

// consoleHost is a Host driven from the terminal. The permission value is
// unknown until the operator types grant or deny.
type consoleHost struct {
	mu      sync.Mutex
	granted bool
	known   bool
}

func (h *consoleHost) Permission() (bool, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.granted, h.known
}

func (h *consoleHost) set(granted bool) {
	h.mu.Lock()
	h.granted, h.known = granted, true
	h.mu.Unlock()
}

func (h *consoleHost) RequestPermission() {
	fmt.Println("[permission] the operator asks for event-log access; type grant or deny")
}

func (h *consoleHost) Notify(title, text string) {
	fmt.Printf("[notice] %s: %s\n", title, text)
}

func (h *consoleHost) SetSubmissionEnabled(enabled bool, label string) {
	state := "disabled"
	if enabled {
		state = "enabled"
	}
	fmt.Printf("[form] submission %s (%s)\n", state, label)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flagSet := pflag.NewFlagSet("fleetsync-agent", pflag.ContinueOnError)
	configPath := flagSet.String("config", "config.json", "path to the JSON config file")
	server := flagSet.String("server", "", "server base URL (overrides config)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *server != "" {
		cfg.ServerURL = strings.TrimRight(*server, "/")
	}
	logger, err := utils.NewLogger(cfg.LogFile, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Close()
	log := logger.Component("agent-main")

	local, err := files.OpenLocalStore(filepath.Join(utils.GetDataDir(cfg.DataDir, "agent"), "state.json"))
	if err != nil {
		return err
	}
	deviceID, ok := local.Get(deviceIDKey)
	if !ok {
		deviceID = utils.NewDeviceID()
		if err := local.Set(deviceIDKey, deviceID); err != nil {
			return fmt.Errorf("persist device id: %w", err)
		}
	}
	log.Info().Str("device", deviceID).Str("server", cfg.ServerURL).Msg("starting agent")

	api := client.New(cfg.ServerURL, &http.Client{Timeout: 15 * time.Second})
	host := &consoleHost{}
	var a *agent.Agent
	conn := channel.New(channel.Options{
		URL:            func() string { return api.WebsocketURL("/ws/client") },
		ReconnectDelay: cfg.ReconnectDelay.Std(),
		Handler:        func(data []byte) { a.HandleFrame(data) },
		Dialer:         &websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: 15 * time.Second},
		Log:            logger.Logger,
	})
	a = agent.New(deviceID, api, host, conn, local, agent.Timing{
		PermissionInitialDelay: cfg.PermissionInitialDelay.Std(),
		PermissionPeriod:       cfg.PermissionPeriod.Std(),
		PollPeriod:             cfg.PollPeriod.Std(),
		PollJitter:             cfg.PollJitter.Std(),
	}, logger.Logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()
	go readCommands(ctx, a, api, host, log)

	<-done
	return nil
}

// readCommands runs the terminal protocol:
//
//	submit {"ownerName":...,"address":...}
//	event <kind> <body>
//	grant | deny
func readCommands(ctx context.Context, a *agent.Agent, api *client.Client, host *consoleHost, log zerolog.Logger) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		cmd, rest, _ := strings.Cut(line, " ")
		switch cmd {
		case "":
		case "grant":
			host.set(true)
		case "deny":
			host.set(false)
		case "submit":
			var rec models.Record
			if err := json.Unmarshal([]byte(rest), &rec); err != nil {
				fmt.Println("invalid record JSON:", err)
				continue
			}
			if err := a.Submit(ctx, rec); err != nil {
				fmt.Println("submit failed:", err)
			}
		case "event":
			kind, body, _ := strings.Cut(rest, " ")
			msg := models.Message{
				DeviceID:  a.ID(),
				Kind:      kind,
				Body:      body,
				Timestamp: strconv.FormatInt(time.Now().UnixMilli(), 10),
			}
			if err := api.PostMessage(ctx, msg); err != nil {
				log.Warn().Err(err).Msg("post event failed")
			}
		default:
			fmt.Println("commands: submit <json> | event <kind> <body> | grant | deny")
		}
	}
}
