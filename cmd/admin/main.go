package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harrylevesque/fleetsync/internal/admin"
	"github.com/harrylevesque/fleetsync/internal/channel"
	"github.com/harrylevesque/fleetsync/internal/client"
	"github.com/harrylevesque/fleetsync/internal/config"
	"github.com/harrylevesque/fleetsync/internal/files"
	"github.com/harrylevesque/fleetsync/internal/models"
	"github.com/harrylevesque/fleetsync/internal/utils"
	"github.com/spf13/pflag"
	"golang.org/x/term"
)

// console renders the session as plain text.
type console struct {
	list bool
}

func (c console) RenderRoster(devices []models.Device, selected string) {
	if !c.list {
		return
	}
	for _, d := range devices {
		mark := " "
		if d.DeviceID == selected {
			mark = "*"
		}
		state := "registered"
		if d.Record != nil {
			state = "enrolled"
		}
		fmt.Printf("%s %-36s  %-10s  %s\n", mark, d.DeviceID, state, d.IP)
	}
}

func (console) ShowDevice(v admin.DeviceView) {
	fmt.Printf("device     %s\n", v.DeviceID)
	fmt.Printf("owner      %s\n", v.OwnerName)
	fmt.Printf("email      %s\n", v.Email)
	fmt.Printf("phone      %s\n", v.Phone)
	fmt.Printf("address    %s\n", v.Address)
	fmt.Printf("location   %s (%s)\n", v.Location, v.IP)
	fmt.Printf("permission %s\n", v.Permission)
	if v.Submitted != "" {
		fmt.Printf("submitted  %s\n", v.Submitted)
	}
}

func (console) ShowPlaceholder() { fmt.Println("no device selected") }
func (console) ClearMessages() {}

func (console) AppendMessage(m admin.MessageView) {
	fmt.Printf("[%s] %-10s %s\n", m.Time, m.Kind, m.Body)
}

func (console) Notify(text string) { fmt.Println(text) }

type prompt struct{ yes bool }

func (p prompt) Confirm(question string) bool {
	if p.yes {
		return true
	}
	fmt.Printf("%s [y/N] ", question)
	line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	return strings.EqualFold(strings.TrimSpace(line), "y")
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `fleetsync-admin: operator console.

Usage:
  fleetsync-admin [flags] login
  fleetsync-admin [flags] logout
  fleetsync-admin [flags] devices [--json]
  fleetsync-admin [flags] watch <device-id>
  fleetsync-admin [flags] request-permission|prompt-resubmit|delete-device <device-id> [--yes]

Flags:
`)
	flagSet.PrintDefaults()
}

func run() error {
	flagSet := pflag.NewFlagSet("fleetsync-admin", pflag.ContinueOnError)
	configPath := flagSet.String("config", "config.json", "path to the JSON config file")
	server := flagSet.String("server", "", "server base URL (overrides config)")
	asJSON := flagSet.Bool("json", false, "print the roster as JSON")
	yes := flagSet.BoolP("yes", "y", false, "do not ask before irreversible commands")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			printUsage(flagSet)
			return nil
		}
		return err
	}
	args := flagSet.Args()
	if len(args) == 0 {
		printUsage(flagSet)
		return errors.New("missing command")
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

	api := client.New(cfg.ServerURL, &http.Client{Timeout: 15 * time.Second})
	tokens := files.NewTokenStore(filepath.Join(utils.GetDataDir(cfg.DataDir, "admin"), "token"))
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var session *admin.Session
	conn := channel.New(channel.Options{
		URL: func() string {
			return api.WebsocketURL("/ws/admin") + "?token=" + url.QueryEscape(api.Token())
		},
		ReconnectDelay: cfg.ReconnectDelay.Std(),
		Handler:        func(data []byte) { session.HandleFrame(data) },
		OnUnauthorized: func() {
			session.Logout()
			cancel()
		},
		Dialer: &websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: 15 * time.Second},
		Log:    logger.Logger,
	})
	view := console{list: args[0] == "devices" && !*asJSON}
	session = admin.NewSession(api, tokens, conn, view, prompt{yes: *yes}, logger.Logger)

	if args[0] == "login" {
		fmt.Print("password: ")
		pw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		if err := session.Login(ctx, string(pw)); err != nil {
			return err
		}
		fmt.Println("logged in")
		return nil
	}
	if args[0] == "logout" {
		session.Logout()
		return nil
	}

	if ok, err := session.Restore(); err != nil {
		return err
	} else if !ok {
		return errors.New("not logged in; run fleetsync-admin login")
	}
	if err := session.LoadRoster(ctx); err != nil {
		return err
	}

	switch args[0] {
	case "devices":
		if *asJSON {
			return session.WriteRoster(os.Stdout)
		}
		return nil
	case "watch":
		if len(args) < 2 {
			return errors.New("watch needs a device id")
		}
		return watch(ctx, session, conn, args[1])
	}

	kind, err := admin.ParseCommand(args[0])
	if err != nil {
		printUsage(flagSet)
		return err
	}
	if len(args) < 2 {
		return fmt.Errorf("%s needs a device id", kind)
	}
	return session.IssueCommand(ctx, kind, args[1])
}

// watch selects id and streams its events until interrupted.
func watch(ctx context.Context, session *admin.Session, conn *channel.Conn, id string) error {
	go conn.Run(ctx)
	if err := session.SelectDevice(ctx, id); err != nil {
		return err
	}
	session.Run(ctx)
	if !session.Authenticated() {
		return errors.New("session expired; run fleetsync-admin login")
	}
	return nil
}
