// cmd/watch.go
package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print danmaku from a running hub",
	Long: `Connects to a hub like an audience member and prints danmaku and
program changes as they arrive. With --admin it logs in on the admin endpoint
instead and shows every submission before moderation.

Examples:
  chagpt watch --server http://localhost:8080
  chagpt watch --server https://danmaku.example.com --admin`,
	RunE: func(cmd *cobra.Command, args []string) error {
		server, _ := cmd.Flags().GetString("server")
		asAdmin, _ := cmd.Flags().GetBool("admin")
		colorMode, _ := cmd.Flags().GetString("color")

		path := "/chagpt"
		if asAdmin {
			path = "/chagpt-admin"
		}
		wsURL, err := websocketURL(server, path)
		if err != nil {
			return err
		}

		var secret string
		if asAdmin {
			secret = os.Getenv("ADMIN_SECRET")
			if secret == "" {
				if secret, err = promptPassword("Admin secret: "); err != nil {
					return fmt.Errorf("failed to read secret: %w", err)
				}
			}
		}

		color, err := useColor(colorMode)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return watch(ctx, wsURL, secret, &watcher{out: os.Stdout, color: color})
	},
}

// stdinReader is reused for non-terminal input to avoid losing buffered data
var stdinReader *bufio.Reader

func promptPassword(prompt string) (string, error) {
	fmt.Print(prompt)

	if term.IsTerminal(int(os.Stdin.Fd())) {
		password, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return "", err
		}
		return string(password), nil
	}

	if stdinReader == nil {
		stdinReader = bufio.NewReader(os.Stdin)
	}
	password, err := stdinReader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(password), nil
}

func useColor(mode string) (bool, error) {
	switch mode {
	case "auto":
		return term.IsTerminal(int(os.Stdout.Fd())), nil
	case "always":
		return true, nil
	case "never":
		return false, nil
	default:
		return false, fmt.Errorf("--color must be auto, always or never, got %q", mode)
	}
}

// websocketURL maps an http(s) base URL onto the ws(s) endpoint at path.
func websocketURL(base, path string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server URL scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	return u.String(), nil
}

func watch(ctx context.Context, wsURL, secret string, w *watcher) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", wsURL, err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}()

	if secret != "" {
		if err := conn.WriteMessage(websocket.TextMessage, []byte("4"+secret)); err != nil {
			return fmt.Errorf("failed to log in: %w", err)
		}
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("connection lost: %w", err)
		}
		if reply := w.handle(string(data)); reply != "" {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(reply)); err != nil {
				return fmt.Errorf("failed to answer ping: %w", err)
			}
		}
	}
}

// watcher renders hub packets for a terminal.
type watcher struct {
	out   io.Writer
	color bool
}

type watchMessage struct {
	Type     string         `json:"type"`
	ID       uint32         `json:"id"`
	Content  string         `json:"content"`
	Time     int64          `json:"time"`
	Color    uint32         `json:"color"`
	Programs []watchProgram `json:"programs"`
	Current  uint32         `json:"current"`
	Block    uint32         `json:"block"`
	Hash     string         `json:"hash"`
}

type watchProgram struct {
	ID        uint32 `json:"id"`
	Name      string `json:"name"`
	Performer string `json:"performer"`
	Time      string `json:"time"`
}

// handle prints one packet and returns the packet to send back, if any.
func (w *watcher) handle(packet string) string {
	if packet == "" {
		return ""
	}
	switch packet[0] {
	case '0':
		fmt.Fprintln(w.out, "connected")
	case '2':
		return "3"
	case '4':
		w.message(packet[1:])
	}
	return ""
}

func (w *watcher) message(body string) {
	var msg watchMessage
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		// The admin login ack is the bare secret.
		fmt.Fprintln(w.out, "logged in")
		return
	}

	switch msg.Type {
	case "danmaku":
		at := time.UnixMilli(msg.Time).Format("15:04:05")
		fmt.Fprintf(w.out, "%s #%d %s\n", at, msg.ID, w.paint(msg.Content, msg.Color))
	case "repertoire":
		for _, p := range msg.Programs {
			if p.ID == msg.Current {
				fmt.Fprintf(w.out, "now playing: %s - %s (%s)\n", p.Name, p.Performer, p.Time)
				return
			}
		}
		fmt.Fprintf(w.out, "program list updated (%d entries)\n", len(msg.Programs))
	case "lottery":
		fmt.Fprintf(w.out, "lottery block %d %s\n", msg.Block, msg.Hash)
	}
}

// paint wraps s in a 24-bit foreground color escape.
func (w *watcher) paint(s string, rgb uint32) string {
	if !w.color {
		return s
	}
	r, g, b := (rgb>>16)&0xff, (rgb>>8)&0xff, rgb&0xff
	return fmt.Sprintf("\x1b[38;2;%d;%d;%dm%s\x1b[0m", r, g, b, s)
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().String("server", "http://localhost:8080", "Base URL of the hub")
	watchCmd.Flags().Bool("admin", false, "Log in on the admin endpoint (secret from ADMIN_SECRET or prompt)")
	watchCmd.Flags().String("color", "auto", "Colorize danmaku: auto, always or never")
}
