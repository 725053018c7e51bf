// wsprobe connects to a collabd WebSocket endpoint and prints every frame it
// receives.
//
// Usage:
//
//	wsprobe --url ws://localhost:8080/ws --secret $COLLABHUB_JWT_SECRET --user U1 --workspace W1 --project P1
//
// A token can be passed directly with --token, or minted locally from --secret
// (HS256) or --key (RS256 private key PEM).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rickgao/collabhub/internal/auth"
	"github.com/rickgao/collabhub/internal/model"
	"github.com/rickgao/collabhub/internal/version"
)

type options struct {
	url       string
	token     string
	secret    string
	keyPath   string
	issuer    string
	userID    string
	workspace string
	roles     string
	projectID string
	channels  string
	since     time.Duration
	verbose   bool
}

func main() {
	var opts options
	flag.StringVar(&opts.url, "url", "ws://localhost:8080/ws", "collabd websocket url")
	flag.StringVar(&opts.token, "token", "", "bearer token (skips local minting)")
	flag.StringVar(&opts.secret, "secret", os.Getenv("COLLABHUB_JWT_SECRET"), "HS256 secret used to mint a token")
	flag.StringVar(&opts.keyPath, "key", "", "RS256 private key PEM used to mint a token")
	flag.StringVar(&opts.issuer, "issuer", os.Getenv("COLLABHUB_JWT_ISSUER"), "issuer claim for minted tokens")
	flag.StringVar(&opts.userID, "user", "probe", "user id for minted tokens")
	flag.StringVar(&opts.workspace, "workspace", "default", "workspace id for minted tokens")
	flag.StringVar(&opts.roles, "roles", "member", "comma separated roles for minted tokens")
	flag.StringVar(&opts.projectID, "project", "", "project to join after connecting")
	flag.StringVar(&opts.channels, "subscribe", "", "comma separated extra channels to subscribe to")
	flag.DurationVar(&opts.since, "since", 0, "replay stored events newer than this (e.g. 10m)")
	flag.BoolVar(&opts.verbose, "verbose", false, "print full frame JSON")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	logger.Info("wsprobe", version.LogAttrs()...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	if err := run(ctx, opts, logger); err != nil {
		logger.Error("probe failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, logger *slog.Logger) error {
	token, err := resolveToken(opts)
	if err != nil {
		return err
	}

	target, err := url.Parse(opts.url)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	if opts.since > 0 {
		q := target.Query()
		q.Set("since", strconv.FormatInt(time.Now().Add(-opts.since).UnixMilli(), 10))
		target.RawQuery = q.Encode()
	}

	header := http.Header{"Authorization": {"Bearer " + token}}
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, target.String(), header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial: %w (status %s)", err, resp.Status)
		}
		return fmt.Errorf("dial: %w", err)
	}
	defer ws.Close()
	logger.Info("connected", "url", target.String())

	go func() {
		<-ctx.Done()
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "probe exiting"),
			time.Now().Add(time.Second))
		ws.Close()
	}()

	send := func(event string, data any) error {
		msg := map[string]any{"event": event, "messageId": uuid.NewString()}
		if data != nil {
			msg["data"] = data
		}
		return ws.WriteJSON(msg)
	}

	if err := send("ping", nil); err != nil {
		return fmt.Errorf("send ping: %w", err)
	}
	for _, ch := range splitList(opts.channels) {
		if err := send("subscribe", map[string]string{"channel": ch}); err != nil {
			return fmt.Errorf("subscribe %s: %w", ch, err)
		}
	}
	if opts.projectID != "" {
		if err := send("project.join", map[string]string{"projectId": opts.projectID}); err != nil {
			return fmt.Errorf("join project: %w", err)
		}
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Info("connection closed", "reason", err)
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		printFrame(data, opts.verbose)
	}
}

func resolveToken(opts options) (string, error) {
	if opts.token != "" {
		return opts.token, nil
	}

	var (
		signer *auth.Signer
		err    error
	)
	switch {
	case opts.keyPath != "":
		key, kerr := auth.LoadPrivateKey(opts.keyPath)
		if kerr != nil {
			return "", kerr
		}
		signer, err = auth.NewRSASigner(key, opts.issuer, nil)
	case opts.secret != "":
		signer, err = auth.NewHMACSigner(opts.secret, opts.issuer, nil)
	default:
		return "", fmt.Errorf("one of --token, --secret or --key is required")
	}
	if err != nil {
		return "", err
	}

	return signer.Issue(model.User{
		ID:          opts.userID,
		WorkspaceID: opts.workspace,
		Roles:       splitList(opts.roles),
	}, time.Hour)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func printFrame(data []byte, verbose bool) {
	var f struct {
		Type      string          `json:"type"`
		Event     string          `json:"event"`
		Data      json.RawMessage `json:"data"`
		MessageID string          `json:"messageId"`
	}
	if err := json.Unmarshal(data, &f); err != nil {
		fmt.Printf("[RAW] %s\n", data)
		return
	}

	if verbose {
		var pretty any
		json.Unmarshal(data, &pretty)
		out, _ := json.MarshalIndent(pretty, "", "  ")
		fmt.Printf("[%s] %s\n", strings.ToUpper(f.Type), out)
		return
	}
	fmt.Printf("[%s] event=%s id=%s data=%s\n", strings.ToUpper(f.Type), f.Event, f.MessageID, f.Data)
}
