package twitch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"golang.org/x/oauth2"
	"gopkg.in/irc.v4"

	"chatlog/cmd/internal/metrics"
)

const (
	DefaultURL = "wss://irc-ws.chat.twitch.tv:443"

	readLimit     = 1 << 20
	writeTimeout  = 10 * time.Second
	readIdle      = 6 * time.Minute // the server pings roughly every five minutes
	healthyUptime = time.Minute
)

var errReconnect = errors.New("twitch: server requested reconnect")

// ClientConfig configures a Client.
type ClientConfig struct {
	URL      string
	Username string
	Channels []string
	Tokens   oauth2.TokenSource
	Logger   *slog.Logger

	// NewBackOff builds the reconnect policy; an unbounded exponential backoff when nil.
	NewBackOff func() backoff.BackOff
}

// Client maintains one authenticated chat session and reconnects when it drops.
type Client struct {
	url      string
	nick     string
	channels []string
	tokens   oauth2.TokenSource
	log      *slog.Logger
	backoff  func() backoff.BackOff
}

// NewClient validates cfg and builds a Client. Nothing is dialed until Run.
func NewClient(cfg ClientConfig) (*Client, error) {
	nick := strings.ToLower(strings.TrimSpace(cfg.Username))
	if nick == "" {
		return nil, errors.New("twitch: username is required")
	}
	if cfg.Tokens == nil {
		return nil, errors.New("twitch: token source is required")
	}

	channels := make([]string, 0, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		ch = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ch), "#"))
		if ch != "" {
			channels = append(channels, ch)
		}
	}
	if len(channels) == 0 {
		return nil, errors.New("twitch: at least one channel is required")
	}

	c := &Client{
		url:      strings.TrimSpace(cfg.URL),
		nick:     nick,
		channels: channels,
		tokens:   cfg.Tokens,
		log:      cfg.Logger,
		backoff:  cfg.NewBackOff,
	}
	if c.url == "" {
		c.url = DefaultURL
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if c.backoff == nil {
		c.backoff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 2 * time.Minute
			b.MaxElapsedTime = 0
			return b
		}
	}
	return c, nil
}

// Run delivers every event received on the connection to emit, in arrival order, until ctx is done.
// emit must not block for long; it runs on the read loop.
func (c *Client) Run(ctx context.Context, emit func(Event)) error {
	b := c.backoff()

	op := func() error {
		started := time.Now()
		err := c.session(ctx, emit)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if time.Since(started) >= healthyUptime {
			b.Reset()
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		metrics.TransportReconnects.Inc()
		c.log.Warn("twitch.session.lost", "err", err, "retry_in", wait.String())
	}

	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// session runs one connection from dial to disconnect.
func (c *Client) session(ctx context.Context, emit func(Event)) error {
	tok, err := c.tokens.Token()
	if err != nil {
		return fmt.Errorf("twitch: token: %w", err)
	}

	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("twitch: dial %s: %w", c.url, err)
	}
	defer func() { _ = conn.CloseNow() }()
	conn.SetReadLimit(readLimit)

	login := []*irc.Message{
		{Command: "CAP", Params: []string{"REQ", "twitch.tv/tags twitch.tv/commands"}},
		{Command: "PASS", Params: []string{"oauth:" + tok.AccessToken}},
		{Command: "NICK", Params: []string{c.nick}},
	}
	for _, ch := range c.channels {
		login = append(login, &irc.Message{Command: "JOIN", Params: []string{"#" + ch}})
	}
	for _, m := range login {
		if err := writeLine(ctx, conn, m); err != nil {
			return fmt.Errorf("twitch: login: %w", err)
		}
	}
	c.log.Info("twitch.session.open", "nick", c.nick, "channels", c.channels)

	for {
		readCtx, cancel := context.WithTimeout(ctx, readIdle)
		_, data, err := conn.Read(readCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "bye")
			}
			return fmt.Errorf("twitch: read: %w", err)
		}

		for _, line := range strings.Split(string(data), "\r\n") {
			if line == "" {
				continue
			}
			m, err := irc.ParseMessage(line)
			if err != nil {
				c.log.Warn("twitch.line.malformed", "err", err)
				continue
			}

			switch m.Command {
			case "PING":
				if err := writeLine(ctx, conn, &irc.Message{Command: "PONG", Params: m.Params}); err != nil {
					return fmt.Errorf("twitch: pong: %w", err)
				}
				continue
			case "RECONNECT":
				_ = conn.Close(websocket.StatusNormalClosure, "reconnect")
				return errReconnect
			}
			emit(EventFromMessage(m))
		}
	}
}

func writeLine(parent context.Context, conn *websocket.Conn, m *irc.Message) error {
	ctx, cancel := context.WithTimeout(parent, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, []byte(m.String()+"\r\n"))
}
