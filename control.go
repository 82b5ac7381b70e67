package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"msgrelay/config"
	"msgrelay/models"
)

// statsSource is implemented by *server.Server.
type statsSource interface {
	Stats() models.Stats
}

// controlSocket accepts one-line operator commands on a unix socket:
//
//	stats            -> OK|{"connections":N,"addresses":[...]}
//	shutdown[|why]   -> OK|Shutting down
type controlSocket struct {
	path     string
	stats    statsSource
	shutdown chan<- string
	logger   zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
	once     sync.Once
}

func newControlSocket(path string, stats statsSource, shutdown chan<- string, logger zerolog.Logger) *controlSocket {
	return &controlSocket{
		path:     path,
		stats:    stats,
		shutdown: shutdown,
		logger:   logger.With().Str("component", "control").Logger(),
	}
}

// Run listens until Close. A socket that cannot be created is logged and
// the relay keeps running without it.
func (c *controlSocket) Run() {
	if c.path == "" {
		return
	}
	os.Remove(c.path)

	listener, err := net.Listen("unix", c.path)
	if err != nil {
		c.logger.Warn().Err(err).Str("path", c.path).Msg("control socket unavailable")
		return
	}
	c.mu.Lock()
	c.listener = listener
	c.mu.Unlock()

	c.logger.Info().Str("path", c.path).Msg("control socket listening")

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		go c.handle(conn)
	}
}

func (c *controlSocket) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listener != nil {
		c.listener.Close()
		os.Remove(c.path)
	}
}

func (c *controlSocket) handle(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return
	}
	parts := strings.SplitN(strings.TrimSpace(line), "|", 2)

	switch parts[0] {
	case "stats":
		raw, err := json.Marshal(c.stats.Stats())
		if err != nil {
			fmt.Fprintf(conn, "ERROR|%v\n", err)
			return
		}
		fmt.Fprintf(conn, "OK|%s\n", raw)

	case "shutdown":
		reason := "maintenance"
		if len(parts) == 2 && parts[1] != "" {
			reason = parts[1]
		}
		conn.Write([]byte("OK|Shutting down\n"))
		c.once.Do(func() { c.shutdown <- reason })

	default:
		conn.Write([]byte("ERROR|Unknown command\n"))
	}
}

func ctlCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "ctl <stats|shutdown> [reason]",
		Short:     "Send a command to a running relay over its control socket",
		Args:      cobra.RangeArgs(1, 2),
		ValidArgs: []string{"stats", "shutdown"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			reply, err := sendControl(cfg.ControlSocket, strings.Join(args, "|"))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), reply)
			return nil
		},
	}
}

func sendControl(path, command string) (string, error) {
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return "", fmt.Errorf("dial control socket: %w", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := conn.Write([]byte(command + "\n")); err != nil {
		return "", fmt.Errorf("write command: %w", err)
	}
	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read reply: %w", err)
	}
	reply = strings.TrimSpace(reply)
	if rest, ok := strings.CutPrefix(reply, "ERROR|"); ok {
		return "", errors.New(rest)
	}
	return strings.TrimPrefix(reply, "OK|"), nil
}
