package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

const (
	defaultSubjectPrefix  = "narrator"
	defaultConnectTimeout = 5 * time.Second
)

// NATSPublisher publishes JSON events on
// <prefix>.<book_id>.<type>, for example narrator.moby-dick.batch.status.
type NATSPublisher struct {
	conn   *nats.Conn
	server *EmbeddedServer
	prefix string
	log    *slog.Logger
}

// NewNATSPublisher connects to the configured servers, starting an
// embedded server first when cfg.Embedded is set.
func NewNATSPublisher(ctx context.Context, cfg Config) (*NATSPublisher, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	var embedded *EmbeddedServer
	servers := cfg.Servers
	if cfg.Embedded {
		var err error
		embedded, err = StartEmbedded(cfg.Port, log)
		if err != nil {
			return nil, err
		}
		servers = []string{embedded.ClientURL()}
	}
	if len(servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	options := []nats.Option{
		nats.Name("narrator"),
		nats.Timeout(timeout),
	}
	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}

	url := strings.Join(servers, ",")
	conn, err := nats.Connect(url, options...)
	if err != nil {
		embedded.Shutdown()
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = defaultSubjectPrefix
	}

	log.Info("connected to NATS", "servers", url, "embedded", cfg.Embedded)

	return &NATSPublisher{conn: conn, server: embedded, prefix: prefix, log: log}, nil
}

// Subject returns the subject an event is published on.
func (p *NATSPublisher) Subject(ev Event) string {
	return p.prefix + "." + subjectToken(ev.BookID) + "." + ev.Type
}

func (p *NATSPublisher) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := p.conn.Publish(p.Subject(ev), data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Conn exposes the connection for subscribers in the same process.
func (p *NATSPublisher) Conn() *nats.Conn {
	return p.conn
}

func (p *NATSPublisher) Healthy() bool {
	return p != nil && p.conn != nil && p.conn.Status() == nats.CONNECTED
}

func (p *NATSPublisher) Close() error {
	if p == nil {
		return nil
	}
	p.log.Info("closing NATS connection")
	err := p.conn.Drain()
	p.conn.Close()
	p.server.Shutdown()
	return err
}

// subjectToken replaces characters NATS treats as separators or wildcards.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}

// EmbeddedServer wraps an in-process NATS server.
type EmbeddedServer struct {
	ns  *server.Server
	log *slog.Logger
}

// StartEmbedded starts a NATS server on localhost. Port 0 picks a free port.
func StartEmbedded(port int, log *slog.Logger) (*EmbeddedServer, error) {
	if port == 0 {
		port = server.RANDOM_PORT
	}
	opts := &server.Options{
		Host:   "127.0.0.1",
		Port:   port,
		NoLog:  true,
		NoSigs: true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedded NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server failed to start within 5 seconds")
	}

	log.Info("embedded NATS server started", "url", ns.ClientURL())

	return &EmbeddedServer{ns: ns, log: log}, nil
}

// ClientURL is the nats:// URL clients connect to.
func (e *EmbeddedServer) ClientURL() string {
	return e.ns.ClientURL()
}

// Shutdown stops the server. Safe on nil.
func (e *EmbeddedServer) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}
	e.log.Info("shutting down embedded NATS server")
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
}
