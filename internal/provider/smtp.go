package provider

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/sendpipeline/internal/pkg/logger"
	"github.com/ignite/sendpipeline/internal/pkg/ratelimit"
)

var smtpLog = logger.Component("smtp")

// SMTPConfig configures a pooled SMTP relay.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	// PoolSize is the ceiling on simultaneously open connections.
	PoolSize int
	// RatePerSecond caps messages per second across the pool; zero is unlimited.
	RatePerSecond int
	DialTimeout   time.Duration
}

// SMTP is a transport over a bounded pool of reusable SMTP connections.
// At most PoolSize sends are in flight; idle connections are reset and reused.
type SMTP struct {
	cfg     SMTPConfig
	addr    string
	slots   chan struct{}
	limiter ratelimit.Limiter

	mu     sync.Mutex
	idle   []*smtp.Client
	closed bool
}

// NewSMTP creates a pooled SMTP transport. No connection is opened until the
// first send.
func NewSMTP(cfg SMTPConfig) *SMTP {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 5
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	var limiter ratelimit.Limiter = ratelimit.Unlimited{}
	if cfg.RatePerSecond > 0 {
		limiter = ratelimit.NewSlidingWindow(cfg.RatePerSecond, time.Second)
	}
	return &SMTP{
		cfg:     cfg,
		addr:    net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		slots:   make(chan struct{}, cfg.PoolSize),
		limiter: limiter,
	}
}

// SendMessage delivers msg over a pooled connection.
func (s *SMTP) SendMessage(ctx context.Context, msg *Message) (*Receipt, error) {
	if s.cfg.Host == "" {
		return nil, &SendError{Provider: "smtp", Err: ErrNotConfigured}
	}

	select {
	case s.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-s.slots }()

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	messageID := uuid.NewString() + "@" + s.cfg.Host
	raw, err := BuildMIME(msg, messageID)
	if err != nil {
		return nil, &SendError{Provider: "smtp", Err: err}
	}

	client, err := s.get(ctx)
	if err != nil {
		return nil, &SendError{Provider: "smtp", Err: err}
	}
	if err := s.deliver(client, msg.From.Email, msg.To.Email, raw); err != nil {
		client.Close()
		return nil, &SendError{Provider: "smtp", Err: err}
	}
	s.put(client)

	return &Receipt{MessageID: messageID}, nil
}

// get returns an idle connection that still answers NOOP, or dials a new one.
func (s *SMTP) get(ctx context.Context) (*smtp.Client, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, fmt.Errorf("smtp pool closed")
		}
		n := len(s.idle)
		if n == 0 {
			s.mu.Unlock()
			return s.dial(ctx)
		}
		c := s.idle[n-1]
		s.idle = s.idle[:n-1]
		s.mu.Unlock()

		if err := c.Noop(); err == nil {
			return c, nil
		}
		c.Close()
	}
}

func (s *SMTP) put(c *smtp.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.idle) >= s.cfg.PoolSize {
		c.Quit()
		return
	}
	s.idle = append(s.idle, c)
}

func (s *SMTP) dial(ctx context.Context) (*smtp.Client, error) {
	dialer := &net.Dialer{Timeout: s.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("SMTP connect to %s: %w", s.addr, err)
	}
	c, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("SMTP client: %w", err)
	}
	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: s.cfg.Host}); err != nil {
			smtpLog.Warn("STARTTLS failed, continuing without TLS", "host", s.cfg.Host, "error", err)
		}
	}
	if s.cfg.Username != "" && s.cfg.Password != "" {
		if err := c.Auth(&plainAuth{user: s.cfg.Username, pass: s.cfg.Password}); err != nil {
			c.Close()
			return nil, fmt.Errorf("SMTP auth: %w", err)
		}
	}
	return c, nil
}

func (s *SMTP) deliver(c *smtp.Client, from, to string, raw []byte) error {
	if err := c.Reset(); err != nil {
		return fmt.Errorf("RSET: %w", err)
	}
	if err := c.Mail(from); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	if err := c.Rcpt(to); err != nil {
		return fmt.Errorf("RCPT TO: %w", err)
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("DATA close: %w", err)
	}
	return nil
}

// Idle returns the number of pooled connections waiting for reuse.
func (s *SMTP) Idle() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.idle)
}

// Close quits every idle connection. In-flight sends finish on their own.
func (s *SMTP) Close() error {
	s.mu.Lock()
	idle := s.idle
	s.idle = nil
	s.closed = true
	s.mu.Unlock()
	for _, c := range idle {
		c.Quit()
	}
	return nil
}

// plainAuth implements PLAIN without net/smtp's TLS requirement; relays on
// private networks often accept AUTH on an unencrypted submission port.
type plainAuth struct {
	user, pass string
}

func (a *plainAuth) Start(server *smtp.ServerInfo) (string, []byte, error) {
	return "PLAIN", []byte("\x00" + a.user + "\x00" + a.pass), nil
}

func (a *plainAuth) Next(fromServer []byte, more bool) ([]byte, error) {
	return nil, nil
}
