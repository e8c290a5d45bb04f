// Package notify delivers account notices to users affected by a merge.
package notify

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/wneessen/go-mail"
	"golang.org/x/time/rate"

	"horse.fit/dupehub/internal/config"
	"horse.fit/dupehub/internal/globaltime"
	"horse.fit/dupehub/internal/logging"
)

const logOnlyFrom = "no-reply@localhost"

type Message struct {
	To      string
	Subject string
	Body    string
}

type Sender interface {
	Send(ctx context.Context, msg Message) error
}

type deliverFunc func(ctx context.Context, msg *mail.Msg) error

// Mailer sends plain-text mail over SMTP. Sends share one limiter so a burst
// of merges cannot flood the relay, and every delivery runs under timeout
// from dial to QUIT.
type Mailer struct {
	from    string
	timeout time.Duration
	limiter *rate.Limiter
	logger  zerolog.Logger
	deliver deliverFunc
}

// New returns an SMTP mailer when SMTP_HOST is set and a log-only sender
// otherwise.
func New(cfg *config.Config, logger zerolog.Logger) Sender {
	logger = logging.Component(logger, "notify")
	limiter := rate.NewLimiter(rate.Limit(cfg.NotifyRatePerSecond), 1)

	host := strings.TrimSpace(cfg.SMTPHost)
	if host == "" {
		return &LogSender{from: logOnlyFrom, logger: logger, limiter: limiter}
	}

	client, err := newSMTPClient(cfg, host)
	if err != nil {
		logger.Error().Err(err).Str("host", host).Msg("SMTP client setup failed; notifications will be logged only")
		return &LogSender{from: logOnlyFrom, logger: logger, limiter: limiter}
	}
	return &Mailer{
		from:    strings.TrimSpace(cfg.SMTPFrom),
		timeout: cfg.SendTimeout(),
		limiter: limiter,
		logger:  logger,
		deliver: func(ctx context.Context, msg *mail.Msg) error { return client.DialAndSendWithContext(ctx, msg) },
	}
}

func newSMTPClient(cfg *config.Config, host string) (*mail.Client, error) {
	opts := []mail.Option{
		mail.WithPort(cfg.SMTPPort),
		mail.WithTimeout(cfg.SendTimeout()),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
		mail.WithDialContextFunc(dialWithDeadline),
	}
	if cfg.SMTPUsername != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.SMTPUsername),
			mail.WithPassword(cfg.SMTPPassword),
		)
	}
	return mail.NewClient(host, opts...)
}

// dialWithDeadline carries the context deadline onto the connection so a
// relay that accepts and then stalls cannot outlive the send.
func dialWithDeadline(ctx context.Context, network, address string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	return conn, nil
}

func (m *Mailer) Send(ctx context.Context, msg Message) error {
	built, err := buildMessage(m.from, msg, globaltime.UTC())
	if err != nil {
		return err
	}
	if err := m.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait for send slot: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if err := m.deliver(ctx, built); err != nil {
		return fmt.Errorf("send mail to %s: %w", msg.To, err)
	}
	m.logger.Debug().Str("to", msg.To).Str("subject", msg.Subject).Msg("Notification sent")
	return nil
}

// LogSender writes notices to the log instead of mailing them.
type LogSender struct {
	from    string
	logger  zerolog.Logger
	limiter *rate.Limiter
}

func NewLogSender(logger zerolog.Logger) *LogSender {
	return &LogSender{from: logOnlyFrom, logger: logger, limiter: rate.NewLimiter(rate.Inf, 1)}
}

func (s *LogSender) Send(ctx context.Context, msg Message) error {
	if _, err := buildMessage(s.from, msg, globaltime.UTC()); err != nil {
		return err
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait for send slot: %w", err)
	}
	s.logger.Info().
		Str("to", msg.To).
		Str("subject", msg.Subject).
		Msg("SMTP not configured; notification logged only")
	return nil
}

func buildMessage(from string, msg Message, now time.Time) (*mail.Msg, error) {
	if strings.ContainsAny(msg.Subject, "\r\n") {
		return nil, fmt.Errorf("subject must be a single line")
	}

	m := mail.NewMsg()
	if err := m.From(from); err != nil {
		return nil, fmt.Errorf("invalid sender %q: %w", from, err)
	}
	if err := m.To(strings.TrimSpace(msg.To)); err != nil {
		return nil, fmt.Errorf("invalid recipient %q: %w", msg.To, err)
	}
	m.Subject(msg.Subject)
	m.SetDateWithValue(now)
	m.SetBodyString(mail.TypeTextPlain, msg.Body)
	return m, nil
}
