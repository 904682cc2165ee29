package alerting

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"mime/multipart"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"price-alert-engine/internal/config"
	"price-alert-engine/internal/models"
)

// KindEmail is the SMTP channel kind.
const KindEmail = "email"

// errPlaintextAuth is returned when credentials are configured but the session never
// reached TLS. Retrying cannot fix it.
var errPlaintextAuth = errors.New("SMTP server offers no STARTTLS; refusing to send credentials in plaintext")

// EmailAdapter delivers alerts over SMTP. Port 587 uses STARTTLS when offered;
// ImplicitTLS dials TLS directly (port 465).
type EmailAdapter struct {
	cfg    config.EmailConfig
	logger zerolog.Logger
	now    func() time.Time
}

// NewEmailAdapter builds the SMTP adapter.
func NewEmailAdapter(cfg config.EmailConfig, logger zerolog.Logger) *EmailAdapter {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &EmailAdapter{
		cfg:    cfg,
		logger: logger.With().Str("component", "alert_email").Logger(),
		now:    time.Now,
	}
}

func (a *EmailAdapter) Kind() string { return KindEmail }

func (a *EmailAdapter) Send(ctx context.Context, target models.ChannelTarget, msg Message) error {
	to, err := mail.ParseAddress(target.Address)
	if err != nil {
		return Permanent(fmt.Errorf("invalid email address %q: %w", target.Address, err))
	}
	from, err := mail.ParseAddress(a.cfg.From)
	if err != nil {
		return Permanent(fmt.Errorf("invalid sender address %q: %w", a.cfg.From, err))
	}

	body, err := a.buildMessage(from, to, msg)
	if err != nil {
		return Permanent(err)
	}

	if err := a.deliver(ctx, from.Address, to.Address, body); err != nil {
		return classifySMTP(err)
	}

	a.logger.Info().
		Str("fire_id", msg.Fire.ID).
		Str("symbol", msg.Fire.Symbol).
		Str("channel", target.Key()).
		Msg("alert email sent")
	return nil
}

func (a *EmailAdapter) deliver(ctx context.Context, from, to string, body []byte) error {
	addr := net.JoinHostPort(a.cfg.Host, strconv.Itoa(a.cfg.Port))
	tlsConfig := &tls.Config{
		InsecureSkipVerify: a.cfg.SkipVerify,
		ServerName:         a.cfg.Host,
	}

	dialer := &net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connect to SMTP server: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if a.cfg.ImplicitTLS {
		conn = tls.Client(conn, tlsConfig)
	}

	client, err := smtp.NewClient(conn, a.cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("create SMTP client: %w", err)
	}
	defer client.Close()

	encrypted := a.cfg.ImplicitTLS
	if !encrypted {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsConfig); err != nil {
				return fmt.Errorf("SMTP STARTTLS failed: %w", err)
			}
			encrypted = true
		}
	}

	if a.cfg.Username != "" && a.cfg.Password != "" {
		if !encrypted {
			return errPlaintextAuth
		}
		if err := client.Auth(smtp.PlainAuth("", a.cfg.Username, a.cfg.Password, a.cfg.Host)); err != nil {
			return fmt.Errorf("SMTP auth failed: %w", err)
		}
	}

	if err := client.Mail(from); err != nil {
		return fmt.Errorf("SMTP MAIL command failed: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("SMTP RCPT command failed: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("SMTP DATA command failed: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write email body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close email writer: %w", err)
	}
	return client.Quit()
}

func (a *EmailAdapter) buildMessage(from, to *mail.Address, msg Message) ([]byte, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fmt.Fprintf(&buf, "From: %s\r\n", from.String())
	fmt.Fprintf(&buf, "To: %s\r\n", to.String())
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	fmt.Fprintf(&buf, "Date: %s\r\n", a.now().UTC().Format(time.RFC1123Z))
	if msg.Fire.ID != "" {
		fmt.Fprintf(&buf, "X-Alert-Id: %s\r\n", msg.Fire.ID)
	}
	buf.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", mw.Boundary())

	parts := []struct {
		contentType string
		body        string
	}{
		{"text/plain; charset=UTF-8", msg.Text},
		{"text/html; charset=UTF-8", msg.HTML},
	}
	for _, p := range parts {
		if p.body == "" {
			continue
		}
		w, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {p.contentType}})
		if err != nil {
			return nil, fmt.Errorf("build email part: %w", err)
		}
		if _, err := w.Write([]byte(p.body)); err != nil {
			return nil, fmt.Errorf("build email part: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("build email: %w", err)
	}
	return buf.Bytes(), nil
}

// classifySMTP maps 5xx replies and configuration errors to permanent failures;
// 4xx and network errors are retried.
func classifySMTP(err error) error {
	if errors.Is(err, errPlaintextAuth) {
		return Permanent(err)
	}
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) && tpErr.Code >= 500 && tpErr.Code < 600 {
		return Permanent(err)
	}
	return Transient(err)
}

var _ Adapter = (*EmailAdapter)(nil)
