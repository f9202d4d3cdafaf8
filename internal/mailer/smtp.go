package mailer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/foxzi/campaigner/internal/dkim"
	"github.com/foxzi/campaigner/internal/dns"
	"github.com/foxzi/campaigner/internal/email"
	"github.com/foxzi/campaigner/internal/retry"
)

// RelayConfig points the mailer at a smarthost instead of direct MX
// delivery.
type RelayConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	TLS      bool   `yaml:"tls"`
}

// SMTPMailer delivers messages either straight to the recipient domain's MX
// hosts or through a configured relay.
type SMTPMailer struct {
	resolver *dns.Resolver
	relay    *RelayConfig
	hostname string
	timeout  time.Duration
	signer   *dkim.Signer
	logger   *slog.Logger
}

func NewSMTPMailer(resolver *dns.Resolver, relay *RelayConfig, hostname string, timeout time.Duration, logger *slog.Logger) *SMTPMailer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SMTPMailer{
		resolver: resolver,
		relay:    relay,
		hostname: hostname,
		timeout:  timeout,
		logger:   logger.With("component", "smtp_mailer"),
	}
}

// SetDKIMSigner enables DKIM signing of outgoing messages.
func (m *SMTPMailer) SetDKIMSigner(signer *dkim.Signer) {
	m.signer = signer
}

func (m *SMTPMailer) Send(ctx context.Context, msg *Message) (string, error) {
	if err := msg.Validate(); err != nil {
		return "", err
	}

	messageID := GenerateMessageID(msg.From)
	data, err := msg.Encode(messageID)
	if err != nil {
		return "", permanentf("failed to encode message: %v", err)
	}

	if m.signer != nil {
		signed, err := m.signer.Sign(data)
		if err != nil {
			m.logger.Warn("dkim signing failed, sending unsigned",
				"domain", m.signer.Domain(), "error", err)
		} else {
			data = signed
		}
	}

	if m.relay != nil && m.relay.Host != "" {
		if err := m.sendViaRelay(ctx, msg, data); err != nil {
			return "", err
		}
		return messageID, nil
	}

	domain := email.ExtractDomain(msg.To)
	if domain == "" {
		return "", permanentf("recipient %q has no domain", msg.To)
	}
	if err := m.sendDirect(ctx, domain, msg, data); err != nil {
		return "", err
	}
	return messageID, nil
}

// sendDirect tries the domain's MX hosts in priority order.
func (m *SMTPMailer) sendDirect(ctx context.Context, domain string, msg *Message, data []byte) error {
	records, err := m.resolver.LookupMX(ctx, domain)
	if err != nil {
		return transientf("MX lookup failed for %s: %v", domain, err)
	}

	var lastErr error
	for _, mx := range records {
		err := m.deliver(ctx, net.JoinHostPort(mx.Host, "25"), mx.Host, nil, false, msg, data)
		if err == nil {
			m.logger.Info("message delivered", "mx", mx.Host, "to", msg.To)
			return nil
		}
		m.logger.Warn("delivery to mx failed", "mx", mx.Host, "domain", domain, "error", err)
		lastErr = err

		var me *Error
		if errors.As(err, &me) && me.Kind == retry.PermanentReject {
			return err
		}
	}
	if lastErr != nil {
		return lastErr
	}
	return transientf("no MX hosts available for %s", domain)
}

func (m *SMTPMailer) sendViaRelay(ctx context.Context, msg *Message, data []byte) error {
	port := m.relay.Port
	if port == 0 {
		port = 587
	}
	addr := net.JoinHostPort(m.relay.Host, fmt.Sprintf("%d", port))

	var auth sasl.Client
	if m.relay.Username != "" {
		auth = sasl.NewPlainClient("", m.relay.Username, m.relay.Password)
	}
	err := m.deliver(ctx, addr, m.relay.Host, auth, m.relay.TLS, msg, data)
	if err == nil {
		m.logger.Info("message relayed", "relay", m.relay.Host, "to", msg.To)
	}
	return err
}

// deliver runs one SMTP conversation against a single host.
func (m *SMTPMailer) deliver(ctx context.Context, addr, host string, auth sasl.Client, requireTLS bool, msg *Message, data []byte) error {
	client, err := m.connect(ctx, addr, host, requireTLS)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Hello(m.hostname); err != nil {
		return classifySMTP(err, "EHLO")
	}

	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return classifySMTP(err, "AUTH")
		}
	}

	if err := client.Mail(msg.From, nil); err != nil {
		return classifySMTP(err, "MAIL FROM")
	}
	if err := client.Rcpt(msg.To, nil); err != nil {
		return classifySMTP(err, "RCPT TO")
	}

	wc, err := client.Data()
	if err != nil {
		return classifySMTP(err, "DATA")
	}
	if _, err := wc.Write(data); err != nil {
		wc.Close()
		return transientf("failed to write message data: %v", err)
	}
	if err := wc.Close(); err != nil {
		return classifySMTP(err, "DATA close")
	}

	client.Quit()
	return nil
}

// connect dials addr and upgrades the session with STARTTLS. The upgrade
// happens at client construction; go-smtp resets the greeting afterwards,
// so the caller's Hello still introduces us under our own hostname. When
// the upgrade fails and TLS is not required the session is redialed in
// plaintext, because a failed upgrade tears the connection down.
func (m *SMTPMailer) connect(ctx context.Context, addr, host string, requireTLS bool) (*smtp.Client, error) {
	conn, err := m.dial(ctx, addr)
	if err != nil {
		return nil, err
	}

	tlsConfig := &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
	client, tlsErr := smtp.NewClientStartTLS(conn, tlsConfig)
	if tlsErr == nil {
		return client, nil
	}
	if requireTLS {
		return nil, transientf("STARTTLS failed on %s: %v", host, tlsErr)
	}
	m.logger.Warn("starttls failed, continuing in plaintext", "host", host, "error", tlsErr)

	conn, err = m.dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	return smtp.NewClient(conn), nil
}

func (m *SMTPMailer) dial(ctx context.Context, addr string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: m.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, transientf("connection failed to %s: %v", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(m.timeout))
	}
	return conn, nil
}

// throttle response codes providers use when slowing a sender down
var throttleCodes = map[int]bool{421: true, 450: true, 452: true}

// classifySMTP maps an SMTP response to a failure kind: 5xx is permanent,
// throttle-shaped 4xx is rate limited, everything else transient.
func classifySMTP(err error, stage string) *Error {
	detail := fmt.Sprintf("%s failed: %v", stage, err)

	var se *smtp.SMTPError
	if errors.As(err, &se) {
		switch {
		case se.Code >= 500:
			return &Error{Kind: retry.PermanentReject, Detail: detail}
		case throttleCodes[se.Code]:
			return &Error{Kind: retry.RateLimited, Detail: detail}
		case se.Code >= 400:
			return &Error{Kind: retry.Transient, Detail: detail}
		}
	}
	return &Error{Kind: retry.Transient, Detail: detail}
}
