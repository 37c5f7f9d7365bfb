package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/foxzi/mailcast/internal/dkim"
	"github.com/foxzi/mailcast/internal/models"
)

// SMTP sends through a relay or hosted mailbox with the provider's
// connection settings
type SMTP struct {
	provider models.Provider
	timeout  time.Duration
	hostname string
	signer   *dkim.Signer
	logger   *slog.Logger
}

// NewSMTP creates an SMTP sender. signer may be nil.
func NewSMTP(p *models.Provider, opts Options, signer *dkim.Signer) *SMTP {
	opts = opts.withDefaults()
	return &SMTP{
		provider: *p,
		timeout:  opts.Timeout,
		hostname: opts.Hostname,
		signer:   signer,
		logger:   opts.Logger.With("component", "smtp_transport", "provider", p.Name),
	}
}

// Send delivers one message
func (s *SMTP) Send(ctx context.Context, msg *Message) (Receipt, error) {
	if msg.MessageID == "" {
		msg.MessageID = NewMessageID(DomainOf(msg.From))
	}

	data, err := Compose(msg, time.Now())
	if err != nil {
		return Receipt{}, &Error{Category: CategoryUnknown, Message: err.Error(), Err: err}
	}

	// Sign message with DKIM if the provider has a key
	if s.signer != nil {
		signed, err := s.signer.Sign(data)
		if err != nil {
			s.logger.Warn("DKIM signing failed, sending unsigned",
				"domain", s.signer.Domain(),
				"error", err,
			)
		} else {
			data = signed
		}
	}

	client, err := s.dial(ctx)
	if err != nil {
		return Receipt{}, err
	}
	defer client.Close()

	if err := client.Mail(msg.From, nil); err != nil {
		return Receipt{}, categorizeSMTP(err, "MAIL FROM")
	}
	if err := client.Rcpt(msg.To, nil); err != nil {
		return Receipt{}, categorizeSMTP(err, "RCPT TO "+msg.To)
	}

	wc, err := client.Data()
	if err != nil {
		return Receipt{}, categorizeSMTP(err, "DATA")
	}
	if _, err := bytes.NewReader(data).WriteTo(wc); err != nil {
		wc.Close()
		return Receipt{}, classifyNetError(err, "message write")
	}
	if err := wc.Close(); err != nil {
		return Receipt{}, categorizeSMTP(err, "DATA close")
	}

	client.Quit()

	s.logger.Debug("message accepted", "recipient", msg.To, "message_id", msg.MessageID)
	return Receipt{MessageID: msg.MessageID}, nil
}

// Probe connects, authenticates when credentials are set, issues NOOP and quits
func (s *SMTP) Probe(ctx context.Context) Probe {
	started := time.Now()

	client, err := s.dial(ctx)
	if err != nil {
		return probeResult(err, started, "")
	}
	defer client.Close()

	if err := client.Noop(); err != nil {
		return probeResult(categorizeSMTP(err, "NOOP"), started, "")
	}
	if err := client.Quit(); err != nil {
		return probeResult(categorizeSMTP(err, "QUIT"), started, "")
	}

	return probeResult(nil, started, fmt.Sprintf("connected to %s:%d", s.provider.Host, s.provider.Port))
}

// dial opens a session that is ready for MAIL FROM
func (s *SMTP) dial(ctx context.Context) (*smtp.Client, error) {
	p := s.provider
	addr := net.JoinHostPort(p.Host, strconv.Itoa(p.Port))

	dialer := &net.Dialer{Timeout: s.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, classifyNetError(err, "connect to "+addr)
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(s.timeout))
	}

	tlsConfig := &tls.Config{
		ServerName:         p.Host,
		InsecureSkipVerify: p.SkipTLSVerify,
		MinVersion:         tls.VersionTLS12,
	}

	if p.TLSMode == models.TLSImplicit {
		tlsConn := tls.Client(conn, tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, classifyNetError(err, "TLS handshake")
		}
		conn = tlsConn
	}

	var client *smtp.Client
	if p.TLSMode == models.TLSStartTLS {
		client, err = smtp.NewClientStartTLS(conn, tlsConfig)
		if err != nil {
			var smtpErr *smtp.SMTPError
			if !errors.As(err, &smtpErr) && strings.Contains(err.Error(), "STARTTLS") {
				return nil, &Error{Category: CategoryConnect, Message: "server does not offer STARTTLS", Err: err}
			}
			return nil, categorizeSMTP(err, "STARTTLS")
		}
	} else {
		client = smtp.NewClient(conn)
	}
	client.CommandTimeout = s.timeout
	client.SubmissionTimeout = s.timeout

	// After STARTTLS this is the second EHLO, sent over the encrypted session
	if err := client.Hello(s.hostname); err != nil {
		client.Close()
		return nil, categorizeSMTP(err, "EHLO")
	}

	if p.Username != "" {
		if err := s.auth(client); err != nil {
			client.Close()
			return nil, err
		}
	}

	return client, nil
}

func (s *SMTP) auth(client *smtp.Client) error {
	p := s.provider

	ok, mechs := client.Extension("AUTH")
	if !ok {
		return &Error{Category: CategoryAuth, Message: "server does not offer AUTH"}
	}

	var mech sasl.Client
	switch {
	case hasMechanism(mechs, sasl.Plain):
		mech = sasl.NewPlainClient("", p.Username, p.Password)
	case hasMechanism(mechs, sasl.Login):
		mech = sasl.NewLoginClient(p.Username, p.Password)
	default:
		return &Error{Category: CategoryAuth, Message: "no supported AUTH mechanism in " + mechs}
	}

	if err := client.Auth(mech); err != nil {
		return categorizeSMTP(err, "AUTH")
	}
	return nil
}

func hasMechanism(list, mech string) bool {
	for _, m := range strings.Fields(list) {
		if strings.EqualFold(m, mech) {
			return true
		}
	}
	return false
}

// categorizeSMTP maps an SMTP reply onto a transport error. 5xx replies are
// permanent, 4xx temporary.
func categorizeSMTP(err error, stage string) *Error {
	var smtpErr *smtp.SMTPError
	if !errors.As(err, &smtpErr) {
		return classifyNetError(err, stage)
	}

	msg := fmt.Sprintf("%s failed: %d %s", stage, smtpErr.Code, smtpErr.Message)
	category := CategoryRejected
	if stage == "AUTH" || smtpErr.Code == 530 || smtpErr.Code == 535 {
		category = CategoryAuth
	}

	return &Error{
		Category:   category,
		Temporary:  smtpErr.Code >= 400 && smtpErr.Code < 500,
		StatusCode: smtpErr.Code,
		Message:    msg,
		Err:        err,
	}
}
