package mailer

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"time"

	"roombooking/pkg/config"

	"go.uber.org/zap"
	"gopkg.in/gomail.v2"
)

type SMTPSender struct {
	host     string
	addr     string
	username string
	password string
	timeout  time.Duration
	logger   *zap.SugaredLogger
}

func NewSMTPSender(conf config.Mail, logger *zap.SugaredLogger) *SMTPSender {
	return &SMTPSender{
		host:     conf.Host,
		addr:     net.JoinHostPort(conf.Host, strconv.Itoa(conf.Port)),
		username: conf.Username,
		password: conf.Password,
		timeout:  conf.Timeout,
		logger:   logger,
	}
}

// Send delivers msg in one SMTP session. The whole session shares one deadline, the
// earlier of the configured timeout and ctx. A permanent (5xx) refusal of the recipient
// is reported in Result.Rejected, everything else that goes wrong is an error.
func (s *SMTPSender) Send(ctx context.Context, msg Message) (Result, error) {
	raw, err := compose(msg)
	if err != nil {
		return Result{}, err
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return Result{}, fmt.Errorf("smtp dial %s: %w", s.addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	c, err := smtp.NewClient(conn, s.host)
	if err != nil {
		_ = conn.Close()
		return Result{}, fmt.Errorf("smtp greeting: %w", err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: s.host}); err != nil {
			return Result{}, fmt.Errorf("smtp starttls: %w", err)
		}
	}
	if s.username != "" {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(smtp.PlainAuth("", s.username, s.password, s.host)); err != nil {
				return Result{}, fmt.Errorf("smtp auth: %w", err)
			}
		}
	}

	if err := c.Mail(msg.From); err != nil {
		return Result{}, fmt.Errorf("smtp mail from: %w", err)
	}
	if err := c.Rcpt(msg.To); err != nil {
		var tpErr *textproto.Error
		if errors.As(err, &tpErr) && tpErr.Code >= 500 {
			s.logger.Warnf("[to: %s] recipient rejected: %v", msg.To, err)
			return Result{Rejected: []string{msg.To}}, nil
		}
		return Result{}, fmt.Errorf("smtp rcpt to: %w", err)
	}

	w, err := c.Data()
	if err != nil {
		return Result{}, fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		_ = w.Close()
		return Result{}, fmt.Errorf("smtp write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return Result{}, fmt.Errorf("smtp end data: %w", err)
	}
	if err := c.Quit(); err != nil {
		s.logger.Debugf("[to: %s] smtp quit: %v", msg.To, err)
	}

	return Result{Accepted: []string{msg.To}}, nil
}

// compose builds the MIME message: a text body, the calendar object as an inline
// text/calendar alternative (what mail clients render as an invitation) and the same
// object as a file attachment.
func compose(msg Message) ([]byte, error) {
	m := gomail.NewMessage(gomail.SetCharset("UTF-8"))
	m.SetHeader("From", msg.From)
	m.SetAddressHeader("To", msg.To, msg.ToName)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/plain", msg.TextBody)

	att := msg.Attachment
	if len(att.Content) > 0 {
		mediaType, params, err := mime.ParseMediaType(att.MimeType)
		if err != nil {
			return nil, fmt.Errorf("attachment mime type %q: %w", att.MimeType, err)
		}
		if mediaType == "text/calendar" {
			// gomail appends its own charset parameter to alternatives
			delete(params, "charset")
			m.AddAlternative(mime.FormatMediaType(mediaType, params), string(att.Content))
		}
		m.Attach(att.Filename,
			gomail.SetCopyFunc(func(w io.Writer) error {
				_, err := w.Write(att.Content)
				return err
			}),
			gomail.SetHeader(map[string][]string{"Content-Type": {att.MimeType}}),
		)
	}

	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("compose message: %w", err)
	}
	return buf.Bytes(), nil
}
