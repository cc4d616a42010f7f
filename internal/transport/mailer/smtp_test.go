package mailer

import (
	"context"
	"net"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"roombooking/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeSMTP speaks just enough ESMTP for net/smtp: no STARTTLS, no AUTH.
type fakeSMTP struct {
	ln     net.Listener
	reply  map[string]string // RCPT address -> reply line
	silent bool

	mu       sync.Mutex
	messages []string
}

func startFakeSMTP(t *testing.T, reply map[string]string, silent bool) *fakeSMTP {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	f := &fakeSMTP{ln: ln, reply: reply, silent: silent}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go f.serve(conn)
		}
	}()
	return f
}

func (f *fakeSMTP) port() int {
	return f.ln.Addr().(*net.TCPAddr).Port
}

func (f *fakeSMTP) received() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.messages...)
}

func (f *fakeSMTP) serve(conn net.Conn) {
	defer conn.Close()
	if f.silent {
		// hold the connection open without a greeting
		_, _ = conn.Read(make([]byte, 1))
		return
	}

	tp := textproto.NewConn(conn)
	_ = tp.PrintfLine("220 fake ESMTP")
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return
		}
		cmd := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(cmd, "EHLO"):
			_ = tp.PrintfLine("250-fake")
			_ = tp.PrintfLine("250 8BITMIME")
		case strings.HasPrefix(cmd, "HELO"), strings.HasPrefix(cmd, "MAIL FROM"),
			strings.HasPrefix(cmd, "RSET"), strings.HasPrefix(cmd, "NOOP"):
			_ = tp.PrintfLine("250 ok")
		case strings.HasPrefix(cmd, "RCPT TO"):
			addr := line[strings.Index(line, "<")+1 : strings.Index(line, ">")]
			if r, ok := f.reply[addr]; ok {
				_ = tp.PrintfLine("%s", r)
			} else {
				_ = tp.PrintfLine("250 ok")
			}
		case cmd == "DATA":
			_ = tp.PrintfLine("354 go ahead")
			lines, err := tp.ReadDotLines()
			if err != nil {
				return
			}
			f.mu.Lock()
			f.messages = append(f.messages, strings.Join(lines, "\n"))
			f.mu.Unlock()
			_ = tp.PrintfLine("250 queued")
		case cmd == "QUIT":
			_ = tp.PrintfLine("221 bye")
			return
		default:
			_ = tp.PrintfLine("502 not implemented")
		}
	}
}

func testMessage(to string) Message {
	return Message{
		From:     "rooms@example.com",
		To:       to,
		ToName:   "Ana",
		Subject:  "Room booking: R1",
		TextBody: "Room: R1\nWhen: 2026-03-02 10:00 - 11:00 UTC",
		Attachment: Attachment{
			Filename: "invite.ics",
			MimeType: "text/calendar; charset=UTF-8; method=REQUEST",
			Content:  []byte("BEGIN:VCALENDAR\r\nMETHOD:REQUEST\r\nEND:VCALENDAR\r\n"),
		},
	}
}

func newTestSMTPSender(port int, timeout time.Duration) *SMTPSender {
	return NewSMTPSender(config.Mail{
		Host:    "127.0.0.1",
		Port:    port,
		Timeout: timeout,
	}, zap.NewNop().Sugar())
}

func TestSMTPSenderAccepted(t *testing.T) {
	srv := startFakeSMTP(t, nil, false)
	s := newTestSMTPSender(srv.port(), 5*time.Second)

	res, err := s.Send(context.Background(), testMessage("ana@example.com"))
	require.NoError(t, err)
	assert.Equal(t, []string{"ana@example.com"}, res.Accepted)
	assert.Empty(t, res.Rejected)

	msgs := srv.received()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "Subject: Room booking: R1")
	assert.Contains(t, msgs[0], "ana@example.com")
	assert.Contains(t, msgs[0], "Content-Type: text/calendar; method=REQUEST; charset=UTF-8")
	assert.Contains(t, msgs[0], "Content-Type: text/calendar; charset=UTF-8; method=REQUEST")
	assert.Contains(t, msgs[0], "invite.ics")
}

func TestSMTPSenderRecipientRefusals(t *testing.T) {
	srv := startFakeSMTP(t, map[string]string{
		"gone@example.com": "550 no such user",
		"busy@example.com": "451 try again later",
	}, false)
	s := newTestSMTPSender(srv.port(), 5*time.Second)

	t.Run("permanent refusal is a rejection", func(t *testing.T) {
		res, err := s.Send(context.Background(), testMessage("gone@example.com"))
		require.NoError(t, err)
		assert.Equal(t, []string{"gone@example.com"}, res.Rejected)
		assert.Empty(t, res.Accepted)
	})

	t.Run("temporary refusal is an error", func(t *testing.T) {
		_, err := s.Send(context.Background(), testMessage("busy@example.com"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "451")
	})

	assert.Empty(t, srv.received())
}

func TestSMTPSenderTimeout(t *testing.T) {
	srv := startFakeSMTP(t, nil, true)
	s := newTestSMTPSender(srv.port(), 200*time.Millisecond)

	start := time.Now()
	_, err := s.Send(context.Background(), testMessage("ana@example.com"))
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestSMTPSenderUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	s := newTestSMTPSender(port, time.Second)
	_, err = s.Send(context.Background(), testMessage("ana@example.com"))
	assert.ErrorContains(t, err, "smtp dial")
}

func TestComposeRejectsBadMimeType(t *testing.T) {
	msg := testMessage("ana@example.com")
	msg.Attachment.MimeType = "text/calendar; ="
	_, err := compose(msg)
	assert.Error(t, err)
}
