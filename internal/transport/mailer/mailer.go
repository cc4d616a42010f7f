// Package mailer delivers rendered invitation emails. The dispatch worker only sees Sender;
// the concrete transport is picked from configuration at startup.
package mailer

import (
	"context"
	"fmt"
	"strings"

	"roombooking/pkg/config"
	"roombooking/pkg/httpclient"

	"go.uber.org/zap"
)

type Attachment struct {
	Filename string
	MimeType string
	Content  []byte
}

type Message struct {
	From       string
	To         string
	ToName     string
	Subject    string
	TextBody   string
	Attachment Attachment
}

// Result lists recipients the server took and the ones it refused outright.
type Result struct {
	Accepted []string `json:"accepted"`
	Rejected []string `json:"rejected"`
}

type Sender interface {
	Send(ctx context.Context, msg Message) (Result, error)
}

func New(conf config.Mail, hc config.HTTPClient, logger *zap.SugaredLogger) (Sender, error) {
	switch strings.ToLower(conf.Transport) {
	case "smtp":
		return NewSMTPSender(conf, logger), nil
	case "http":
		return NewRelaySender(conf.RelayURL, httpclient.NewClient(hc), logger), nil
	default:
		return nil, fmt.Errorf("unknown mail transport %q", conf.Transport)
	}
}
