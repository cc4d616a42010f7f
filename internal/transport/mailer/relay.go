package mailer

import (
	"context"
	"fmt"
	"net/http"

	"roombooking/pkg/httpclient"

	"go.uber.org/zap"
)

type relayAttachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Content     []byte `json:"content"` // base64 on the wire
}

type relayRequest struct {
	From        string            `json:"from"`
	To          string            `json:"to"`
	ToName      string            `json:"toName,omitempty"`
	Subject     string            `json:"subject"`
	Text        string            `json:"text"`
	Attachments []relayAttachment `json:"attachments,omitempty"`
}

// RelaySender hands messages to an HTTP mail relay that answers with
// {"accepted": [...], "rejected": [...]}. Each Send is exactly one request.
type RelaySender struct {
	url    string
	client httpclient.HTTPClient
	logger *zap.SugaredLogger
}

func NewRelaySender(url string, client httpclient.HTTPClient, logger *zap.SugaredLogger) *RelaySender {
	return &RelaySender{url: url, client: client, logger: logger}
}

func (r *RelaySender) Send(ctx context.Context, msg Message) (Result, error) {
	body := relayRequest{
		From:    msg.From,
		To:      msg.To,
		ToName:  msg.ToName,
		Subject: msg.Subject,
		Text:    msg.TextBody,
	}
	if len(msg.Attachment.Content) > 0 {
		body.Attachments = []relayAttachment{{
			Filename:    msg.Attachment.Filename,
			ContentType: msg.Attachment.MimeType,
			Content:     msg.Attachment.Content,
		}}
	}

	var res Result
	status, err := httpclient.DoJSON(ctx, r.client, http.MethodPost, r.url, body, &res)
	if err != nil {
		return Result{}, fmt.Errorf("mail relay: %w", err)
	}
	r.logger.Debugf("[to: %s] relay answered %d, accepted=%d rejected=%d", msg.To, status, len(res.Accepted), len(res.Rejected))

	return res, nil
}
