package flowapi

import (
	"regexp"
	"time"

	"github.com/mikey/mailflow-ingest/internal/core"
)

// The Flow API exposes two shapes: POS notifications from the automated
// sender carry a phone number and go to the POS endpoint; everything else
// goes to the generic email endpoint. The classification predicate and both
// payload builders live here so the closed set stays together.

type strategy struct {
	endpoint string
	build    func(msg *core.EmailMessage, attachmentURLs []string) any
}

func (c *Client) strategyFor(msg *core.EmailMessage) strategy {
	if c.classifier.IsAutomated(msg.From) {
		return strategy{endpoint: c.opts.AutomatedEndpoint, build: buildAutomatedPayload}
	}
	return strategy{endpoint: c.opts.DefaultEndpoint, build: buildDefaultPayload}
}

var payloadPhonePattern = regexp.MustCompile(`#(\d+)#`)

type automatedPayload struct {
	Phone      string `json:"phone"`
	Subject    string `json:"subject"`
	Message    string `json:"message"`
	Source     string `json:"source"`
	ReceivedAt string `json:"receivedAt"`
	MessageID  string `json:"messageId"`
}

func buildAutomatedPayload(msg *core.EmailMessage, _ []string) any {
	phone := "unknown"
	if m := payloadPhonePattern.FindStringSubmatch(msg.Subject); m != nil {
		phone = m[1]
	}
	return &automatedPayload{
		Phone:      phone,
		Subject:    msg.Subject,
		Message:    msg.TextBody,
		Source:     "pos",
		ReceivedAt: msg.ReceivedAt.UTC().Format(time.RFC3339),
		MessageID:  msg.MessageID,
	}
}

type defaultPayload struct {
	Subject     string   `json:"subject"`
	From        string   `json:"from"`
	To          []string `json:"to"`
	Cc          []string `json:"cc,omitempty"`
	TextBody    string   `json:"textBody"`
	HTMLBody    string   `json:"htmlBody,omitempty"`
	ReceivedAt  string   `json:"receivedAt"`
	MessageID   string   `json:"messageId"`
	Attachments []string `json:"attachments,omitempty"`
}

func buildDefaultPayload(msg *core.EmailMessage, attachmentURLs []string) any {
	return &defaultPayload{
		Subject:     msg.Subject,
		From:        msg.From,
		To:          msg.To,
		Cc:          msg.Cc,
		TextBody:    msg.TextBody,
		HTMLBody:    msg.HTMLBody,
		ReceivedAt:  msg.ReceivedAt.UTC().Format(time.RFC3339),
		MessageID:   msg.MessageID,
		Attachments: attachmentURLs,
	}
}
