package imapbox

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/mail"

	"github.com/mikey/mailflow-ingest/internal/core"
)

// messageFromBuffer builds an InboundMessage from a fetched buffer:
// envelope attributes plus the parsed MIME body.
func messageFromBuffer(buf *imapclient.FetchMessageBuffer, section *imap.FetchItemBodySection) (*core.InboundMessage, error) {
	msg := &core.InboundMessage{
		UID: uint32(buf.UID),
	}

	if buf.Envelope != nil {
		msg.MessageID = buf.Envelope.MessageID
		msg.Subject = buf.Envelope.Subject
		msg.ReceivedAt = buf.Envelope.Date

		if len(buf.Envelope.From) > 0 {
			msg.From = buf.Envelope.From[0].Addr()
		}
		for _, to := range buf.Envelope.To {
			msg.To = append(msg.To, to.Addr())
		}
		for _, cc := range buf.Envelope.Cc {
			msg.Cc = append(msg.Cc, cc.Addr())
		}
	}

	rawBody := buf.FindBodySection(section)
	if rawBody == nil {
		return nil, fmt.Errorf("message UID %d has no body section", buf.UID)
	}

	textBody, htmlBody, attachments, err := parseMIMEBody(rawBody)
	if err != nil {
		return nil, err
	}
	msg.TextBody = textBody
	msg.HTMLBody = htmlBody
	msg.Attachments = attachments

	return msg, nil
}

// parseMIMEBody parses a raw RFC 5322 message and extracts the text/plain
// body, text/html body, and attachment parts with their content.
func parseMIMEBody(raw []byte) (textBody, htmlBody string, attachments []core.InboundAttachment, err error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		// Not a parseable MIME message; treat the whole thing as plain text.
		return string(raw), "", nil, nil
	}
	defer mr.Close()

	for {
		part, partErr := mr.NextPart()
		if partErr == io.EOF {
			break
		}
		if partErr != nil {
			return "", "", nil, fmt.Errorf("reading MIME part: %w", partErr)
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				return "", "", nil, fmt.Errorf("reading inline part: %w", readErr)
			}

			switch {
			case strings.HasPrefix(contentType, "text/plain"):
				textBody = string(body)
			case strings.HasPrefix(contentType, "text/html"):
				htmlBody = string(body)
			}

		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			contentType, _, _ := h.ContentType()

			data, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				return "", "", nil, fmt.Errorf("reading attachment %q: %w", filename, readErr)
			}

			attachments = append(attachments, core.InboundAttachment{
				Filename:    filename,
				ContentType: contentType,
				Data:        data,
			})
		}
	}

	return textBody, htmlBody, attachments, nil
}
