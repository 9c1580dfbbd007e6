// Package mailparse turns raw RFC 5322 messages into the JSON document that
// delivery POSTs carry alongside the original EML.
package mailparse

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// Attachment is a decoded message attachment.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Size        int    `json:"size"`
	Content     []byte `json:"content"`
}

// Mail is the parsed, JSON-safe view of a message.
type Mail struct {
	MessageID   string              `json:"messageId,omitempty"`
	Subject     string              `json:"subject,omitempty"`
	From        []string            `json:"from,omitempty"`
	To          []string            `json:"to,omitempty"`
	Cc          []string            `json:"cc,omitempty"`
	Date        time.Time           `json:"date,omitempty"`
	Headers     map[string][]string `json:"headers"`
	Text        string              `json:"text,omitempty"`
	HTML        string              `json:"html,omitempty"`
	Attachments []Attachment        `json:"attachments,omitempty"`
}

// Parser parses raw messages. The concrete implementation is MessageParser;
// the interface exists so handler tests can substitute failures.
type Parser interface {
	Parse(eml []byte) (*Mail, error)
}

// MessageParser implements Parser on go-message's MIME machinery.
type MessageParser struct{}

func NewParser() *MessageParser {
	return &MessageParser{}
}

// ParseBase64 decodes a base64 EML and parses it.
func (p *MessageParser) ParseBase64(eml64 string) (*Mail, error) {
	eml, err := base64.StdEncoding.DecodeString(eml64)
	if err != nil {
		return nil, fmt.Errorf("decoding base64 message: %w", err)
	}
	return p.Parse(eml)
}

func (p *MessageParser) Parse(eml []byte) (*Mail, error) {
	mr, err := mail.CreateReader(bytes.NewReader(eml))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("reading message: %w", err)
	}

	parsed := &Mail{Headers: make(map[string][]string)}

	fields := mr.Header.Fields()
	for fields.Next() {
		text, err := fields.Text()
		if err != nil {
			text = fields.Value()
		}
		key := fields.Key()
		parsed.Headers[key] = append(parsed.Headers[key], text)
	}

	parsed.Subject, _ = mr.Header.Subject()
	parsed.MessageID, _ = mr.Header.MessageID()
	parsed.Date, _ = mr.Header.Date()
	parsed.From = addressStrings(mr.Header, "From")
	parsed.To = addressStrings(mr.Header, "To")
	parsed.Cc = addressStrings(mr.Header, "Cc")

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if message.IsUnknownCharset(err) {
				continue
			}
			return nil, fmt.Errorf("reading message part: %w", err)
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			body, err := io.ReadAll(part.Body)
			if err != nil {
				return nil, fmt.Errorf("reading message body: %w", err)
			}
			contentType, _, _ := h.ContentType()
			if contentType == "text/html" {
				parsed.HTML += string(body)
			} else {
				parsed.Text += string(body)
			}
		case *mail.AttachmentHeader:
			content, err := io.ReadAll(part.Body)
			if err != nil {
				return nil, fmt.Errorf("reading attachment: %w", err)
			}
			filename, _ := h.Filename()
			contentType, _, _ := h.ContentType()
			parsed.Attachments = append(parsed.Attachments, Attachment{
				Filename:    filename,
				ContentType: contentType,
				Size:        len(content),
				Content:     content,
			})
		}
	}

	return parsed, nil
}

func addressStrings(h mail.Header, key string) []string {
	addrs, err := h.AddressList(key)
	if err != nil || len(addrs) == 0 {
		return nil
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.Address)
	}
	return out
}
