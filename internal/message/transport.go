package message

import (
	"log/slog"
	"strings"
)

// Transport is the envelope metadata threaded through every work item: the
// sender, the recipient set before fan-out or the single target after, the
// decoded headers and the optional idempotency token. Treated as an immutable
// value; derivations go through WithTarget and friends, which copy.
type Transport struct {
	MailFrom  Address   `json:"mail_from"`
	RcptTo    []Address `json:"rcpt_to,omitempty"`
	Target    *Address  `json:"target,omitempty"`
	Headers   Headers   `json:"headers,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	GUID      string    `json:"guid,omitempty"`
	Bounced   bool      `json:"bounced,omitempty"`
}

// WithTarget returns a per-recipient clone: the recipient list is replaced by
// the single target and the reserved routing headers survive verbatim. Every
// item downstream of the parse stage carries exactly one target.
func (t Transport) WithTarget(target Address) Transport {
	out := t
	out.RcptTo = nil
	out.Target = &target
	out.Headers = t.Headers.Clone()
	return out
}

// WithBounced returns a copy tagged as a bounce record.
func (t Transport) WithBounced() Transport {
	out := t
	out.Headers = t.Headers.Clone()
	out.Bounced = true
	return out
}

// Recipients returns the effective recipient set: the single target after
// fan-out, the rcpt_to list before.
func (t Transport) Recipients() []Address {
	if t.Target != nil {
		return []Address{*t.Target}
	}
	return t.RcptTo
}

// LogValue summarizes the transport for structured logs without dumping
// header material.
func (t Transport) LogValue() slog.Value {
	tos := make([]string, 0, len(t.Recipients()))
	for _, a := range t.Recipients() {
		tos = append(tos, a.Original)
	}
	attrs := []slog.Attr{
		slog.String("from", t.MailFrom.Original),
		slog.String("to", strings.Join(tos, ",")),
	}
	if guid := ExtractGUID("", &t); guid != "" {
		attrs = append(attrs, slog.String("guid", guid))
	}
	if id := t.Headers.First("message-id"); id != "" {
		attrs = append(attrs, slog.String("message_id", id))
	}
	return slog.GroupValue(attrs...)
}
