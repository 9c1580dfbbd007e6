package jobs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/arbormail/mailflow/internal/mailparse"
	"github.com/arbormail/mailflow/internal/message"
	"github.com/arbormail/mailflow/internal/notify"
	"github.com/arbormail/mailflow/internal/queue"
)

// parseHandler is the ingress transition: decode the raw message and fan out
// one ROUTE item per recipient. The message's GUID is minted here if no
// upstream producer supplied one; every descendant item inherits it.
type parseHandler struct {
	deps Deps
}

func (h *parseHandler) Handle(ctx context.Context, item queue.Item) error {
	if item.Transport == nil || item.EML64 == "" {
		return fmt.Errorf("%w: parse item without transport or message", queue.ErrDrop)
	}
	if len(item.Transport.RcptTo) == 0 {
		return fmt.Errorf("%w: parse item without recipients", queue.ErrDrop)
	}

	transport := *item.Transport
	guid := message.ExtractGUID(item.GUID, &transport)
	if guid == "" {
		guid = message.GenerateGUID()
	}
	transport.GUID = guid

	logger := h.deps.Logger.With("job", "parse", "guid", guid)

	mail, parseErr := h.parse(item.EML64)
	if parseErr != nil {
		// Nothing salvageable: tell every original recipient and stop.
		logger.Error("message unparseable", "error", parseErr)
		for _, rcpt := range transport.RcptTo {
			clone := transport.WithTarget(rcpt)
			sendNotification(ctx, h.deps, notify.TypeParseFail, &clone,
				notifyTarget(h.deps, rcpt.Host), nil)
		}
		return nil
	}

	mailJSON, err := json.Marshal(mail)
	if err != nil {
		return fmt.Errorf("encoding parsed mail: %w", err)
	}

	for _, rcpt := range transport.RcptTo {
		clone := transport.WithTarget(rcpt)
		routeItem := queue.Item{
			Job:       queue.KindRoute,
			GUID:      guid,
			EML64:     item.EML64,
			Mail:      mailJSON,
			Transport: &clone,
		}
		if err := h.deps.Queue.PushItem(ctx, queue.QueueRoute, routeItem); err != nil {
			// Isolated: this recipient is reported, siblings proceed.
			logger.Error("enqueueing route job failed",
				"recipient", rcpt.Original,
				"error", err)
			sendNotification(ctx, h.deps, notify.TypeQueueFailRoute, &clone,
				notifyTarget(h.deps, rcpt.Host), nil)
			continue
		}
		logger.Debug("route job enqueued", "recipient", rcpt.Original)
		sendNotification(ctx, h.deps, notify.TypeQueueRoute, &clone,
			notifyTarget(h.deps, rcpt.Host), nil)
	}
	return nil
}

func (h *parseHandler) parse(eml64 string) (*mailparse.Mail, error) {
	eml, err := base64.StdEncoding.DecodeString(eml64)
	if err != nil {
		return nil, fmt.Errorf("decoding base64 message: %w", err)
	}
	return h.deps.Parser.Parse(eml)
}
