package jobs

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/arbormail/mailflow/internal/dsn"
	"github.com/arbormail/mailflow/internal/message"
	"github.com/arbormail/mailflow/internal/metrics"
	"github.com/arbormail/mailflow/internal/notify"
	"github.com/arbormail/mailflow/internal/queue"
)

// forwardHandler relays a message onward over SMTP with the envelope sender
// rewritten via SRS, so bounces of the forwarded copy return here instead of
// leaking to the original sender's domain. Errors propagate; the queue's
// retry policy governs forwarding.
type forwardHandler struct {
	deps Deps
}

func (h *forwardHandler) Handle(ctx context.Context, item queue.Item) error {
	if item.Transport == nil || item.Transport.Target == nil || item.EML64 == "" {
		return fmt.Errorf("%w: forward item without target or message", queue.ErrDrop)
	}

	transport := *item.Transport
	target := *transport.Target
	logger := h.deps.Logger.With("job", "forward", "guid", item.GUID, "recipient", target.Original)

	if h.deps.Envs.MailServers()[target.Host] {
		// The recipient domain is one of our own relays; forwarding there
		// would loop the message straight back into the pipeline.
		logger.Warn("refusing to forward to an internal mail server")
		if err := h.deps.Relay.BounceEmail(ctx, transport,
			dsn.BadDestinationSystem("cannot forward to internal mail server "+target.Host)); err != nil {
			return fmt.Errorf("bouncing message: %w", err)
		}
		metrics.Get().BouncesTotal.Inc()
		sendNotification(ctx, h.deps, notify.TypeQueueBounce, &transport,
			notifyTarget(h.deps, target.Host), nil)
		return nil
	}

	env := h.deps.Envs.Resolve(target.Host)
	if env == nil || env.ForwardingDomain == "" {
		return fmt.Errorf("no forwarding domain for %s", target.Host)
	}

	eml, err := base64.StdEncoding.DecodeString(item.EML64)
	if err != nil {
		return fmt.Errorf("%w: decoding message: %v", queue.ErrDrop, err)
	}

	from := transport.MailFrom
	if !from.IsNull() {
		rewritten, err := h.deps.SRS.Forward(from.User, from.Host)
		if err != nil {
			return fmt.Errorf("rewriting sender: %w", err)
		}
		from = message.NewAddressParts(rewritten, env.ForwardingDomain)
	}

	if err := h.deps.Relay.SendEmail(ctx, from, []message.Address{target}, eml); err != nil {
		return fmt.Errorf("forwarding message: %w", err)
	}

	metrics.Get().ForwardsTotal.Inc()
	logger.Info("message forwarded", "sender", from.Original)
	return nil
}
