package jobs

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"

	"github.com/arbormail/mailflow/internal/dsn"
	"github.com/arbormail/mailflow/internal/message"
	"github.com/arbormail/mailflow/internal/metrics"
	"github.com/arbormail/mailflow/internal/notify"
	"github.com/arbormail/mailflow/internal/queue"
	"github.com/arbormail/mailflow/internal/routing"
)

// routeHandler turns a single recipient into a delivery action. The decision
// ladder, first hit wins:
//
//  1. static route      -> tracked POST to the configured target
//  2. unknown domain    -> bounce as unauthorized
//  3. bounce/DSN sender -> SRS-reverse relay + tracked bounce record POST
//  4. dynamic domain    -> ask the routing authority for post/forward/bounce
type routeHandler struct {
	deps Deps
}

func (h *routeHandler) Handle(ctx context.Context, item queue.Item) error {
	if item.Transport == nil || item.Transport.Target == nil {
		return fmt.Errorf("%w: route item without a target", queue.ErrDrop)
	}

	transport := *item.Transport
	target := *transport.Target
	guid := message.ExtractGUID(item.GUID, &transport)
	logger := h.deps.Logger.With("job", "route", "guid", guid, "recipient", target.Original)

	if h.deps.Router.CanSolve(target.Host) {
		return h.routeStatic(ctx, logger, item, transport, guid)
	}

	env := h.deps.Envs.Resolve(target.Host)
	if env == nil {
		logger.Warn("no route and no environment, bouncing")
		return h.bounce(ctx, item, transport, guid,
			dsn.SecurityUnauthorized("no delivery destination for "+target.Original))
	}

	if transport.MailFrom.User == "" {
		return h.routeBounceRecord(ctx, logger, item, transport, env, guid)
	}

	return h.routeDynamic(ctx, logger, item, transport, env, guid)
}

// routeStatic is the terminal static path: the domain router names the
// destination, no authority is consulted.
func (h *routeHandler) routeStatic(ctx context.Context, logger *slog.Logger, item queue.Item, transport message.Transport, guid string) error {
	target := transport.Target
	urls := h.deps.Router.CreateURL(target.Host)

	req, err := h.buildPost(urls.URL, urls.Headers, nil, item, transport, guid)
	if err != nil {
		return err
	}
	if err := h.pushTrackedPost(ctx, req, guid); err != nil {
		return err
	}

	logger.Info("routed statically", "url", req.URL)
	sendNotification(ctx, h.deps, notify.TypeQueuePost, &transport, notify.Target{
		RouteURL:     urls.NotificationURL,
		RouteHeaders: urls.Headers,
		Env:          h.deps.Envs.Resolve(target.Host),
	}, nil)
	return nil
}

// routeBounceRecord handles messages that are themselves bounces: the
// envelope sender has no user part. They never reach the routing authority;
// re-routing a bounce dynamically is how mail loops are born.
func (h *routeHandler) routeBounceRecord(ctx context.Context, logger *slog.Logger, item queue.Item, transport message.Transport, env *routing.Environment, guid string) error {
	target := *transport.Target

	// Best effort: recover the pre-SRS recipient and relay the bounce to
	// them. Failure here must not lose the bounce record below.
	if h.deps.SRS != nil {
		if user, host, err := h.deps.SRS.Reverse(target.User); err == nil {
			original := message.NewAddressParts(user, host)
			if eml, decErr := base64.StdEncoding.DecodeString(item.EML64); decErr == nil {
				if sendErr := h.deps.Relay.SendEmail(ctx, transport.MailFrom, []message.Address{original}, eml); sendErr != nil {
					logger.Error("relaying reversed bounce failed", "original", original.Original, "error", sendErr)
				} else {
					logger.Info("bounce relayed to original sender", "original", original.Original)
				}
			}
		} else {
			logger.Debug("recipient is not SRS-encoded", "error", err)
		}
	}

	bounced := transport.WithBounced()
	req, err := h.buildPost(
		routing.JoinURL(env.BaseURL, env.EmailPostURI),
		env.EmailPostHeaders, env.EmailPostAuth,
		item, bounced, guid)
	if err != nil {
		return err
	}
	if err := h.pushTrackedPost(ctx, req, guid); err != nil {
		return err
	}

	sendNotification(ctx, h.deps, notify.TypeQueueBounce, &bounced,
		notify.Target{Env: env}, nil)
	return nil
}

// routeDynamic consults the routing authority. Its three decision fields are
// independent booleans; post and forward may both fire.
func (h *routeHandler) routeDynamic(ctx context.Context, logger *slog.Logger, item queue.Item, transport message.Transport, env *routing.Environment, guid string) error {
	directURL := routing.DirectRoutingURL(transport.Headers)
	decision, err := h.deps.Authority.FetchDecision(ctx, env, transport, directURL)
	if err != nil {
		return fmt.Errorf("fetching routing decision: %w", err)
	}
	logger.Info("routing decision",
		"post", decision.Post,
		"forward", decision.Forward,
		"bounce", decision.Bounce)

	if decision.Post {
		req, err := h.buildPost(
			routing.JoinURL(env.BaseURL, env.EmailPostURI),
			env.EmailPostHeaders, env.EmailPostAuth,
			item, transport, guid)
		if err != nil {
			return err
		}
		if err := h.pushTrackedPost(ctx, req, guid); err != nil {
			return err
		}
		sendNotification(ctx, h.deps, notify.TypeQueuePost, &transport,
			notify.Target{Env: env}, nil)
	}

	if decision.Forward {
		forwardItem := queue.Item{
			Job:       queue.KindForward,
			GUID:      guid,
			EML64:     item.EML64,
			Transport: &transport,
		}
		if err := h.deps.Queue.PushItem(ctx, queue.QueueForward, forwardItem); err != nil {
			return fmt.Errorf("enqueueing forward job: %w", err)
		}
		typ := notify.TypeQueueForwardClose
		if decision.Post {
			typ = notify.TypeQueueForward
		}
		sendNotification(ctx, h.deps, typ, &transport, notify.Target{Env: env}, nil)
	}

	if decision.Post || decision.Forward {
		return nil
	}

	if decision.Bounce {
		return h.bounce(ctx, item, transport, guid,
			dsn.SecurityUnauthorized("delivery refused for "+transport.Target.Original))
	}

	// Authorized but declined: observable, never silent.
	logger.Info("routing authority declined all actions")
	sendNotification(ctx, h.deps, notify.TypeIgnore, &transport,
		notify.Target{Env: env}, nil)
	return nil
}

func (h *routeHandler) bounce(ctx context.Context, item queue.Item, transport message.Transport, guid string, status dsn.Status) error {
	if err := h.deps.Relay.BounceEmail(ctx, transport, status); err != nil {
		return fmt.Errorf("bouncing message: %w", err)
	}
	metrics.Get().BouncesTotal.Inc()
	sendNotification(ctx, h.deps, notify.TypeQueueBounce, &transport,
		notifyTarget(h.deps, transport.Target.Host), nil)
	return nil
}

// buildPost materializes the delivery POST and applies the per-message
// direct override, which wins over any resolved configuration.
func (h *routeHandler) buildPost(url string, headers map[string]string, auth *message.Auth, item queue.Item, transport message.Transport, guid string) (message.Request, error) {
	data, err := encodeDeliveryPayload(guid, &transport, item.Mail, item.EML64)
	if err != nil {
		return message.Request{}, err
	}
	req := message.Request{
		URL:     url,
		Method:  "POST",
		Headers: headers,
		Auth:    auth,
		Data:    data,
	}
	req = routing.DirectPostOverride(transport.Headers, h.deps.Direct).Apply(req)
	if req.URL == "" {
		return message.Request{}, fmt.Errorf("%w: no delivery url resolved", queue.ErrDrop)
	}
	return req, nil
}

// pushTrackedPost shards the POST by destination URL and enqueues it under
// the short tracked budget with escalation.
func (h *routeHandler) pushTrackedPost(ctx context.Context, req message.Request, guid string) error {
	queueName := queue.HashQueueName(queue.PostQueuePrefix, req.URL)
	item := queue.Item{
		Job:     queue.KindPost,
		GUID:    guid,
		Request: &req,
	}
	if err := h.deps.Queue.PushTrackedItem(ctx, queueName, item, &queue.Options{PushIfFail: true}); err != nil {
		return fmt.Errorf("enqueueing post job: %w", err)
	}
	return nil
}
