// Package notify emits pipeline event notifications. A notification is not
// sent inline: it is materialized as an outbound POST request and enqueued on
// the notification queue, so notification delivery gets the same retry
// durability as mail delivery.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/arbormail/mailflow/internal/cache"
	"github.com/arbormail/mailflow/internal/message"
	"github.com/arbormail/mailflow/internal/metrics"
	"github.com/arbormail/mailflow/internal/queue"
	"github.com/arbormail/mailflow/internal/routing"
)

// Notification event types.
const (
	TypeQueueRoute        = "in.queue.route"
	TypeQueueFailRoute    = "in.queue.fail.route"
	TypeParseFail         = "in.job.parse.fail.parse"
	TypeQueuePost         = "in.queue.post"
	TypeQueueForward      = "in.queue.forward"
	TypeQueueForwardClose = "in.queue.forward.close"
	TypeQueueBounce       = "in.queue.bounce"
	TypeIgnore            = "in.ignore"
)

// ErrNoGUID rejects a notification that cannot be correlated. Every consumer
// keys on the GUID; an anonymous notification is worse than none.
var ErrNoGUID = errors.New("notification requires a guid")

// ErrNoURL rejects a notification with no destination at any layer.
var ErrNoURL = errors.New("no notification url resolved")

// dedupeTTL bounds how long a (guid, type) pair suppresses repeats.
const dedupeTTL = time.Hour

// Notification is the wire payload POSTed to the notification endpoint.
// Consumers key on these exact field names; changing them breaks every
// subscriber of the side-channel.
type Notification struct {
	Type    string  `json:"notificationType"`
	GUID    string  `json:"guid"`
	Content Content `json:"content"`
	Target  string  `json:"target"`
}

// Content is the notification body: the envelope of the message the event
// concerns plus optional handler-supplied detail.
type Content struct {
	Transport *message.Transport `json:"transport,omitempty"`
	Data      json.RawMessage    `json:"data,omitempty"`
}

// Target carries the per-message destination candidates. Layering, most
// specific wins: the reserved direct-notify header, then the static route's
// notification URL, then the environment's notification endpoint.
type Target struct {
	RouteURL     string
	RouteHeaders map[string]string
	Env          *routing.Environment
}

// Pusher is the slice of the queue manager the notifier needs.
type Pusher interface {
	PushItem(ctx context.Context, queueName string, item queue.Item) error
}

// Notifier builds and enqueues notifications. Callers treat Send as
// fire-and-forget: a notification failure is logged, never allowed to fail
// the job that raised it.
type Notifier struct {
	pusher  Pusher
	cache   cache.Cache
	direct  routing.DirectConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewNotifier(pusher Pusher, c cache.Cache, direct routing.DirectConfig, logger *slog.Logger) *Notifier {
	return &Notifier{
		pusher:  pusher,
		cache:   c,
		direct:  direct,
		logger:  logger.With("component", "notify"),
		metrics: metrics.Get(),
	}
}

// Send enqueues one notification. The GUID is resolved from the transport
// and is mandatory. Duplicate (guid, type) pairs within the dedupe window
// are suppressed; suppression is best-effort and a cache outage fails open.
func (n *Notifier) Send(ctx context.Context, typ string, transport *message.Transport, target Target, data json.RawMessage) error {
	guid := message.ExtractGUID("", transport)
	if guid == "" {
		return ErrNoGUID
	}

	req, err := n.buildRequest(typ, guid, transport, target, data)
	if err != nil {
		return err
	}

	if n.isDuplicate(ctx, guid, typ) {
		n.metrics.NotificationsSuppressed.Inc()
		n.logger.Debug("duplicate notification suppressed", "type", typ, "guid", guid)
		return nil
	}

	item := queue.Item{
		Job:     queue.KindPost,
		GUID:    guid,
		Request: req,
	}
	if err := n.pusher.PushItem(ctx, queue.QueueNotify, item); err != nil {
		return fmt.Errorf("enqueueing notification: %w", err)
	}

	n.metrics.NotificationsSent.WithLabelValues(typ).Inc()
	n.logger.Info("notification enqueued", "type", typ, "guid", guid, "url", req.URL)
	return nil
}

func (n *Notifier) buildRequest(typ, guid string, transport *message.Transport, target Target, data json.RawMessage) (*message.Request, error) {
	host := ""
	if transport != nil && transport.Target != nil {
		host = transport.Target.Host
	}
	payload, err := json.Marshal(Notification{
		Type:    typ,
		GUID:    guid,
		Content: Content{Transport: transport, Data: data},
		Target:  host,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding notification: %w", err)
	}

	req := message.Request{
		Method: "POST",
		Data:   payload,
	}

	if target.RouteURL != "" {
		req.URL = target.RouteURL
		req.Headers = target.RouteHeaders
	} else if target.Env != nil && target.Env.NotificationPostURI != "" {
		req.URL = routing.JoinURL(target.Env.BaseURL, target.Env.NotificationPostURI)
		req.Headers = target.Env.NotificationPostHeaders
		req.Auth = target.Env.NotificationPostAuth
	}

	if transport != nil {
		if o := routing.DirectNotifyOverride(transport.Headers, n.direct); !o.IsZero() {
			req = o.Apply(req)
		}
	}

	if req.URL == "" {
		return nil, ErrNoURL
	}
	return &req, nil
}

// isDuplicate marks the (guid, type) pair seen and reports whether it
// already was.
func (n *Notifier) isDuplicate(ctx context.Context, guid, typ string) bool {
	if n.cache == nil {
		return false
	}
	stored, err := n.cache.SetNX(ctx, "notify:"+guid+":"+typ, "1", dedupeTTL)
	if err != nil {
		n.logger.Warn("notification dedupe cache unavailable", "error", err)
		return false
	}
	return !stored
}
