// Package jobs implements the delivery state machine: Parse fans a message
// out per recipient, Route turns a recipient into a delivery decision, Post
// executes a materialized HTTP request, Forward relays onward over SMTP.
// Each handler consumes one work item and produces zero or more new items
// plus a status notification.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/arbormail/mailflow/internal/mailparse"
	"github.com/arbormail/mailflow/internal/message"
	"github.com/arbormail/mailflow/internal/metrics"
	"github.com/arbormail/mailflow/internal/notify"
	"github.com/arbormail/mailflow/internal/queue"
	"github.com/arbormail/mailflow/internal/relay"
	"github.com/arbormail/mailflow/internal/routing"
	"github.com/arbormail/mailflow/internal/srs"
)

// Enqueuer is the slice of the queue manager handlers push new items through.
type Enqueuer interface {
	PushItem(ctx context.Context, queueName string, item queue.Item) error
	PushTrackedItem(ctx context.Context, queueName string, item queue.Item, opts *queue.Options) error
}

// Sender emits status notifications.
type Sender interface {
	Send(ctx context.Context, typ string, transport *message.Transport, target notify.Target, data json.RawMessage) error
}

// DecisionFetcher consults the external routing authority.
type DecisionFetcher interface {
	FetchDecision(ctx context.Context, env *routing.Environment, tr message.Transport, directURL string) (routing.Decision, error)
}

// Deps wires the collaborators every handler draws from. All fields are
// read-only after construction and safe for concurrent use.
type Deps struct {
	Queue     Enqueuer
	Notifier  Sender
	Parser    mailparse.Parser
	Relay     relay.Transmitter
	Router    *routing.Resolver
	Envs      *routing.EnvironmentResolver
	Authority DecisionFetcher
	Direct    routing.DirectConfig
	SRS       *srs.Rewriter
	HTTP      *http.Client
	Logger    *slog.Logger
}

// handler is one state transition of the delivery machine.
type handler interface {
	Handle(ctx context.Context, item queue.Item) error
}

// Registry maps job kinds to handler constructors. It is the closed
// dispatch table behind the queue's Processor: an item whose kind has no
// entry is unprocessable and dropped.
type Registry struct {
	deps     Deps
	handlers map[queue.Kind]func(Deps) handler
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewRegistry builds the registry with the four delivery handlers bound.
func NewRegistry(deps Deps) *Registry {
	if deps.HTTP == nil {
		deps.HTTP = &http.Client{Timeout: 20 * time.Second}
	}
	deps.Logger = deps.Logger.With("component", "jobs")
	return &Registry{
		deps: deps,
		handlers: map[queue.Kind]func(Deps) handler{
			queue.KindParse:   func(d Deps) handler { return &parseHandler{d} },
			queue.KindRoute:   func(d Deps) handler { return &routeHandler{d} },
			queue.KindPost:    func(d Deps) handler { return &postHandler{d} },
			queue.KindForward: func(d Deps) handler { return &forwardHandler{d} },
		},
		metrics: metrics.Get(),
		logger:  deps.Logger,
	}
}

// Process implements queue.Processor.
func (r *Registry) Process(ctx context.Context, queueName string, item queue.Item) error {
	construct, ok := r.handlers[item.Job]
	if !ok {
		r.metrics.JobsDropped.Inc()
		return fmt.Errorf("%w: unknown job kind %q", queue.ErrDrop, item.Job)
	}

	start := time.Now()
	err := construct(r.deps).Handle(ctx, item)
	r.metrics.JobDuration.WithLabelValues(string(item.Job)).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		r.metrics.JobsProcessed.WithLabelValues(string(item.Job), "ok").Inc()
	default:
		r.metrics.JobsFailed.WithLabelValues(string(item.Job)).Inc()
		r.logger.Warn("job failed",
			"job", string(item.Job),
			"queue", queueName,
			"error", err)
	}
	return err
}

// deliveryPayload is the body of a delivery POST: the original message, its
// parsed form and the envelope it arrived under.
type deliveryPayload struct {
	GUID      string             `json:"guid"`
	Transport *message.Transport `json:"transport"`
	Mail      json.RawMessage    `json:"mail,omitempty"`
	EML64     string             `json:"eml64,omitempty"`
}

func encodeDeliveryPayload(guid string, transport *message.Transport, mail json.RawMessage, eml64 string) (json.RawMessage, error) {
	data, err := json.Marshal(deliveryPayload{
		GUID:      guid,
		Transport: transport,
		Mail:      mail,
		EML64:     eml64,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding delivery payload: %w", err)
	}
	return data, nil
}

// notifyTarget assembles the notification destination candidates for a
// recipient host: the static route's notification URL when an explicit route
// matches, and the host's environment.
func notifyTarget(deps Deps, host string) notify.Target {
	var target notify.Target
	if deps.Router != nil && deps.Router.CanSolve(host) {
		if urls := deps.Router.CreateURL(host); urls != nil {
			target.RouteURL = urls.NotificationURL
			target.RouteHeaders = urls.Headers
		}
	}
	if deps.Envs != nil {
		target.Env = deps.Envs.Resolve(host)
	}
	return target
}

// sendNotification is fire-and-forget: a notification failure must never
// fail the job that raised it.
func sendNotification(ctx context.Context, deps Deps, typ string, transport *message.Transport, target notify.Target, data json.RawMessage) {
	if deps.Notifier == nil {
		return
	}
	if err := deps.Notifier.Send(ctx, typ, transport, target, data); err != nil {
		deps.Logger.Error("notification failed",
			"type", typ,
			"transport", transport,
			"error", err)
	}
}
