package jobs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arbormail/mailflow/internal/dsn"
	"github.com/arbormail/mailflow/internal/mailparse"
	"github.com/arbormail/mailflow/internal/message"
	"github.com/arbormail/mailflow/internal/notify"
	"github.com/arbormail/mailflow/internal/queue"
	"github.com/arbormail/mailflow/internal/routing"
	"github.com/arbormail/mailflow/internal/srs"
)

// --- fakes -----------------------------------------------------------------

type push struct {
	queue   string
	item    queue.Item
	tracked bool
	opts    *queue.Options
}

type fakeQueue struct {
	pushes []push
	// failTarget makes PushItem fail for the item addressed to this
	// recipient; used for fan-out isolation tests.
	failTarget string
}

func (q *fakeQueue) PushItem(_ context.Context, queueName string, item queue.Item) error {
	if q.failTarget != "" && item.Transport != nil && item.Transport.Target != nil {
		if item.Transport.Target.Original == q.failTarget {
			return errors.New("broker unavailable")
		}
	}
	q.pushes = append(q.pushes, push{queue: queueName, item: item})
	return nil
}

func (q *fakeQueue) PushTrackedItem(_ context.Context, queueName string, item queue.Item, opts *queue.Options) error {
	q.pushes = append(q.pushes, push{queue: queueName, item: item, tracked: true, opts: opts})
	return nil
}

func (q *fakeQueue) byKind(kind queue.Kind) []push {
	var out []push
	for _, p := range q.pushes {
		if p.item.Job == kind {
			out = append(out, p)
		}
	}
	return out
}

type sentNotification struct {
	typ       string
	transport *message.Transport
	target    notify.Target
}

type fakeNotifier struct {
	sent []sentNotification
}

func (n *fakeNotifier) Send(_ context.Context, typ string, transport *message.Transport, target notify.Target, _ json.RawMessage) error {
	n.sent = append(n.sent, sentNotification{typ: typ, transport: transport, target: target})
	return nil
}

func (n *fakeNotifier) byType(typ string) []sentNotification {
	var out []sentNotification
	for _, s := range n.sent {
		if s.typ == typ {
			out = append(out, s)
		}
	}
	return out
}

type fakeParser struct {
	err error
}

func (p *fakeParser) Parse(eml []byte) (*mailparse.Mail, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &mailparse.Mail{Subject: "parsed", Text: string(eml)}, nil
}

type sentMail struct {
	from message.Address
	to   []message.Address
	eml  []byte
}

type fakeRelay struct {
	sent      []sentMail
	bounced   []dsn.Status
	sendErr   error
	bounceErr error
}

func (r *fakeRelay) SendEmail(_ context.Context, from message.Address, to []message.Address, eml []byte) error {
	if r.sendErr != nil {
		return r.sendErr
	}
	r.sent = append(r.sent, sentMail{from: from, to: to, eml: eml})
	return nil
}

func (r *fakeRelay) BounceEmail(_ context.Context, _ message.Transport, status dsn.Status) error {
	if r.bounceErr != nil {
		return r.bounceErr
	}
	r.bounced = append(r.bounced, status)
	return nil
}

type fakeAuthority struct {
	decision routing.Decision
	err      error
	calls    int
	lastURL  string
}

func (a *fakeAuthority) FetchDecision(_ context.Context, _ *routing.Environment, _ message.Transport, directURL string) (routing.Decision, error) {
	a.calls++
	a.lastURL = directURL
	return a.decision, a.err
}

// --- fixture ---------------------------------------------------------------

type fixture struct {
	deps      Deps
	queue     *fakeQueue
	notifier  *fakeNotifier
	parser    *fakeParser
	relay     *fakeRelay
	authority *fakeAuthority
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	router, err := routing.NewResolver(routing.ResolverConfig{
		URI:             "/in/email",
		NotificationURI: "/in/notification",
		Routes: []routing.RouteConfig{{
			Domain:  "static.example",
			Target:  "capture.example",
			Headers: map[string]string{"x-static": "s1"},
		}},
	})
	require.NoError(t, err)

	envs, err := routing.NewEnvironmentResolver(routing.RoutingTableConfig{
		Routes: []routing.EnvRouteConfig{{Env: "prod", Domain: `^.*\.dyn\.example$`}},
		Environments: map[string]routing.Environment{
			"prod": {
				BaseURL:             "https://prod.example",
				RoutingURI:          "/in/routing",
				EmailPostURI:        "/in/email",
				NotificationPostURI: "/in/notification",
				EmailPostHeaders:    map[string]string{"x-env": "e1"},
				ForwardingDomain:    "fwd.example",
				MailServers:         []string{"mx.one.dyn.example"},
			},
		},
	})
	require.NoError(t, err)

	rewriter, err := srs.New("test-secret", 0)
	require.NoError(t, err)

	f := &fixture{
		queue:     &fakeQueue{},
		notifier:  &fakeNotifier{},
		parser:    &fakeParser{},
		relay:     &fakeRelay{},
		authority: &fakeAuthority{},
	}
	f.deps = Deps{
		Queue:     f.queue,
		Notifier:  f.notifier,
		Parser:    f.parser,
		Relay:     f.relay,
		Router:    router,
		Envs:      envs,
		Authority: f.authority,
		Direct:    routing.DirectConfig{"tenant-a": {Headers: map[string]string{"x-direct": "d1"}}},
		SRS:       rewriter,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	return f
}

func (f *fixture) registry() *Registry {
	return NewRegistry(f.deps)
}

const rawMessage = "Subject: hello\r\n\r\nbody\r\n"

func eml64() string {
	return base64.StdEncoding.EncodeToString([]byte(rawMessage))
}

func transportTo(from string, rcpts ...string) *message.Transport {
	t := &message.Transport{
		MailFrom: message.MustAddress(from),
		Headers:  message.Headers{},
	}
	for _, r := range rcpts {
		t.RcptTo = append(t.RcptTo, message.MustAddress(r))
	}
	return t
}

func targeted(from, rcpt string) *message.Transport {
	tr := transportTo(from, rcpt)
	out := tr.WithTarget(tr.RcptTo[0])
	return &out
}

// --- registry --------------------------------------------------------------

func TestRegistryUnknownKindDropped(t *testing.T) {
	f := newFixture(t)
	err := f.registry().Process(context.Background(), queue.QueueMain, queue.Item{Job: queue.Kind("mystery")})
	require.ErrorIs(t, err, queue.ErrDrop)
}
