package relay

import (
	"context"
	"io"
	"log/slog"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbormail/mailflow/internal/dsn"
	"github.com/arbormail/mailflow/internal/message"
)

type capturedMail struct {
	from string
	to   []string
	data []byte
}

type captureBackend struct {
	mails chan capturedMail
}

func (b *captureBackend) NewSession(_ *smtp.Conn) (smtp.Session, error) {
	return &captureSession{backend: b}, nil
}

type captureSession struct {
	backend *captureBackend
	mail    capturedMail
}

func (s *captureSession) Mail(from string, _ *smtp.MailOptions) error {
	s.mail.from = from
	return nil
}

func (s *captureSession) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.mail.to = append(s.mail.to, to)
	return nil
}

func (s *captureSession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.mail.data = data
	s.backend.mails <- s.mail
	return nil
}

func (s *captureSession) Reset()        { s.mail = capturedMail{} }
func (s *captureSession) Logout() error { return nil }

func startTestServer(t *testing.T) (Config, chan capturedMail) {
	t.Helper()
	backend := &captureBackend{mails: make(chan capturedMail, 4)}

	srv := smtp.NewServer(backend)
	srv.Domain = "test.example"
	srv.AllowInsecureAuth = true

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	return Config{Host: host, Port: port, Domain: "mailflow.example"}, backend.mails
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitForMail(t *testing.T, mails chan capturedMail) capturedMail {
	t.Helper()
	select {
	case m := <-mails:
		return m
	case <-time.After(3 * time.Second):
		t.Fatal("no mail received")
		return capturedMail{}
	}
}

func TestSendEmail(t *testing.T) {
	cfg, mails := startTestServer(t)
	r := NewSMTPRelay(cfg, testLogger())

	eml := []byte("Subject: hi\r\n\r\nbody\r\n")
	err := r.SendEmail(context.Background(),
		message.MustAddress("alice@origin.example"),
		[]message.Address{message.MustAddress("bob@dest.example")},
		eml)
	require.NoError(t, err)

	got := waitForMail(t, mails)
	assert.Equal(t, "alice@origin.example", got.from)
	assert.Equal(t, []string{"bob@dest.example"}, got.to)
	assert.Contains(t, string(got.data), "Subject: hi")
}

func TestBounceEmail(t *testing.T) {
	cfg, mails := startTestServer(t)
	r := NewSMTPRelay(cfg, testLogger())

	transport := message.Transport{
		MailFrom: message.MustAddress("alice@origin.example"),
		RcptTo:   []message.Address{message.MustAddress("bob@dest.example")},
	}

	err := r.BounceEmail(context.Background(), transport,
		dsn.SecurityUnauthorized("no route for recipient"))
	require.NoError(t, err)

	got := waitForMail(t, mails)
	// Bounces travel under the null reverse-path.
	assert.Empty(t, got.from)
	assert.Equal(t, []string{"alice@origin.example"}, got.to)
	body := string(got.data)
	assert.Contains(t, body, "bob@dest.example")
	assert.Contains(t, body, "550 5.7.1 no route for recipient")
	assert.Contains(t, body, "mailer-daemon@mailflow.example")
}

func TestBounceEmailNullSenderSuppressed(t *testing.T) {
	cfg, mails := startTestServer(t)
	r := NewSMTPRelay(cfg, testLogger())

	null, err := message.NewAddress("<>")
	require.NoError(t, err)
	transport := message.Transport{
		MailFrom: null,
		RcptTo:   []message.Address{message.MustAddress("bob@dest.example")},
	}

	require.NoError(t, r.BounceEmail(context.Background(), transport,
		dsn.BadDestinationSystem("bad destination")))

	select {
	case <-mails:
		t.Fatal("bounce of a bounce must not be sent")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestBounceEmailBouncedTransportSuppressed(t *testing.T) {
	cfg, mails := startTestServer(t)
	r := NewSMTPRelay(cfg, testLogger())

	transport := message.Transport{
		MailFrom: message.MustAddress("alice@origin.example"),
		Bounced:  true,
	}

	require.NoError(t, r.BounceEmail(context.Background(), transport,
		dsn.BadDestinationSystem("bad destination")))

	select {
	case <-mails:
		t.Fatal("already-bounced transport must not bounce again")
	case <-time.After(200 * time.Millisecond):
	}
}
