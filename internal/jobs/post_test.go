package jobs

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbormail/mailflow/internal/message"
	"github.com/arbormail/mailflow/internal/queue"
)

func TestPostExecutesRequestVerbatim(t *testing.T) {
	f := newFixture(t)

	var gotMethod, gotHeader, gotUser, gotPass string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotHeader = r.Header.Get("x-api-key")
		gotUser, gotPass, _ = r.BasicAuth()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	item := queue.Item{
		Job:  queue.KindPost,
		GUID: "email_post",
		Request: &message.Request{
			URL:     srv.URL + "/in/email",
			Method:  "PUT",
			Headers: map[string]string{"x-api-key": "k1"},
			Auth:    &message.Auth{Username: "u", Password: "p"},
			Data:    []byte(`{"guid":"email_post"}`),
		},
	}

	err := f.registry().Process(context.Background(), "mail-post-0", item)
	require.NoError(t, err)
	assert.Equal(t, "PUT", gotMethod)
	assert.Equal(t, "k1", gotHeader)
	assert.Equal(t, "u", gotUser)
	assert.Equal(t, "p", gotPass)
	assert.JSONEq(t, `{"guid":"email_post"}`, string(gotBody))
}

func TestPostNon2xxIsNotAnError(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	item := queue.Item{Job: queue.KindPost, Request: &message.Request{URL: srv.URL, Data: []byte(`{}`)}}
	err := f.registry().Process(context.Background(), "mail-post-0", item)
	require.NoError(t, err, "the destination answered; replaying will not change its mind")
}

func TestPostTransportErrorRetries(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	item := queue.Item{Job: queue.KindPost, Request: &message.Request{URL: srv.URL, Data: []byte(`{}`)}}
	err := f.registry().Process(context.Background(), "mail-post-0", item)
	require.Error(t, err)
	assert.NotErrorIs(t, err, queue.ErrDrop)
}

func TestPostWithoutRequestDropped(t *testing.T) {
	f := newFixture(t)
	err := f.registry().Process(context.Background(), "mail-post-0", queue.Item{Job: queue.KindPost})
	require.ErrorIs(t, err, queue.ErrDrop)
}
