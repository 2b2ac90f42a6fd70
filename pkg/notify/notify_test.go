package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/argos-ci/argos-pipeline/pkg/config"
	"github.com/argos-ci/argos-pipeline/pkg/notify"
)

func TestWebhook(t *testing.T) {
	var got notify.Event

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(srv.Close)

	log, _ := test.NewNullLogger()
	n := notify.NewWebhook(log, srv.URL, time.Second)

	require.NoError(t, n.Notify(context.Background(), notify.Event{
		BuildID:          3,
		Status:           "diffDetected",
		StatusChangeType: notify.ChangeCompleted,
		Kind:             "diff-detected",
	}))

	assert.Equal(t, uint(3), got.BuildID)
	assert.Equal(t, "diff-detected", got.Kind)
}

func TestWebhook_Non2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	log, _ := test.NewNullLogger()
	err := notify.NewWebhook(log, srv.URL, 0).Notify(context.Background(), notify.Event{})
	require.ErrorContains(t, err, "unexpected status 502")
}

func TestLog(t *testing.T) {
	log, hook := test.NewNullLogger()

	require.NoError(t, notify.NewLog(log).Notify(context.Background(), notify.Event{
		BuildID:     1,
		Kind:        "queued",
		Description: "Build is queued",
	}))

	require.Len(t, hook.Entries, 1)
	assert.Equal(t, "Build is queued", hook.LastEntry().Message)
	assert.Equal(t, "queued", hook.LastEntry().Data["kind"])
	assert.Equal(t, logrus.InfoLevel, hook.LastEntry().Level)
}

type recorder struct {
	events []notify.Event
	err    error
}

func (r *recorder) Notify(_ context.Context, ev notify.Event) error {
	r.events = append(r.events, ev)

	return r.err
}

func TestMulti(t *testing.T) {
	first := &recorder{err: errors.New("slack down")}
	second := &recorder{}

	err := notify.Multi(first, second).Notify(context.Background(), notify.Event{BuildID: 9})
	require.ErrorContains(t, err, "slack down")

	assert.Len(t, first.events, 1)
	assert.Len(t, second.events, 1, "later notifiers still run")

	require.NoError(t, notify.Multi().Notify(context.Background(), notify.Event{}))
}

func TestNew(t *testing.T) {
	log, hook := test.NewNullLogger()

	n := notify.New(log, &config.NotificationsConfig{Log: true})
	require.NoError(t, n.Notify(context.Background(), notify.Event{Description: "hello"}))
	assert.Len(t, hook.Entries, 1)
}
