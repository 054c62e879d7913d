package netclient

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ecowatt-edge/firmware/internal/model"
	"github.com/ecowatt-edge/firmware/internal/obslog"
	"github.com/stretchr/testify/require"
)

func TestUploadClientSendSucceedsOnFirstAttempt(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr := NewTransport(srv.URL, "device-1", obslog.New(&bytes.Buffer{}))
	uc := NewUploadClient(tr, time.Second)
	err := uc.Send(context.Background(), model.SecuredEnvelope{})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestUploadClientSendRetriesTransientFailureThenSucceeds(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr := NewTransport(srv.URL, "device-1", obslog.New(&bytes.Buffer{}))
	uc := NewUploadClient(tr, time.Second)
	// each wait outlasts the transport's 500ms per-category self-throttle,
	// so every retry actually reaches the server
	uc.backoff = []time.Duration{600 * time.Millisecond, 600 * time.Millisecond, 600 * time.Millisecond}
	err := uc.Send(context.Background(), model.SecuredEnvelope{})
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

func TestUploadClientSendDoesNotRetryAuthReject(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tr := NewTransport(srv.URL, "device-1", obslog.New(&bytes.Buffer{}))
	uc := NewUploadClient(tr, time.Second)
	uc.backoff = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	err := uc.Send(context.Background(), model.SecuredEnvelope{})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestUploadClientSendGivesUpAfterExhaustingBackoff(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	tr := NewTransport(srv.URL, "device-1", obslog.New(&bytes.Buffer{}))
	uc := NewUploadClient(tr, time.Second)
	uc.backoff = []time.Duration{600 * time.Millisecond, 600 * time.Millisecond, 600 * time.Millisecond}
	err := uc.Send(context.Background(), model.SecuredEnvelope{})
	require.Error(t, err)
	require.Equal(t, 4, calls) // initial + 3 retries
}
