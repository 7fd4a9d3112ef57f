package store

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fhirload/internal/fhir"
)

func testClient(t *testing.T, baseURL string, maxRetries int) *Client {
	t.Helper()
	client, err := NewClient(Config{
		BaseURL:       baseURL,
		MaxRetries:    maxRetries,
		RetryInterval: time.Millisecond,
	})
	require.NoError(t, err)
	return client
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(Config{})
	assert.ErrorContains(t, err, "base URL is required")

	_, err = NewClient(Config{BaseURL: "ftp://example.org"})
	assert.ErrorContains(t, err, "must be http or https")
}

func TestPutByID_Created(t *testing.T) {
	var gotPath, gotContentType string
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotContentType = r.Header.Get("Content-Type")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	client := testClient(t, server.URL+"/fhir", 0)
	result, err := client.PutByID(context.Background(),
		fhir.Identity{Type: "Patient", ID: "p1"},
		[]byte(`{"resourceType": "Patient", "id": "p1"}`))
	require.NoError(t, err)

	assert.Equal(t, OutcomeCreated, result.Outcome)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, "/fhir/Patient/p1", gotPath)
	assert.Equal(t, "application/fhir+json", gotContentType)
	assert.Equal(t, "Patient", gotBody["resourceType"])
}

func TestPutByID_Updated(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := testClient(t, server.URL, 0)
	result, err := client.PutByID(context.Background(),
		fhir.Identity{Type: "Patient", ID: "p1"}, []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, result.Outcome)
}

func TestPutByID_ValidationErrorNotRetried(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"resourceType": "OperationOutcome", "issue": [{"severity": "error"}]}`))
	}))
	defer server.Close()

	client := testClient(t, server.URL, 3)
	result, err := client.PutByID(context.Background(),
		fhir.Identity{Type: "Condition", ID: "c1"}, []byte(`{}`))

	require.Error(t, err)
	assert.True(t, IsValidation(err))
	assert.False(t, IsTransient(err))
	assert.Equal(t, 1, result.Attempts, "validation errors must not be retried")
	assert.Equal(t, int32(1), requests.Load())

	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, http.StatusUnprocessableEntity, validationErr.Status)
	assert.Contains(t, validationErr.Body, "OperationOutcome")
}

func TestPutByID_TransientRetriedThenSucceeds(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	client := testClient(t, server.URL, 5)
	result, err := client.PutByID(context.Background(),
		fhir.Identity{Type: "Patient", ID: "p1"}, []byte(`{}`))
	require.NoError(t, err)

	assert.Equal(t, OutcomeCreated, result.Outcome)
	assert.Equal(t, 3, result.Attempts)
}

func TestPutByID_RetriesExhausted(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := testClient(t, server.URL, 2)
	result, err := client.PutByID(context.Background(),
		fhir.Identity{Type: "Patient", ID: "p1"}, []byte(`{}`))

	require.Error(t, err)
	assert.True(t, IsTransient(err))
	// First attempt plus two retries.
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, int32(3), requests.Load())
}

func TestPutByID_TooManyRequestsIsTransient(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := testClient(t, server.URL, 1)
	result, err := client.PutByID(context.Background(),
		fhir.Identity{Type: "Patient", ID: "p1"}, []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, 2, result.Attempts)
}

func TestPutByID_BasicAuth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok || username != "loader" || password != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	client, err := NewClient(Config{
		BaseURL:  server.URL,
		Username: "loader",
		Password: "secret",
	})
	require.NoError(t, err)

	result, err := client.PutByID(context.Background(),
		fhir.Identity{Type: "Patient", ID: "p1"}, []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, result.Outcome)
}

func TestPutByID_ContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := testClient(t, server.URL, 5)
	_, err := client.PutByID(ctx,
		fhir.Identity{Type: "Patient", ID: "p1"}, []byte(`{}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
