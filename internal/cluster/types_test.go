package cluster

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestClientDocumentID tests the document id exchange call
func TestClientDocumentID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/doc-id", r.URL.Path)
		_ = json.NewEncoder(w).Encode(DocumentIDResponse{DocumentID: "doc-123"})
	}))
	defer server.Close()

	client := NewClient(time.Second)

	id, err := client.DocumentID(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, "doc-123", id)

	// Base addresses without a scheme default to http
	id, err = client.DocumentID(context.Background(), strings.TrimPrefix(server.URL, "http://")+"/")
	require.NoError(t, err)
	assert.Equal(t, "doc-123", id)
}

// TestClientDocumentIDEmpty tests that an empty id is rejected
func TestClientDocumentIDEmpty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(DocumentIDResponse{})
	}))
	defer server.Close()

	_, err := NewClient(time.Second).DocumentID(context.Background(), server.URL)
	assert.Error(t, err)
}

// TestClientIncrement tests the peer trigger call
func TestClientIncrement(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/increment", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		_ = json.NewEncoder(w).Encode(IncrementResponse{Output: 42})
	}))
	defer server.Close()

	out, err := NewClient(0).Increment(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), out)
}

// TestClientErrors tests error handling for bad status codes and transport failures
func TestClientErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "boom", http.StatusInternalServerError)
			},
		},
		{
			name: "redirect status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusMultipleChoices)
			},
		},
		{
			name: "invalid json",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte("{"))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			_, err := NewClient(time.Second).Increment(context.Background(), server.URL)
			assert.Error(t, err)
		})
	}

	t.Run("connection refused", func(t *testing.T) {
		_, err := NewClient(time.Second).Increment(context.Background(), "http://127.0.0.1:1")
		assert.Error(t, err)
	})

	t.Run("context cancelled", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-r.Context().Done()
		}))
		defer server.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := NewClient(0).Increment(ctx, server.URL)
		assert.Error(t, err)
	})
}

// TestPostJSONNilOutput tests that responses can be ignored
func TestPostJSONNilOutput(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "v", body["k"])
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	err := NewClient(time.Second).PostJSON(context.Background(), server.URL, map[string]string{"k": "v"}, nil)
	assert.NoError(t, err)
}
