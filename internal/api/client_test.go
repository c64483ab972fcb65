package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testClient() *Client {
	return NewClientWith(&http.Client{Timeout: time.Second}, 2, time.Millisecond)
}

func TestPostEvent(t *testing.T) {
	var (
		gotPath string
		gotAuth string
		gotBody map[string]any
		calls   int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	err := testClient().PostEvent(context.Background(), srv.URL, "jwt-token", EventRequest{
		PipelineID:   42,
		StartFrom:    "main",
		CauseMessage: "Started by periodic build scheduler",
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
	require.Equal(t, "/v4/events", gotPath)
	require.Equal(t, "Bearer jwt-token", gotAuth)
	require.Equal(t, float64(42), gotBody["pipelineId"])
	require.Equal(t, "main", gotBody["startFrom"])

	creator, ok := gotBody["creator"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "Screwdriver scheduler", creator["name"])
	require.Equal(t, "sd:scheduler", creator["username"])
}

func TestPostEvent_NotFoundIsSuccess(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	err := testClient().PostEvent(context.Background(), srv.URL, "t", EventRequest{PipelineID: 1})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestPostEvent_RetriesOnServerError(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	err := testClient().PostEvent(context.Background(), srv.URL, "t", EventRequest{PipelineID: 1})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestPostEvent_GivesUpAfterRetries(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := testClient().PostEvent(context.Background(), srv.URL, "t", EventRequest{PipelineID: 1})
	require.Error(t, err)
	require.Equal(t, 3, calls) // initial attempt + 2 retries
}

func TestUpdateBuildStatus(t *testing.T) {
	var (
		gotPath   string
		gotMethod string
		gotBody   map[string]string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := testClient().UpdateBuildStatus(context.Background(), srv.URL, 8609, "t", "FROZEN", "Blocked by freeze window")
	require.NoError(t, err)
	require.Equal(t, http.MethodPut, gotMethod)
	require.Equal(t, "/v4/builds/8609", gotPath)
	require.Equal(t, "FROZEN", gotBody["status"])
	require.Equal(t, "Blocked by freeze window", gotBody["statusMessage"])
}

func TestUpdateBuildStatus_NonOKRetries(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		// a 404 is not terminal success for status updates
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	err := testClient().UpdateBuildStatus(context.Background(), srv.URL, 1, "t", "FAILURE", "x")
	require.Error(t, err)
	require.Equal(t, 3, calls)
}

func TestUpdateBuildStats(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := testClient().UpdateBuildStats(context.Background(), srv.URL, 7, "t", map[string]any{"queueEnterTime": "2024-01-01T00:00:00Z"})
	require.NoError(t, err)

	stats, ok := gotBody["stats"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "2024-01-01T00:00:00Z", stats["queueEnterTime"])
}
