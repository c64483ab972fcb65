// Package api is the outbound caller to the Screwdriver control-plane API.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/screwdriver-cd/queue-broker/internal/tracing"
	"github.com/screwdriver-cd/queue-broker/internal/util"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	creatorName     = "Screwdriver scheduler"
	creatorUsername = "sd:scheduler"
)

type Creator struct {
	Name     string `json:"name"`
	Username string `json:"username"`
}

// EventRequest is the body of POST /v4/events.
type EventRequest struct {
	PipelineID    int64   `json:"pipelineId"`
	StartFrom     string  `json:"startFrom"`
	Creator       Creator `json:"creator"`
	CauseMessage  string  `json:"causeMessage,omitempty"`
	ParentEventID int64   `json:"parentEventId,omitempty"`
	BuildID       int64   `json:"buildId,omitempty"`
}

type Client struct {
	http       *http.Client
	retries    int
	retryDelay time.Duration
}

func NewClient() *Client {
	return NewClientWith(&http.Client{Timeout: 15 * time.Second}, 3, 5*time.Second)
}

func NewClientWith(hc *http.Client, retries int, retryDelay time.Duration) *Client {
	return &Client{http: hc, retries: retries, retryDelay: retryDelay}
}

// PostEvent creates an event. 201 is success; 404 means there is no job to
// start and is also terminal success.
func (c *Client) PostEvent(ctx context.Context, apiURI, token string, req EventRequest) error {
	ctx, span := tracing.Start(ctx, "API/PostEvent")
	defer span.End()
	span.AddEvent("api.context",
		trace.WithAttributes(attribute.Int64("pipelineId", req.PipelineID), attribute.String("startFrom", req.StartFrom)),
	)

	if req.Creator == (Creator{}) {
		req.Creator = Creator{Name: creatorName, Username: creatorUsername}
	}
	body, err := json.Marshal(req)
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}

	url := fmt.Sprintf("%s/v4/events", apiURI)
	err = c.do(ctx, http.MethodPost, url, token, body, func(status int) bool {
		return status == http.StatusCreated || status == http.StatusNotFound
	})
	if err != nil {
		util.RecordSpanError(span, err)
	}
	return err
}

// UpdateBuildStatus sets the build's status and status message.
func (c *Client) UpdateBuildStatus(ctx context.Context, apiURI string, buildID int64, token, status, message string) error {
	ctx, span := tracing.Start(ctx, "API/UpdateBuildStatus")
	defer span.End()
	span.AddEvent("api.context",
		trace.WithAttributes(attribute.Int64("buildId", buildID), attribute.String("status", status)),
	)

	body, err := json.Marshal(map[string]string{
		"status":        status,
		"statusMessage": message,
	})
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}

	url := fmt.Sprintf("%s/v4/builds/%d", apiURI, buildID)
	err = c.do(ctx, http.MethodPut, url, token, body, func(code int) bool {
		return code == http.StatusOK
	})
	if err != nil {
		util.RecordSpanError(span, err)
	}
	return err
}

// UpdateBuildStats merges stats onto the build record.
func (c *Client) UpdateBuildStats(ctx context.Context, apiURI string, buildID int64, token string, stats map[string]any) error {
	ctx, span := tracing.Start(ctx, "API/UpdateBuildStats")
	defer span.End()

	body, err := json.Marshal(map[string]any{"stats": stats})
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}

	url := fmt.Sprintf("%s/v4/builds/%d", apiURI, buildID)
	err = c.do(ctx, http.MethodPut, url, token, body, func(code int) bool {
		return code == http.StatusOK
	})
	if err != nil {
		util.RecordSpanError(span, err)
	}
	return err
}

func (c *Client) do(ctx context.Context, method, url, token string, body []byte, accept func(int) bool) error {
	var lastErr error
	for i := 0; i <= c.retries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retryDelay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()

		if accept(resp.StatusCode) {
			return nil
		}
		lastErr = fmt.Errorf("%s %s returned status %d", method, url, resp.StatusCode)
	}
	return lastErr
}
