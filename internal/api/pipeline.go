package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/screwdriver-cd/queue-broker/internal/token"
)

// PipelineFactory resolves pipelines from the control-plane API so the
// token minter can look up pipeline admins.
type PipelineFactory struct {
	http   *http.Client
	apiURI string
	token  string
}

func NewPipelineFactory(apiURI, serviceToken string) *PipelineFactory {
	return &PipelineFactory{
		http:   &http.Client{Timeout: 15 * time.Second},
		apiURI: apiURI,
		token:  serviceToken,
	}
}

func (f *PipelineFactory) Get(ctx context.Context, pipelineID int64) (token.Pipeline, error) {
	return &pipelineHandle{factory: f, id: pipelineID}, nil
}

type pipelineHandle struct {
	factory *PipelineFactory
	id      int64
}

// FirstAdmin fetches the pipeline record and returns its first admin
// username in sorted order, so repeated calls agree on the same user.
func (p *pipelineHandle) FirstAdmin(ctx context.Context) (string, error) {
	url := fmt.Sprintf("%s/v4/pipelines/%d", p.factory.apiURI, p.id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+p.factory.token)

	resp, err := p.factory.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("GET %s returned status %d", url, resp.StatusCode)
	}

	var body struct {
		Admins map[string]bool `json:"admins"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to decode pipeline %d: %w", p.id, err)
	}

	admins := make([]string, 0, len(body.Admins))
	for username, isAdmin := range body.Admins {
		if isAdmin {
			admins = append(admins, username)
		}
	}
	if len(admins) == 0 {
		return "", fmt.Errorf("pipeline %d has no admins", p.id)
	}
	sort.Strings(admins)
	return admins[0], nil
}
