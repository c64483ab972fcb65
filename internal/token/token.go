// Package token mints the short-lived pipeline-admin JWTs the schedulers use
// when posting events on behalf of a pipeline.
package token

import (
	"context"
	"fmt"
	"time"

	"github.com/coocood/freecache"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/screwdriver-cd/queue-broker/internal/util"
)

// PipelineFactory resolves pipelines from the control plane.
type PipelineFactory interface {
	Get(ctx context.Context, pipelineID int64) (Pipeline, error)
}

type Pipeline interface {
	FirstAdmin(ctx context.Context) (string, error)
}

const (
	cacheSizeBytes = 1 * 1024 * 1024
	tokenLifetime  = 2 * time.Hour
	// cached tokens drop out a minute early so a fetched token is never
	// already expired when used
	cacheSlack = time.Minute
)

type Minter struct {
	factory PipelineFactory
	secret  []byte
	cache   *freecache.Cache
}

func NewMinter(factory PipelineFactory, secret string) (*Minter, error) {
	if factory == nil {
		return nil, fmt.Errorf("pipeline factory is required")
	}
	if secret == "" {
		return nil, fmt.Errorf("token secret is required")
	}
	return &Minter{
		factory: factory,
		secret:  []byte(secret),
		cache:   freecache.NewCache(cacheSizeBytes),
	}, nil
}

// AdminToken returns a signed JWT for the pipeline's first admin, cached per
// pipeline until shortly before expiry.
func (m *Minter) AdminToken(ctx context.Context, pipelineID int64) (string, error) {
	key := []byte(util.GetAdminTokenKey(pipelineID))
	if cached, err := m.cache.Get(key); err == nil {
		return string(cached), nil
	}

	pipeline, err := m.factory.Get(ctx, pipelineID)
	if err != nil {
		return "", fmt.Errorf("failed to look up pipeline %d: %w", pipelineID, err)
	}
	username, err := pipeline.FirstAdmin(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to resolve admin for pipeline %d: %w", pipelineID, err)
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"username":   username,
		"scope":      []string{"user"},
		"pipelineId": pipelineID,
		"iat":        now.Unix(),
		"exp":        now.Add(tokenLifetime).Unix(),
		"jti":        uuid.NewString(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign admin token: %w", err)
	}

	ttl := int((tokenLifetime - cacheSlack).Seconds())
	_ = m.cache.Set(key, []byte(signed), ttl)
	return signed, nil
}
