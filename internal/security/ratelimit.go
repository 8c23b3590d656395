package security

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter enforces short-window deployment request limits per project
// ahead of the Deployment Manager's own MAX_DEPLOYS cap, using the same
// Redis token-bucket-by-counter idiom as the old per-company build/deploy
// limiter, keyed on ProjectName instead of companyID since this control
// plane has no company tier above a project.
type RateLimiter struct {
	redis *redis.Client
}

// NewRateLimiter dials redisURL and verifies the connection with a ping.
func NewRateLimiter(redisURL string) (*RateLimiter, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RateLimiter{redis: client}, nil
}

// DeploymentLimits bounds how many deploy requests a project may submit.
type DeploymentLimits struct {
	MaxConcurrent int
	MaxPerMonth   int
}

// CheckAndIncrementDeploymentLimit rejects a deploy request for project
// once either its concurrent or monthly counters are at limits, and
// increments both counters on success. Called by the API Adapter
// immediately before handing the request to the Deployment Manager.
func (rl *RateLimiter) CheckAndIncrementDeploymentLimit(ctx context.Context, project string, limits DeploymentLimits) error {
	concurrentKey := fmt.Sprintf("deployments:concurrent:project:%s", project)
	concurrent, err := rl.redis.Get(ctx, concurrentKey).Int()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to check concurrent deployments: %w", err)
	}

	if concurrent >= limits.MaxConcurrent {
		return fmt.Errorf("concurrent deployment limit reached (%d/%d)", concurrent, limits.MaxConcurrent)
	}

	monthlyKey := fmt.Sprintf("deployments:monthly:project:%s:%s", project, time.Now().Format("200601"))
	monthlyCount, err := rl.redis.Get(ctx, monthlyKey).Int()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to check monthly deployments: %w", err)
	}

	if monthlyCount >= limits.MaxPerMonth {
		return fmt.Errorf("monthly deployment limit reached (%d/%d)", monthlyCount, limits.MaxPerMonth)
	}

	pipe := rl.redis.Pipeline()

	pipe.Incr(ctx, concurrentKey)
	pipe.Expire(ctx, concurrentKey, 2*time.Hour)

	pipe.Incr(ctx, monthlyKey)
	pipe.Expire(ctx, monthlyKey, 60*24*time.Hour)

	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to increment deployment counters: %w", err)
	}

	return nil
}

// DecrementConcurrentDeployments releases one concurrent-deployment slot
// for project, called once its worker leaves BUILDING/LOADING.
func (rl *RateLimiter) DecrementConcurrentDeployments(ctx context.Context, project string) error {
	concurrentKey := fmt.Sprintf("deployments:concurrent:project:%s", project)
	return rl.redis.Decr(ctx, concurrentKey).Err()
}

// Close releases the underlying Redis connection.
func (rl *RateLimiter) Close() error {
	return rl.redis.Close()
}
