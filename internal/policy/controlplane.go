package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/opencane/edge-runtime/internal/metrics"
)

// DevicePolicy is the remote control plane's view of a device's tool
// allow/deny configuration, cached locally with a TTL.
type DevicePolicy struct {
	AllowList    []string `json:"allow_list"`
	BlockedTools []string `json:"blocked_tools"`
}

// ControlPlaneClient fetches per-device tool policy from a remote control
// plane and caches results with a TTL so a flaky or slow control plane
// never blocks a voice turn. It prefers a shared Redis cache (so replicas
// agree) and falls back to an in-process TTL cache.
type ControlPlaneClient struct {
	baseURL  string
	apiToken string
	timeout  time.Duration
	ttl      time.Duration

	http  *http.Client
	redis *redis.Client
	log   zerolog.Logger

	local sync.Map // deviceID -> cacheEntry
}

type cacheEntry struct {
	policy   DevicePolicy
	cachedAt time.Time
}

// NewControlPlaneClient builds a client. redisClient may be nil, in which
// case the in-process cache is used exclusively.
func NewControlPlaneClient(baseURL, apiToken string, timeout, ttl time.Duration, redisClient *redis.Client, log zerolog.Logger) *ControlPlaneClient {
	return &ControlPlaneClient{
		baseURL:  baseURL,
		apiToken: apiToken,
		timeout:  timeout,
		ttl:      ttl,
		http:     &http.Client{Timeout: timeout},
		redis:    redisClient,
		log:      log,
	}
}

// DevicePolicy returns the cached or freshly-fetched tool policy for a
// device. On fetch failure with a stale cache entry present, the stale
// entry is returned rather than failing the turn.
func (c *ControlPlaneClient) DevicePolicy(ctx context.Context, deviceID string) (DevicePolicy, error) {
	if p, ok := c.getCached(ctx, deviceID); ok {
		return p, nil
	}

	policy, err := c.fetch(ctx, deviceID)
	if err != nil {
		if stale, ok := c.getStale(deviceID); ok {
			return stale, nil
		}
		return DevicePolicy{}, err
	}

	c.setCached(ctx, deviceID, policy)
	return policy, nil
}

func (c *ControlPlaneClient) fetch(ctx context.Context, deviceID string) (DevicePolicy, error) {
	if c.baseURL == "" {
		return DevicePolicy{}, nil
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	url := fmt.Sprintf("%s/v1/devices/%s/policy", c.baseURL, deviceID)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return DevicePolicy{}, err
	}
	if c.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return DevicePolicy{}, fmt.Errorf("control plane request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return DevicePolicy{}, fmt.Errorf("control plane returned status %d", resp.StatusCode)
	}

	var policy DevicePolicy
	if err := json.NewDecoder(resp.Body).Decode(&policy); err != nil {
		return DevicePolicy{}, fmt.Errorf("decode control plane response: %w", err)
	}
	return policy, nil
}

func (c *ControlPlaneClient) getCached(ctx context.Context, deviceID string) (DevicePolicy, bool) {
	if c.redis != nil {
		val, err := c.redis.Get(ctx, redisKey(deviceID)).Result()
		switch {
		case err == nil:
			var p DevicePolicy
			if json.Unmarshal([]byte(val), &p) == nil {
				return p, true
			}
			return DevicePolicy{}, false
		case errors.Is(err, redis.Nil):
			return DevicePolicy{}, false
		default:
			// Redis down: recorded, not propagated. The in-process cache
			// below keeps the turn moving.
			metrics.ControlPlaneCacheErrorTotal.Inc()
			c.log.Warn().Err(err).Str("device_id", deviceID).Msg("shared policy cache unavailable, using in-process cache")
		}
	}

	v, ok := c.local.Load(deviceID)
	if !ok {
		return DevicePolicy{}, false
	}
	entry := v.(cacheEntry)
	if time.Since(entry.cachedAt) > c.ttl {
		return DevicePolicy{}, false
	}
	return entry.policy, true
}

func (c *ControlPlaneClient) getStale(deviceID string) (DevicePolicy, bool) {
	v, ok := c.local.Load(deviceID)
	if !ok {
		return DevicePolicy{}, false
	}
	return v.(cacheEntry).policy, true
}

func (c *ControlPlaneClient) setCached(ctx context.Context, deviceID string, policy DevicePolicy) {
	if c.redis != nil {
		if data, err := json.Marshal(policy); err == nil {
			if err := c.redis.Set(ctx, redisKey(deviceID), data, c.ttl).Err(); err != nil {
				metrics.ControlPlaneCacheErrorTotal.Inc()
				c.log.Warn().Err(err).Str("device_id", deviceID).Msg("shared policy cache write failed")
			}
		}
	}
	// Keep the in-process copy too so a Redis outage degrades to stale
	// local data instead of an immediate hard failure.
	c.local.Store(deviceID, cacheEntry{policy: policy, cachedAt: time.Now()})
}

func redisKey(deviceID string) string {
	return "edge-runtime:device-policy:" + deviceID
}
