package monitoring

import (
	"context"
	"fmt"
	"strings"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

func (h *HealthChecker) AddRedisCheck(client *redis.Client, timeout time.Duration) {
	h.AddCheck("redis", true, timeout, func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
}

// AddStoreCheck verifies the grant store answers a listing.
func (h *HealthChecker) AddStoreCheck(store ports.GrantStore, timeout time.Duration) {
	h.AddCheck("store", true, timeout, func(ctx context.Context) error {
		_, err := store.ListActive(ctx)
		return err
	})
}

type RelayStatusSource interface {
	Status() []domain.RelayStatus
}

// AddRelayCheck degrades the service while any source is marked
// unavailable.
func (h *HealthChecker) AddRelayCheck(relays RelayStatusSource) {
	h.AddCheck("relay", false, time.Second, func(context.Context) error {
		var down []string
		for _, st := range relays.Status() {
			if st.State == domain.RelayUnavailable {
				down = append(down, string(st.SourceID))
			}
		}
		if len(down) > 0 {
			return fmt.Errorf("sources unavailable: %s", strings.Join(down, ","))
		}
		return nil
	})
}

type HubStats interface {
	ControlCount() int
}

// AddHubCheck fails once the number of control channels passes limit,
// which points at connections that are never cleaned up.
func (h *HealthChecker) AddHubCheck(hub HubStats, limit int) {
	h.AddCheck("hub", false, time.Second, func(context.Context) error {
		if n := hub.ControlCount(); limit > 0 && n > limit {
			return fmt.Errorf("%d control channels open, limit %d", n, limit)
		}
		return nil
	})
}
