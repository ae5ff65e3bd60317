package perf

import (
	"context"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/dealdesk-hq/dealdesk/internal/authz"
)

type slowSource struct {
	delay time.Duration
}

func (s slowSource) FetchPermissions(ctx context.Context, userID string) ([]authz.Permission, error) {
	time.Sleep(s.delay)
	return []authz.Permission{authz.PermViewOwnDeals, authz.PermCreateDeal}, nil
}

func (s slowSource) ValidatePermission(ctx context.Context, userID string, perm authz.Permission) (bool, error) {
	time.Sleep(s.delay)
	return true, nil
}

func TestAccessDecisionLatencyTargets(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	cache := authz.NewCache(slowSource{delay: 5 * time.Millisecond}, logger)
	gate := authz.NewGate(cache, logger)
	user := &authz.User{ID: "perf-user", Role: authz.RoleSalesperson}
	opts := authz.Options{RequiredPermissions: []authz.Permission{authz.PermViewOwnDeals}}

	// Warm once so the steady-state samples measure the cache-hit path.
	gate.Decide(context.Background(), user, true, opts)

	scenarios := []struct {
		name      string
		rounds    int
		threshold time.Duration
		run       func()
	}{
		{
			name:      "cached decision",
			rounds:    200,
			threshold: 50 * time.Millisecond,
			run: func() {
				gate.Decide(context.Background(), user, true, opts)
			},
		},
		{
			name:      "server validation",
			rounds:    10,
			threshold: 500 * time.Millisecond,
			run: func() {
				cache.ValidatePermissionWithServer(context.Background(), user, authz.PermViewOwnDeals)
			},
		},
	}

	for _, scenario := range scenarios {
		samples := make([]time.Duration, 0, scenario.rounds)
		for i := 0; i < scenario.rounds; i++ {
			start := time.Now()
			scenario.run()
			samples = append(samples, time.Since(start))
		}
		p95 := percentile95(samples)
		if p95 > scenario.threshold {
			t.Fatalf("%s latency regression: p95=%s threshold=%s", scenario.name, p95, scenario.threshold)
		}
	}
}

func percentile95(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	index := int(float64(len(sorted)-1) * 0.95)
	if index < 0 {
		index = 0
	}
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return sorted[index]
}
