package task

import (
	"fmt"
	"strings"
)

// Tier selects the queue subscription set and consumer group for a
// worker process.
type Tier string

// Priority tiers. NORMAL is canonical; MEDIUM is accepted as a legacy
// alias on input.
const (
	TierCritical Tier = "CRITICAL"
	TierHigh     Tier = "HIGH"
	TierNormal   Tier = "NORMAL"
)

var tierQueues = map[Tier][]string{
	TierCritical: {"crawler_backfill_critical", "crawler_realtime_critical"},
	TierHigh:     {"crawler_backfill_high", "crawler_realtime_high", "crawler_backfill_normal"},
	TierNormal:   {"crawler_backfill_normal", "crawler_realtime_normal"},
}

// ParseTier normalizes a tier name, mapping the legacy MEDIUM alias to
// NORMAL.
func ParseTier(s string) (Tier, error) {
	switch Tier(strings.ToUpper(strings.TrimSpace(s))) {
	case TierCritical:
		return TierCritical, nil
	case TierHigh:
		return TierHigh, nil
	case TierNormal, Tier("MEDIUM"):
		return TierNormal, nil
	}
	return "", fmt.Errorf("unknown priority tier %q", s)
}

// Queues returns the subscribed queue names in priority-descending
// order.
func (t Tier) Queues() []string {
	qs := tierQueues[t]
	out := make([]string, len(qs))
	copy(out, qs)
	return out
}

// Group returns the broker consumer-group name for the tier.
func (t Tier) Group() string {
	return "crawler_" + strings.ToLower(string(t))
}
