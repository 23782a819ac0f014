// Package budget implements admission control and post-hoc accounting
// decrements against per-project counters stored in Redis.
package budget

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// defaultCheckTimeout is used when New is given a zero duration.
const defaultCheckTimeout = 200 * time.Millisecond

// checkScript performs the fail-closed admission read atomically: an absent
// key is treated as remaining = 0 rather than "no limit".
var checkScript = redis.NewScript(`
	local v = redis.call('GET', KEYS[1])
	if v == false then
		return -1
	end
	return tonumber(v)
`)

func remainingKey(projectID string) string { return "budget:" + projectID + ":remaining" }
func usageKey(projectID string) string     { return "usage:" + projectID + ":total" }

// Manager is the BudgetManager: admission check and unconditional accounting
// decrement/increment against a shared Redis instance.
type Manager struct {
	rdb          *redis.Client
	checkTimeout time.Duration
}

// New wraps an already-connected Redis client. The client is process-wide and
// owned by the caller's lifecycle, not by Manager. A zero checkTimeout falls
// back to defaultCheckTimeout.
func New(rdb *redis.Client, checkTimeout time.Duration) *Manager {
	if checkTimeout <= 0 {
		checkTimeout = defaultCheckTimeout
	}
	return &Manager{rdb: rdb, checkTimeout: checkTimeout}
}

// Check returns true iff the project has at least estimate tokens remaining.
// Absence of the budget key is fail-closed (treated as zero). The call never
// blocks longer than the configured timeout; a timeout is treated as a
// rejection, never as an admission.
func (m *Manager) Check(ctx context.Context, projectID string, estimate int64) bool {
	cctx, cancel := context.WithTimeout(ctx, m.checkTimeout)
	defer cancel()

	remaining, err := checkScript.Run(cctx, m.rdb, []string{remainingKey(projectID)}).Int64()
	if err != nil {
		return false
	}
	if remaining < 0 {
		// Key absent — fail closed.
		return false
	}
	return remaining >= estimate
}

// Record atomically decrements remaining and increments usage by actual
// tokens, as a single pipelined batch so a concurrent reader observes either
// both updates or neither. The call is unconditional: it runs regardless of
// what Check previously returned, because accounting reflects real spend.
func (m *Manager) Record(ctx context.Context, projectID string, actualTokens int64) error {
	pipe := m.rdb.TxPipeline()
	pipe.DecrBy(ctx, remainingKey(projectID), actualTokens)
	pipe.IncrBy(ctx, usageKey(projectID), actualTokens)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("budget: record: %w", err)
	}
	return nil
}
