// SPDX-License-Identifier: MIT

package smsdispatch

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

const stickyCacheTTL = 30 * 24 * time.Hour

// stickyKey builds the cache key for a (tenant, phone-hash, pool-size) sticky
// selection. Pool size is part of the key so that a pool resize (adding or
// removing a from-number) naturally invalidates stale selections instead of
// indexing out of range.
func stickyKey(tenantID, phoneHash string, poolSize int) string {
	return fmt.Sprintf("sticky:%s:%s:%d", tenantID, phoneHash, poolSize)
}

// stickyIndex deterministically maps (tenantID, phoneHash) onto an index in
// [0, poolSize) via a stable hash, independent of process restarts — the
// same input always yields the same index with no cache warm needed
// (spec.md §5 "cache warms from the same input").
func stickyIndex(tenantID, phoneHash string, poolSize int) int {
	sum := sha256.Sum256([]byte(tenantID + ":" + phoneHash))
	n := binary.BigEndian.Uint64(sum[:8])
	return int(n % uint64(poolSize))
}

// selectFromNumber chooses a from-number for (tenantID, phoneHash) out of
// pool. Single-number pools skip selection. A cached index is honored only
// while it still points inside the current pool; otherwise selection is
// recomputed and recached (covers both the pool-size key rollover and a
// pool replacement that shrank without changing size).
func (d *Dispatcher) selectFromNumber(ctx context.Context, tenantID, phoneHash string, pool []string) string {
	if len(pool) == 0 {
		return ""
	}
	if len(pool) == 1 {
		return pool[0]
	}

	key := stickyKey(tenantID, phoneHash, len(pool))
	if d.stickyCache != nil {
		if v, ok := d.stickyCache.Get(key); ok {
			if idx, ok := v.(int); ok && idx >= 0 && idx < len(pool) {
				return pool[idx]
			}
		}
	}

	idx := stickyIndex(tenantID, phoneHash, len(pool))
	if d.stickyCache != nil {
		d.stickyCache.Set(key, idx, stickyCacheTTL)
	}
	return pool[idx]
}

// reselectFromNumber is used when the previously sticky number was removed
// from the pool mid-session (spec.md §9 open question 3: reselect, don't
// stay stuck to a dead number). It evicts the cached index before
// reselecting against the remaining pool.
func (d *Dispatcher) reselectFromNumber(ctx context.Context, tenantID, phoneHash string, pool []string) string {
	if d.stickyCache != nil {
		d.stickyCache.Delete(stickyKey(tenantID, phoneHash, len(pool)+1))
		d.stickyCache.Delete(stickyKey(tenantID, phoneHash, len(pool)))
	}
	return d.selectFromNumber(ctx, tenantID, phoneHash, pool)
}
