package utils

import (
	"context"

	"github.com/cespare/xxhash/v2"
)

// AdvisoryKey folds s into the int4 domain expected by the two-key form of
// pg_advisory_xact_lock. The mapping is stable across processes and releases.
func AdvisoryKey(s string) int32 {
	h := xxhash.Sum64String(s)
	return int32(uint32(h) ^ uint32(h>>32))
}

// AdvisoryXactLock takes a transaction-scoped advisory lock on (a, b).
// The lock is released by commit or rollback.
func AdvisoryXactLock(ctx context.Context, q DBTX, a, b string) error {
	_, err := q.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1, $2)`, AdvisoryKey(a), AdvisoryKey(b))
	return err
}
