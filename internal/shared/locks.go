package shared

import (
	"fmt"
	"hash/fnv"

	"github.com/google/uuid"
)

// SequenceLockKey derives the advisory lock key serializing journal sequence
// allocation for one (company, journal type, period) scope. The key must be
// stable across processes; the lock is taken with pg_advisory_xact_lock so it
// shares the transaction boundary with the sequence read and header insert.
func SequenceLockKey(companyID uuid.UUID, journalType, period string) int64 {
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "journal-seq:%s:%s:%s", companyID, journalType, period)
	return int64(h.Sum64())
}
