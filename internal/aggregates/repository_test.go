package aggregates

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestMissingIDs(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	linked := map[uuid.UUID]struct{}{a: {}, c: {}}

	missing := missingIDs([]uuid.UUID{a, b, c}, linked)
	assert.Equal(t, []uuid.UUID{b}, missing)

	assert.Empty(t, missingIDs([]uuid.UUID{a, c}, linked))

	// Duplicated requests count once.
	missing = missingIDs([]uuid.UUID{b, b, a}, linked)
	assert.Equal(t, []uuid.UUID{b}, missing)

	assert.Equal(t, []uuid.UUID{a, b}, missingIDs([]uuid.UUID{a, b}, nil))
}
