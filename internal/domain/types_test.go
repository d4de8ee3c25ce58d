package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTaskRecordRemaining(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rec := TaskRecord{FireAt: now.Add(50 * time.Second)}
	assert.Equal(t, 50*time.Second, rec.Remaining(now))
	assert.Equal(t, time.Duration(0), rec.Remaining(now.Add(time.Minute)))
}

func TestImmunityRecordActive(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rec := ImmunityRecord{ExpiresAt: now.Add(time.Second)}
	assert.True(t, rec.Active(now))
	assert.False(t, rec.Active(now.Add(time.Second)))
}

func TestSubjectKey(t *testing.T) {
	key := SubjectKey("guild-1", "user-9")
	assert.Equal(t, "guild-1:user-9", key)

	scope, actor := SplitSubject(key)
	assert.Equal(t, "guild-1", scope)
	assert.Equal(t, "user-9", actor)

	scope, actor = SplitSubject("lonely")
	assert.Empty(t, scope)
	assert.Equal(t, "lonely", actor)
}
