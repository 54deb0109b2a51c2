package dberr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_IsMatchesKind(t *testing.T) {
	cause := errors.New("boom")
	err := New(KindQueryFailed, "residents.list", "restricted", cause)

	assert.True(t, errors.Is(err, ErrQueryFailed))
	assert.False(t, errors.Is(err, ErrQueryTimeout))
	assert.True(t, errors.Is(err, cause), "original cause stays reachable")
}

func TestKindOf_Wrapped(t *testing.T) {
	err := fmt.Errorf("loading dashboard: %w", New(KindPoolExhausted, "pool.get", "elevated", nil))

	assert.Equal(t, KindPoolExhausted, KindOf(err))
	assert.True(t, IsPoolExhausted(err))
	assert.False(t, IsConfiguration(err))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
}

func TestError_Message(t *testing.T) {
	err := New(KindConfiguration, "backend.open", "elevated", errors.New("missing secret"))
	assert.Equal(t, "backend.open: configuration_error (class=elevated): missing secret", err.Error())

	assert.Equal(t, "query_timeout", (&Error{Kind: KindQueryTimeout}).Error())
}

func TestHelpers(t *testing.T) {
	assert.True(t, IsConnectionTimeout(New(KindConnectionTimeout, "", "", nil)))
	assert.True(t, IsQueryTimeout(New(KindQueryTimeout, "", "", nil)))
	assert.True(t, IsQueryFailed(New(KindQueryFailed, "", "", nil)))
	assert.True(t, IsConfiguration(New(KindConfiguration, "", "", nil)))
}
