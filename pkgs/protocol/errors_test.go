package protocol

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMatchesSentinelByKind(t *testing.T) {
	err := E(KindAlreadyVoted, "validateRecord", "validator %s already voted on record %d", "0xabc", 7)

	assert.True(t, errors.Is(err, ErrAlreadyVoted))
	assert.False(t, errors.Is(err, ErrRecordNotPending))
	assert.Equal(t, KindAlreadyVoted, KindOf(err))
	assert.Contains(t, err.Error(), "validateRecord")
	assert.Contains(t, err.Error(), "already_voted")
}

func TestKindSurvivesWrapping(t *testing.T) {
	inner := E(KindNotFound, "fetchRecord", "record %d", 42)
	outer := fmt.Errorf("decrypt record: %w", inner)

	assert.True(t, errors.Is(outer, ErrNotFound))
	assert.Equal(t, KindNotFound, KindOf(outer))
}

func TestFromContextIsRetryable(t *testing.T) {
	err := FromContext("encryptInput", context.DeadlineExceeded)
	require.Error(t, err)
	assert.True(t, Retryable(err))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	plain := errors.New("boom")
	assert.Same(t, plain, FromContext("encryptInput", plain))
	assert.False(t, Retryable(E(KindAlreadyVoted, "validateRecord", "")))
}

func TestParseAddress(t *testing.T) {
	addr, err := ParseAddress("0x00000000000000000000000000000000000000a1")
	require.NoError(t, err)
	assert.False(t, IsZero(addr))

	_, err = ParseAddress("0x0000000000000000000000000000000000000000")
	assert.Error(t, err)
	_, err = ParseAddress("not-an-address")
	assert.Error(t, err)
}
