// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		filter      string
		destination string
		want        bool
	}{
		{"a/b/c", "a/b/c", true},
		{"a/b/c", "a/b/d", false},
		{"a/+/c", "a/b/c", true},
		{"a/+/c", "a/b/c/d", false},
		{"a/#", "a/b/c/d", true},
		{"a/#", "a", true},
		{"#", "a/b", true},
		{"a/+", "a", false},
		{"+/+", "a/b", true},
		{"#", "$sys/stats", false},
		{"$sys/#", "$sys/stats", true},
		{"+/stats", "$sys/stats", false},
		{"", "a", false},
		{"a", "", false},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.want, Match(tc.filter, tc.destination), "filter=%q destination=%q", tc.filter, tc.destination)
	}
}

func TestValidateTopicName(t *testing.T) {
	assert.NoError(t, ValidateTopicName("a/b/c"))
	assert.ErrorIs(t, ValidateTopicName(""), ErrInvalidTopicName)
	assert.ErrorIs(t, ValidateTopicName("a/+/b"), ErrInvalidTopicName)
	assert.ErrorIs(t, ValidateTopicName("a/#"), ErrInvalidTopicName)
	assert.ErrorIs(t, ValidateTopicName("a\x00b"), ErrInvalidTopicName)
}

func TestValidateFilter(t *testing.T) {
	assert.NoError(t, ValidateFilter("a/+/c"))
	assert.NoError(t, ValidateFilter("a/#"))
	assert.NoError(t, ValidateFilter("#"))
	assert.ErrorIs(t, ValidateFilter(""), ErrInvalidFilter)
	assert.ErrorIs(t, ValidateFilter("a/#/b"), ErrInvalidFilter)
	assert.ErrorIs(t, ValidateFilter("a/b+/c"), ErrInvalidFilter)
	assert.ErrorIs(t, ValidateFilter("a/b#"), ErrInvalidFilter)
}

func TestRegistry_Resolve(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Add("s1", "sensors/#", "t1"))
	require.NoError(t, r.Add("s2", "sensors/+/temp", "t2"))
	require.NoError(t, r.Add("s3", "other/#", "t3"))

	targets := r.Resolve("sensors/room1/temp")
	assert.Equal(t, []any{"t1", "t2"}, targets)

	targets = r.Resolve("other/x")
	assert.Equal(t, []any{"t3"}, targets)

	assert.Nil(t, r.Resolve("nothing/here"))
}

func TestRegistry_AddRemove(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Add("s1", "a/#", 1))
	assert.Equal(t, 1, r.Len())

	// Re-adding the same name replaces the entry.
	require.NoError(t, r.Add("s1", "b/#", 2))
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, []any{2}, r.Resolve("b/x"))

	r.Remove("s1")
	assert.Equal(t, 0, r.Len())
	assert.Nil(t, r.Resolve("b/x"))

	assert.Error(t, r.Add("bad", "a/#/b", nil))
}
