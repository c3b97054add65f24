// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAllowWithinBurst(t *testing.T) {
	l := NewPublishLimiter(1, 3, time.Minute)
	defer l.Stop()

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("c1"), "burst slot %d", i)
	}
	assert.False(t, l.Allow("c1"))

	// Clients are limited independently.
	assert.True(t, l.Allow("c2"))
}

func TestDisabledLimiter(t *testing.T) {
	l := NewPublishLimiter(0, 0, time.Minute)
	defer l.Stop()

	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow("c"))
	}
}

func TestForget(t *testing.T) {
	l := NewPublishLimiter(1, 1, time.Minute)
	defer l.Stop()

	assert.True(t, l.Allow("c"))
	assert.False(t, l.Allow("c"))

	// Forgetting resets the bucket.
	l.Forget("c")
	assert.True(t, l.Allow("c"))
}
