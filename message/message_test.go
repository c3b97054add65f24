// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Validation(t *testing.T) {
	limits := DefaultLimits()

	tests := []struct {
		name        string
		destination string
		payload     []byte
		limits      Limits
		wantErr     error
	}{
		{
			name:        "valid",
			destination: "orders/created",
			payload:     []byte("v"),
			limits:      limits,
		},
		{
			name:        "empty destination",
			destination: "",
			limits:      limits,
			wantErr:     ErrInvalidDestination,
		},
		{
			name:        "embedded NUL",
			destination: "bad\x00topic",
			limits:      limits,
			wantErr:     ErrInvalidDestination,
		},
		{
			name:        "destination too long",
			destination: "abcdef",
			limits:      Limits{MaxDestinationLen: 3, MaxPayloadSize: 10},
			wantErr:     ErrInvalidDestination,
		},
		{
			name:        "payload too large",
			destination: "t",
			payload:     []byte("0123456789AB"),
			limits:      Limits{MaxDestinationLen: 10, MaxPayloadSize: 4},
			wantErr:     ErrPayloadTooLarge,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m, err := New(tc.destination, tc.payload, Options{}, tc.limits)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 1, m.RefCount())
			assert.Equal(t, tc.payload, m.Payload())
		})
	}
}

func TestMessage_PayloadCopied(t *testing.T) {
	src := []byte("original")
	m, err := New("t", src, Options{}, DefaultLimits())
	require.NoError(t, err)

	src[0] = 'X'
	assert.Equal(t, []byte("original"), m.Payload())
}

func TestMessage_RefCounting(t *testing.T) {
	m, err := New("t", []byte("v"), Options{}, DefaultLimits())
	require.NoError(t, err)

	released := false
	m.SetReleaser(func(*Message) { released = true })

	m.Acquire()
	m.Acquire()
	assert.Equal(t, 3, m.RefCount())

	require.NoError(t, m.Release())
	require.NoError(t, m.Release())
	assert.False(t, released)

	require.NoError(t, m.Release())
	assert.True(t, released)
	assert.Nil(t, m.Payload())

	assert.ErrorIs(t, m.Release(), ErrReleased)
}

func TestMessage_Expired(t *testing.T) {
	now := time.Now()

	m, err := New("t", nil, Options{Expiry: now.Add(time.Minute)}, DefaultLimits())
	require.NoError(t, err)
	assert.False(t, m.Expired(now))
	assert.True(t, m.Expired(now.Add(2*time.Minute)))

	noTTL, err := New("t", nil, Options{}, DefaultLimits())
	require.NoError(t, err)
	assert.False(t, noTTL.Expired(now.Add(100*time.Hour)))
}

func TestReliability_String(t *testing.T) {
	assert.Equal(t, "at-most-once", AtMostOnce.String())
	assert.Equal(t, "at-least-once", AtLeastOnce.String())
	assert.Equal(t, "exactly-once", ExactlyOnce.String())
}
