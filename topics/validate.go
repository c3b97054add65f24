// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// Validation errors.
var (
	ErrInvalidTopicName = errors.New("invalid topic name: contains wildcards or illegal characters")
	ErrInvalidFilter    = errors.New("invalid topic filter")
)

// ValidateTopicName checks a publish destination: no wildcards, valid
// UTF-8, no NUL characters.
func ValidateTopicName(topic string) error {
	if topic == "" {
		return ErrInvalidTopicName
	}
	if strings.ContainsAny(topic, "+#") {
		return ErrInvalidTopicName
	}
	if !utf8.ValidString(topic) {
		return ErrInvalidTopicName
	}
	if strings.Contains(topic, "\x00") {
		return ErrInvalidTopicName
	}
	return nil
}

// ValidateFilter checks a subscription filter: wildcards permitted, '#'
// only as the final level, '+' only as a whole level.
func ValidateFilter(filter string) error {
	if filter == "" || !utf8.ValidString(filter) || strings.Contains(filter, "\x00") {
		return ErrInvalidFilter
	}

	levels := strings.Split(filter, "/")
	for i, level := range levels {
		if level == "#" {
			if i != len(levels)-1 {
				return ErrInvalidFilter
			}
			continue
		}
		if strings.Contains(level, "#") {
			return ErrInvalidFilter
		}
		if level != "+" && strings.Contains(level, "+") {
			return ErrInvalidFilter
		}
	}
	return nil
}
