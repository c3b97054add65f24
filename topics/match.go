// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package topics provides destination-name validation, wildcard matching
// and the resolver that maps a published destination to its set of
// subscription targets. The matching algorithm follows MQTT rules: '+'
// matches one level, '#' matches the remainder, and '$'-prefixed
// destinations are only matched by filters that name the '$' level
// explicitly.
package topics

import "strings"

// Match reports whether the destination matches the filter.
func Match(filter, destination string) bool {
	if filter == "" || destination == "" {
		return false
	}
	if filter == destination {
		return true
	}

	filterLevels := strings.Split(filter, "/")
	destLevels := strings.Split(destination, "/")

	// '$' destinations require an explicit, non-wildcard first level.
	if strings.HasPrefix(destination, "$") {
		if filter[0] != '$' {
			return false
		}
		if filterLevels[0] == "+" || filterLevels[0] == "#" {
			return false
		}
	}

	for i, fLevel := range filterLevels {
		// Multi-level wildcard matches the parent and all children.
		if fLevel == "#" {
			return true
		}

		if i >= len(destLevels) {
			return false
		}

		if fLevel == "+" {
			continue
		}

		if fLevel != destLevels[i] {
			return false
		}
	}

	return len(filterLevels) == len(destLevels)
}
