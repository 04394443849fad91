// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import "strings"

// Match checks if the topic matches the given filter according to MQTT wildcard rules.
// Rules:
// - '+' matches exactly one level.
// - '#' matches the parent level and any number of child levels; it must be last.
// - topics starting with '$' never match filters starting with a wildcard.
//
// A malformed filter or a topic containing wildcards yields an error rather
// than a plain mismatch.
func Match(topic, filter string) (bool, error) {
	if err := ValidateFilter(filter); err != nil {
		return false, err
	}
	if err := ValidateTopicName(topic); err != nil {
		return false, err
	}
	return match(topic, filter), nil
}

// MatchValid is Match for a filter and topic that were validated earlier.
func MatchValid(topic, filter string) bool {
	return match(topic, filter)
}

func match(topic, filter string) bool {
	if topic == "" || filter == "" {
		return false
	}
	if topic == filter {
		return true
	}

	if topic[0] == '$' && (filter[0] == '+' || filter[0] == '#') {
		return false
	}

	for {
		fLevel, fRest, fMore := strings.Cut(filter, "/")
		if fLevel == "#" {
			return true
		}

		tLevel, tRest, tMore := strings.Cut(topic, "/")
		if fLevel != "+" && fLevel != tLevel {
			return false
		}

		switch {
		case fMore && tMore:
			filter, topic = fRest, tRest
		case !fMore && !tMore:
			return true
		case fMore && !tMore:
			// "a/#" matches "a".
			return fRest == "#"
		default:
			return false
		}
	}
}
