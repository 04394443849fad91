// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics_test

import (
	"testing"

	"github.com/absmach/mqttengine/topics"
	"github.com/stretchr/testify/assert"
)

func TestValidateTopicName(t *testing.T) {
	tests := []struct {
		topic   string
		wantErr bool
	}{
		{"valid/topic", false},
		{"/leading", false},
		{"invalid/+", true},
		{"invalid/#", true},
		{"", true},
		{string([]byte{0xFF, 0xFE}), true},
		{"null\u0000char", true},
	}

	for _, tt := range tests {
		err := topics.ValidateTopicName(tt.topic)
		if tt.wantErr {
			assert.ErrorIs(t, err, topics.ErrInvalidTopicName, "topic %q", tt.topic)
			continue
		}
		assert.NoError(t, err, "topic %q", tt.topic)
	}
}

func TestValidateFilter(t *testing.T) {
	tests := []struct {
		filter  string
		wantErr bool
	}{
		{"a/b", false},
		{"+", false},
		{"#", false},
		{"a/+/c", false},
		{"a/#", false},
		{"+/+/#", false},
		{"$SYS/#", false},
		{"a/+b", true},
		{"a+/b", true},
		{"a/#/c", true},
		{"a#", true},
		{"", true},
		{"bad\u0000", true},
	}

	for _, tt := range tests {
		err := topics.ValidateFilter(tt.filter)
		if tt.wantErr {
			assert.ErrorIs(t, err, topics.ErrInvalidTopicFilter, "filter %q", tt.filter)
			continue
		}
		assert.NoError(t, err, "filter %q", tt.filter)
	}
}
