// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packets

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestName(t *testing.T) {
	tests := []struct {
		pkt  ControlPacket
		want string
	}{
		{&Connect{}, "CONNECT"},
		{&Publish{}, "PUBLISH"},
		{&PingResp{}, "PINGRESP"},
		{&Disconnect{}, "DISCONNECT"},
		{nil, "<nil>"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Name(tt.pkt))
	}
}

func TestGrantedQoS(t *testing.T) {
	assert.Equal(t, GrantedQoS0, GrantedQoS(0))
	assert.Equal(t, GrantedQoS1, GrantedQoS(1))
	assert.Equal(t, GrantedQoS2, GrantedQoS(2))
	assert.False(t, GrantedQoS2.IsError())
	assert.True(t, TopicFilterInvalid.IsError())
}

func TestPublishCopy(t *testing.T) {
	orig := &Publish{Topic: "a/b", QoS: 1, PacketID: 7, Payload: []byte("x")}
	cp := orig.Copy()
	cp.Dup = true
	cp.PacketID = 8

	assert.False(t, orig.Dup)
	assert.Equal(t, uint16(7), orig.PacketID)
	assert.Equal(t, "a/b", cp.Topic)
}
