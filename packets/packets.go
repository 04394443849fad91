// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package packets defines the structured MQTT control packets exchanged
// between the broker engine and a wire codec. Encoding and decoding live in
// the codec; this package only models decoded packets as a closed set of
// types, one per MQTT control packet.
package packets

// Protocol version constants.
const (
	V31  byte = 0x03 // MQTT 3.1
	V311 byte = 0x04 // MQTT 3.1.1
	V5   byte = 0x05 // MQTT 5.0
)

// Packet type constants.
const (
	ConnectType byte = iota + 1 // 0 value is forbidden
	ConnAckType
	PublishType
	PubAckType
	PubRecType
	PubRelType
	PubCompType
	SubscribeType
	SubAckType
	UnsubscribeType
	UnsubAckType
	PingReqType
	PingRespType
	DisconnectType
)

// PacketNames maps packet type constants to string names.
var PacketNames = map[byte]string{
	ConnectType:     "CONNECT",
	ConnAckType:     "CONNACK",
	PublishType:     "PUBLISH",
	PubAckType:      "PUBACK",
	PubRecType:      "PUBREC",
	PubRelType:      "PUBREL",
	PubCompType:     "PUBCOMP",
	SubscribeType:   "SUBSCRIBE",
	SubAckType:      "SUBACK",
	UnsubscribeType: "UNSUBSCRIBE",
	UnsubAckType:    "UNSUBACK",
	PingReqType:     "PINGREQ",
	PingRespType:    "PINGRESP",
	DisconnectType:  "DISCONNECT",
}

// ControlPacket is implemented by every MQTT control packet in this package
// and by nothing else. Consumers switch on the concrete type.
type ControlPacket interface {
	// Type returns the packet type constant.
	Type() byte

	controlPacket()
}

// Name returns the human-readable name of a packet.
func Name(p ControlPacket) string {
	if p == nil {
		return "<nil>"
	}
	if n, ok := PacketNames[p.Type()]; ok {
		return n
	}
	return "UNKNOWN"
}

// RetainHandling controls when retained messages are sent on subscribe.
type RetainHandling byte

const (
	// SendAtSubscribe sends retained messages on every subscribe.
	SendAtSubscribe RetainHandling = iota
	// SendAtSubscribeIfNew sends retained messages only when the filter is new.
	SendAtSubscribeIfNew
	// DoNotSendOnSubscribe never sends retained messages on subscribe.
	DoNotSendOnSubscribe
)

// UserProperty is an MQTT 5.0 user property key-value pair.
type UserProperty struct {
	Key   string
	Value string
}
