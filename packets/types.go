// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packets

var (
	_ ControlPacket = (*Connect)(nil)
	_ ControlPacket = (*ConnAck)(nil)
	_ ControlPacket = (*Publish)(nil)
	_ ControlPacket = (*PubAck)(nil)
	_ ControlPacket = (*PubRec)(nil)
	_ ControlPacket = (*PubRel)(nil)
	_ ControlPacket = (*PubComp)(nil)
	_ ControlPacket = (*Subscribe)(nil)
	_ ControlPacket = (*SubAck)(nil)
	_ ControlPacket = (*Unsubscribe)(nil)
	_ ControlPacket = (*UnsubAck)(nil)
	_ ControlPacket = (*PingReq)(nil)
	_ ControlPacket = (*PingResp)(nil)
	_ ControlPacket = (*Disconnect)(nil)
)

// Will is the will message carried by CONNECT.
type Will struct {
	Topic           string
	Payload         []byte
	QoS             byte
	Retain          bool
	DelayInterval   uint32
	MessageExpiry   *uint32
	PayloadFormat   *byte
	ContentType     string
	ResponseTopic   string
	CorrelationData []byte
	UserProperties  []UserProperty
}

// Connect is the CONNECT packet.
type Connect struct {
	ProtocolVersion       byte
	ClientID              string
	CleanSession          bool // Clean Start in MQTT 5.0
	KeepAlive             uint16
	Username              string
	Password              []byte
	Will                  *Will // nil when the will flag is not set
	SessionExpiryInterval uint32
	ReceiveMaximum        uint16
	TopicAliasMaximum     uint16
	UserProperties        []UserProperty
}

// ConnAck is the CONNACK packet.
type ConnAck struct {
	SessionPresent    bool
	ReasonCode        ReasonCode
	AssignedClientID  string
	ReasonString      string
	TopicAliasMaximum uint16
}

// Publish is the PUBLISH packet.
type Publish struct {
	Dup                     bool
	QoS                     byte
	Retain                  bool
	Topic                   string
	PacketID                uint16
	Payload                 []byte
	TopicAlias              uint16
	MessageExpiry           *uint32
	PayloadFormat           *byte
	ContentType             string
	ResponseTopic           string
	CorrelationData         []byte
	SubscriptionIdentifiers []uint32
	UserProperties          []UserProperty
}

// Copy returns a shallow copy of the packet. Payload and property slices are
// shared; they are never mutated after a packet is built.
func (p *Publish) Copy() *Publish {
	cp := *p
	return &cp
}

// PubAck is the PUBACK packet.
type PubAck struct {
	PacketID     uint16
	ReasonCode   ReasonCode
	ReasonString string
}

// PubRec is the PUBREC packet.
type PubRec struct {
	PacketID     uint16
	ReasonCode   ReasonCode
	ReasonString string
}

// PubRel is the PUBREL packet.
type PubRel struct {
	PacketID   uint16
	ReasonCode ReasonCode
}

// PubComp is the PUBCOMP packet.
type PubComp struct {
	PacketID   uint16
	ReasonCode ReasonCode
}

// Subscription is one topic filter of a SUBSCRIBE packet.
type Subscription struct {
	Topic             string
	QoS               byte
	NoLocal           bool
	RetainAsPublished bool
	RetainHandling    RetainHandling
}

// Subscribe is the SUBSCRIBE packet.
type Subscribe struct {
	PacketID               uint16
	Subscriptions          []Subscription
	SubscriptionIdentifier uint32
	UserProperties         []UserProperty
}

// SubAck is the SUBACK packet.
type SubAck struct {
	PacketID     uint16
	ReasonCodes  []ReasonCode
	ReasonString string
}

// Unsubscribe is the UNSUBSCRIBE packet.
type Unsubscribe struct {
	PacketID       uint16
	Topics         []string
	UserProperties []UserProperty
}

// UnsubAck is the UNSUBACK packet.
type UnsubAck struct {
	PacketID     uint16
	ReasonCodes  []ReasonCode
	ReasonString string
}

// PingReq is the PINGREQ packet.
type PingReq struct{}

// PingResp is the PINGRESP packet.
type PingResp struct{}

// Disconnect is the DISCONNECT packet.
type Disconnect struct {
	ReasonCode            ReasonCode
	ReasonString          string
	SessionExpiryInterval *uint32
}

func (*Connect) Type() byte     { return ConnectType }
func (*ConnAck) Type() byte     { return ConnAckType }
func (*Publish) Type() byte     { return PublishType }
func (*PubAck) Type() byte      { return PubAckType }
func (*PubRec) Type() byte      { return PubRecType }
func (*PubRel) Type() byte      { return PubRelType }
func (*PubComp) Type() byte     { return PubCompType }
func (*Subscribe) Type() byte   { return SubscribeType }
func (*SubAck) Type() byte      { return SubAckType }
func (*Unsubscribe) Type() byte { return UnsubscribeType }
func (*UnsubAck) Type() byte    { return UnsubAckType }
func (*PingReq) Type() byte     { return PingReqType }
func (*PingResp) Type() byte    { return PingRespType }
func (*Disconnect) Type() byte  { return DisconnectType }

func (*Connect) controlPacket()     {}
func (*ConnAck) controlPacket()     {}
func (*Publish) controlPacket()     {}
func (*PubAck) controlPacket()      {}
func (*PubRec) controlPacket()      {}
func (*PubRel) controlPacket()      {}
func (*PubComp) controlPacket()     {}
func (*Subscribe) controlPacket()   {}
func (*SubAck) controlPacket()      {}
func (*Unsubscribe) controlPacket() {}
func (*UnsubAck) controlPacket()    {}
func (*PingReq) controlPacket()     {}
func (*PingResp) controlPacket()    {}
func (*Disconnect) controlPacket()  {}
