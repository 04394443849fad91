// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"fmt"

	"github.com/absmach/mqttengine/packets"
	paho "github.com/eclipse/paho.mqtt.golang/packets"
)

// MQTT 3.1.1 CONNACK return codes.
const (
	connAccepted                 byte = 0x00
	connRefusedProtocolVersion   byte = 0x01
	connRefusedIDRejected        byte = 0x02
	connRefusedServerUnavailable byte = 0x03
	connRefusedBadCredentials    byte = 0x04
	connRefusedNotAuthorized     byte = 0x05
)

// subAckFailure is the 3.1.1 SUBACK failure return code.
const subAckFailure byte = 0x80

// decode converts a packet read by the wire codec into its structured form.
func decode(cp paho.ControlPacket) (packets.ControlPacket, error) {
	switch p := cp.(type) {
	case *paho.ConnectPacket:
		c := &packets.Connect{
			ProtocolVersion: p.ProtocolVersion,
			ClientID:        p.ClientIdentifier,
			CleanSession:    p.CleanSession,
			KeepAlive:       p.Keepalive,
		}
		if p.UsernameFlag {
			c.Username = p.Username
		}
		if p.PasswordFlag {
			c.Password = p.Password
		}
		if p.WillFlag {
			c.Will = &packets.Will{
				Topic:   p.WillTopic,
				Payload: p.WillMessage,
				QoS:     p.WillQos,
				Retain:  p.WillRetain,
			}
		}
		return c, nil
	case *paho.ConnackPacket:
		return &packets.ConnAck{SessionPresent: p.SessionPresent, ReasonCode: packets.ReasonCode(p.ReturnCode)}, nil
	case *paho.PublishPacket:
		return &packets.Publish{
			Dup:      p.Dup,
			QoS:      p.Qos,
			Retain:   p.Retain,
			Topic:    p.TopicName,
			PacketID: p.MessageID,
			Payload:  p.Payload,
		}, nil
	case *paho.PubackPacket:
		return &packets.PubAck{PacketID: p.MessageID}, nil
	case *paho.PubrecPacket:
		return &packets.PubRec{PacketID: p.MessageID}, nil
	case *paho.PubrelPacket:
		return &packets.PubRel{PacketID: p.MessageID}, nil
	case *paho.PubcompPacket:
		return &packets.PubComp{PacketID: p.MessageID}, nil
	case *paho.SubscribePacket:
		if len(p.Topics) != len(p.Qoss) {
			return nil, fmt.Errorf("%w: subscribe carries %d filters and %d QoS values", ErrMalformedPacket, len(p.Topics), len(p.Qoss))
		}
		subs := make([]packets.Subscription, len(p.Topics))
		for i, topic := range p.Topics {
			subs[i] = packets.Subscription{Topic: topic, QoS: p.Qoss[i]}
		}
		return &packets.Subscribe{PacketID: p.MessageID, Subscriptions: subs}, nil
	case *paho.SubackPacket:
		codes := make([]packets.ReasonCode, len(p.ReturnCodes))
		for i, rc := range p.ReturnCodes {
			codes[i] = packets.ReasonCode(rc)
		}
		return &packets.SubAck{PacketID: p.MessageID, ReasonCodes: codes}, nil
	case *paho.UnsubscribePacket:
		return &packets.Unsubscribe{PacketID: p.MessageID, Topics: p.Topics}, nil
	case *paho.UnsubackPacket:
		return &packets.UnsubAck{PacketID: p.MessageID}, nil
	case *paho.PingreqPacket:
		return &packets.PingReq{}, nil
	case *paho.PingrespPacket:
		return &packets.PingResp{}, nil
	case *paho.DisconnectPacket:
		return &packets.Disconnect{}, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedPacket, cp)
	}
}

// encode converts a structured packet into its 3.1.1 wire form. Fields that
// only exist in MQTT 5.0 are dropped.
func encode(pkt packets.ControlPacket) (paho.ControlPacket, error) {
	switch p := pkt.(type) {
	case *packets.ConnAck:
		cp := paho.NewControlPacket(paho.Connack).(*paho.ConnackPacket)
		cp.ReturnCode = connAckReturnCode(p.ReasonCode)
		// A refused connection never reports a present session.
		cp.SessionPresent = p.SessionPresent && cp.ReturnCode == connAccepted
		return cp, nil
	case *packets.Publish:
		cp := paho.NewControlPacket(paho.Publish).(*paho.PublishPacket)
		cp.Dup = p.Dup
		cp.Qos = p.QoS
		cp.Retain = p.Retain
		cp.TopicName = p.Topic
		cp.MessageID = p.PacketID
		cp.Payload = p.Payload
		return cp, nil
	case *packets.PubAck:
		cp := paho.NewControlPacket(paho.Puback).(*paho.PubackPacket)
		cp.MessageID = p.PacketID
		return cp, nil
	case *packets.PubRec:
		cp := paho.NewControlPacket(paho.Pubrec).(*paho.PubrecPacket)
		cp.MessageID = p.PacketID
		return cp, nil
	case *packets.PubRel:
		cp := paho.NewControlPacket(paho.Pubrel).(*paho.PubrelPacket)
		cp.MessageID = p.PacketID
		return cp, nil
	case *packets.PubComp:
		cp := paho.NewControlPacket(paho.Pubcomp).(*paho.PubcompPacket)
		cp.MessageID = p.PacketID
		return cp, nil
	case *packets.SubAck:
		cp := paho.NewControlPacket(paho.Suback).(*paho.SubackPacket)
		cp.MessageID = p.PacketID
		cp.ReturnCodes = make([]byte, len(p.ReasonCodes))
		for i, rc := range p.ReasonCodes {
			cp.ReturnCodes[i] = subAckReturnCode(rc)
		}
		return cp, nil
	case *packets.UnsubAck:
		cp := paho.NewControlPacket(paho.Unsuback).(*paho.UnsubackPacket)
		cp.MessageID = p.PacketID
		return cp, nil
	case *packets.PingResp:
		return paho.NewControlPacket(paho.Pingresp), nil
	default:
		// 3.1.1 servers never send CONNECT, SUBSCRIBE, UNSUBSCRIBE,
		// PINGREQ or DISCONNECT.
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPacket, packets.Name(pkt))
	}
}

func connAckReturnCode(rc packets.ReasonCode) byte {
	switch rc {
	case packets.Success:
		return connAccepted
	case packets.UnsupportedProtocolVersion:
		return connRefusedProtocolVersion
	case packets.ClientIdentifierNotValid:
		return connRefusedIDRejected
	case packets.BadUserNameOrPassword:
		return connRefusedBadCredentials
	case packets.NotAuthorized, packets.Banned:
		return connRefusedNotAuthorized
	default:
		return connRefusedServerUnavailable
	}
}

func subAckReturnCode(rc packets.ReasonCode) byte {
	if rc.IsError() {
		return subAckFailure
	}
	return byte(rc)
}
