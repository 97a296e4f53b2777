package genmqtt

import (
	"github.com/eclipse/paho.golang/packets"
)

func buildConnectPacket(cfg *Config, isInitialConn bool) *packets.ControlPacket {
	cp := packets.NewControlPacket(packets.CONNECT)
	connect := cp.Content.(*packets.Connect)

	connect.ProtocolVersion = cfg.ProtocolVersion
	connect.ClientID = cfg.ClientID
	connect.KeepAlive = uint16(cfg.KeepAlive.Seconds())

	// Only apply the user setting for the initial connection; reconnections
	// resume the existing session.
	connect.CleanStart = cfg.CleanSession && isInitialConn

	if cfg.Username != "" {
		connect.UsernameFlag = true
		connect.Username = cfg.Username
	}
	if len(cfg.Password) != 0 {
		connect.PasswordFlag = true
		connect.Password = cfg.Password
	}

	if will := cfg.Will; will != nil {
		connect.WillFlag = true
		connect.WillTopic = will.Topic
		connect.WillMessage = will.Payload
		connect.WillQOS = byte(will.QoS)
		connect.WillRetain = will.Retain
	}

	return cp
}

func buildSubscribePacket(
	packetID uint16,
	subs []Subscription,
) *packets.ControlPacket {
	cp := packets.NewControlPacket(packets.SUBSCRIBE)
	subscribe := cp.Content.(*packets.Subscribe)

	subscribe.PacketID = packetID
	for _, sub := range subs {
		subscribe.Subscriptions = append(
			subscribe.Subscriptions,
			packets.SubOptions{
				Topic: sub.Filter,
				QoS:   byte(sub.QoS),
			},
		)
	}
	return cp
}

func buildUnsubscribePacket(
	packetID uint16,
	filters []string,
) *packets.ControlPacket {
	cp := packets.NewControlPacket(packets.UNSUBSCRIBE)
	unsubscribe := cp.Content.(*packets.Unsubscribe)

	unsubscribe.PacketID = packetID
	unsubscribe.Topics = filters
	return cp
}

func buildPublishPacket(
	packetID uint16,
	topic string,
	payload []byte,
	qos QoS,
) *packets.ControlPacket {
	cp := packets.NewControlPacket(packets.PUBLISH)
	publish := cp.Content.(*packets.Publish)

	publish.PacketID = packetID
	publish.Topic = topic
	publish.Payload = payload
	publish.QoS = byte(qos)
	return cp
}

func buildPubackPacket(packetID uint16) *packets.ControlPacket {
	cp := packets.NewControlPacket(packets.PUBACK)
	cp.Content.(*packets.Puback).PacketID = packetID
	return cp
}

func buildPingreqPacket() *packets.ControlPacket {
	return packets.NewControlPacket(packets.PINGREQ)
}

func buildDisconnectPacket(
	reasonCode byte,
	reasonString string,
) *packets.ControlPacket {
	cp := packets.NewControlPacket(packets.DISCONNECT)
	disconnect := cp.Content.(*packets.Disconnect)

	disconnect.ReasonCode = reasonCode
	disconnect.Properties = &packets.Properties{
		ReasonString: reasonString,
	}
	return cp
}
