package packets

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fjelltun/mqwire/mqtt"
	"github.com/fjelltun/mqwire/x/util"
)

const (
	// Publish flags
	PublishFlagDuplicate uint8 = 0x08
	PublishFlagRetain    uint8 = 0x01

	publishMaskQoS uint8 = 0x06
)

// Publish carries an application message. The packet identifier is present
// on the wire only for QoS levels above 0.
type Publish struct {
	// Flags
	Duplicate bool
	QoS       mqtt.QoS
	Retain    bool

	// Variable header
	TopicName        string
	PacketIdentifier uint16

	Payload []byte
}

// PubAck acknowledges a QoS 1 Publish with a matching packet identifier.
type PubAck struct {
	PacketIdentifier uint16
}

func (p *Publish) MarshalBinary() (b []byte, err error) {
	if p.QoS > mqtt.QoS2 {
		return nil, mqtt.ErrIllegalQoS
	}
	fixedHeader := cmdPublish
	if p.Duplicate {
		fixedHeader |= PublishFlagDuplicate
	}
	fixedHeader |= uint8(p.QoS) << 1
	if p.Retain {
		fixedHeader |= PublishFlagRetain
	}
	remLength := 2 + len(p.TopicName) + len(p.Payload)
	if p.QoS > mqtt.QoS0 {
		// Packet identifier follows the topic name.
		remLength += 2
	}
	var varint [4]byte
	n, err := util.EncodeUvarint(varint[:], uint32(remLength))
	if err != nil {
		return nil, err
	}

	b = make([]byte, 0, 1+n+remLength)
	b = append(b, fixedHeader)
	b = append(b, varint[:n]...)
	if b, err = util.AppendUTF8(b, p.TopicName); err != nil {
		return nil, err
	}
	if p.QoS > mqtt.QoS0 {
		b = append(b, byte(p.PacketIdentifier>>8), byte(p.PacketIdentifier))
	}
	return append(b, p.Payload...), nil
}

func (p *Publish) WriteTo(w io.Writer) (n int64, err error) {
	return writeTo(w, p)
}

func (p *Publish) unmarshal(hdr uint8, body []byte) error {
	p.Duplicate = hdr&PublishFlagDuplicate > 0
	p.Retain = hdr&PublishFlagRetain > 0
	p.QoS = mqtt.QoS((hdr & publishMaskQoS) >> 1)
	if p.QoS > mqtt.QoS2 {
		return fmt.Errorf(
			"%w: publish: illegal QoS flags: 0x%02X", mqtt.ErrProtocol, hdr&0x0F)
	}

	r := bytes.NewReader(body)
	var err error
	if p.TopicName, _, err = util.ReadUTF8(r); err != nil {
		return err
	}
	if p.QoS > mqtt.QoS0 {
		var id [2]byte
		if _, err := io.ReadFull(r, id[:]); err != nil {
			return err
		}
		p.PacketIdentifier = binary.BigEndian.Uint16(id[:])
	}
	p.Payload = make([]byte, r.Len())
	_, err = io.ReadFull(r, p.Payload)
	return err
}

func (p *PubAck) MarshalBinary() (b []byte, err error) {
	return []byte{
		cmdPubAck, 2,
		byte(p.PacketIdentifier >> 8), byte(p.PacketIdentifier),
	}, nil
}

func (p *PubAck) WriteTo(w io.Writer) (n int64, err error) {
	return writeTo(w, p)
}

func (p *PubAck) unmarshal(hdr uint8, body []byte) error {
	if hdr != cmdPubAck {
		return fmt.Errorf(
			"%w: puback: illegal flags: 0x%02X", mqtt.ErrProtocol, hdr&0x0F)
	}
	if len(body) < 2 {
		return mqtt.ErrPacketShort
	} else if len(body) > 2 {
		return mqtt.ErrPacketLong
	}
	p.PacketIdentifier = binary.BigEndian.Uint16(body)
	return nil
}
