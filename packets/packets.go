// Package packets implements the MQTT v3.1.1 control packets exchanged by a
// publishing client: CONNECT/CONNACK, PUBLISH/PUBACK, PINGREQ/PINGRESP and
// DISCONNECT.
package packets

import (
	"errors"
	"fmt"
	"io"

	"github.com/fjelltun/mqwire/mqtt"
	"github.com/fjelltun/mqwire/x/util"
)

const (
	cmdConnect    uint8 = 0x10
	cmdConnAck    uint8 = 0x20
	cmdPublish    uint8 = 0x30
	cmdPubAck     uint8 = 0x40
	cmdPingReq    uint8 = 0xC0
	cmdPingResp   uint8 = 0xD0
	cmdDisconnect uint8 = 0xE0
)

// Packet is the encoding interface shared by all control packets.
type Packet interface {
	// WriteTo serializes the packet and writes it to the given writer
	// returning the number of bytes written.
	WriteTo(w io.Writer) (n int64, err error)
	// MarshalBinary serializes the packet to a binary buffer.
	MarshalBinary() (b []byte, err error)
}

// writeTo is the common WriteTo implementation: marshal, then write the
// whole frame in a single call so concurrent writers never interleave.
func writeTo(w io.Writer, p Packet) (int64, error) {
	b, err := p.MarshalBinary()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(b)
	if err == nil && n < len(b) {
		err = io.ErrShortWrite
	}
	return int64(n), err
}

// Recv reads exactly one control packet off the stream: one fixed-header
// byte, the remaining-length varint, then precisely that many body bytes.
// A stream that closes before the full body arrives yields an I/O error
// (io.ErrUnexpectedEOF); malformed frames wrap mqtt.ErrProtocol.
func Recv(r io.Reader) (Packet, error) {
	var hdr [1]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	length, _, err := util.ReadUvarint(r)
	if err != nil {
		if errors.Is(err, util.ErrVarintTooLong) {
			return nil, fmt.Errorf("%w: %w", mqtt.ErrProtocol, err)
		}
		return nil, err
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	var pkt interface {
		Packet
		unmarshal(hdr uint8, body []byte) error
	}
	switch hdr[0] & 0xF0 {
	case cmdConnect:
		pkt = &Connect{}
	case cmdConnAck:
		pkt = &ConnAck{}
	case cmdPublish:
		pkt = &Publish{}
	case cmdPubAck:
		pkt = &PubAck{}
	case cmdPingReq:
		pkt = &PingReq{}
	case cmdPingResp:
		pkt = &PingResp{}
	case cmdDisconnect:
		pkt = &Disconnect{}
	default:
		return nil, fmt.Errorf(
			"%w: invalid command byte: 0x%02X", mqtt.ErrProtocol, hdr[0])
	}
	if err := pkt.unmarshal(hdr[0], body); err != nil {
		return nil, err
	}
	return pkt, nil
}
