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
	// Connect flags
	connectFlagUsername     uint8 = 0x80
	connectFlagPassword     uint8 = 0x40
	connectFlagCleanSession uint8 = 0x02

	connAckFlagSessionPresent uint8 = 0x01

	// ConnAck status codes
	ConnAckAccepted       uint8 = 0x00
	ConnAckBadVersion     uint8 = 0x01
	ConnAckIDNotAllowed   uint8 = 0x02
	ConnAckServerUnavail  uint8 = 0x03
	ConnAckBadCredentials uint8 = 0x04
	ConnAckUnauthorized   uint8 = 0x05
)

var protocolName = []byte{0, 4, 'M', 'Q', 'T', 'T'}

// Connect is the connection request sent as the first packet on a fresh
// transport.
type Connect struct {
	// Version holds the protocol level of this packet (see mqtt package).
	Version mqtt.Version
	// CleanSession forces the server to discard any previous session
	// state and start a new one lasting until the client disconnects.
	CleanSession bool
	// KeepAlive is the maximum interval in seconds the client may remain
	// silent before the server drops the connection. Zero disables the
	// keepalive mechanism.
	KeepAlive uint16

	// ClientID is the client identifier presented to the server.
	ClientID string
	// Username credential; empty means absent.
	Username string
	// Password credential; ignored unless Username is set.
	Password string
}

// ConnAck is the server's response to a Connect.
type ConnAck struct {
	SessionPresent bool
	ReturnCode     uint8
}

// Disconnect is the 2-byte farewell packet; no response is expected.
type Disconnect struct{}

func (c *Connect) MarshalBinary() (b []byte, err error) {
	var flags uint8
	if c.CleanSession {
		flags |= connectFlagCleanSession
	}
	// Variable header: protocol name + level + flags + keepalive.
	remLength := len(protocolName) + 4 + 2 + len(c.ClientID)
	if c.Username != "" {
		flags |= connectFlagUsername
		remLength += 2 + len(c.Username)
		if c.Password != "" {
			flags |= connectFlagPassword
			remLength += 2 + len(c.Password)
		}
	}
	var varint [4]byte
	n, err := util.EncodeUvarint(varint[:], uint32(remLength))
	if err != nil {
		return nil, err
	}

	b = make([]byte, 0, 1+n+remLength)
	b = append(b, cmdConnect)
	b = append(b, varint[:n]...)
	b = append(b, protocolName...)
	b = append(b, uint8(c.Version), flags)
	b = append(b, byte(c.KeepAlive>>8), byte(c.KeepAlive))
	if b, err = util.AppendUTF8(b, c.ClientID); err != nil {
		return nil, err
	}
	if c.Username != "" {
		if b, err = util.AppendUTF8(b, c.Username); err != nil {
			return nil, err
		}
		if c.Password != "" {
			if b, err = util.AppendUTF8(b, c.Password); err != nil {
				return nil, err
			}
		}
	}
	return b, nil
}

func (c *Connect) WriteTo(w io.Writer) (n int64, err error) {
	return writeTo(w, c)
}

func (c *Connect) unmarshal(hdr uint8, body []byte) error {
	if hdr != cmdConnect {
		return fmt.Errorf(
			"%w: connect: illegal flags: 0x%02X", mqtt.ErrProtocol, hdr&0x0F)
	}
	if len(body) < 10 {
		return mqtt.ErrPacketShort
	}
	if !bytes.Equal(body[:6], protocolName) {
		return fmt.Errorf(
			"%w: connect: unknown protocol: %q", mqtt.ErrProtocol, body[2:6])
	}
	switch mqtt.Version(body[6]) {
	case mqtt.MQTTv311:
		c.Version = mqtt.MQTTv311
	default:
		return fmt.Errorf(
			"%w: connect: unknown protocol level: %d", mqtt.ErrProtocol, body[6])
	}
	flags := body[7]
	c.CleanSession = flags&connectFlagCleanSession > 0
	c.KeepAlive = binary.BigEndian.Uint16(body[8:10])

	r := bytes.NewReader(body[10:])
	var err error
	if c.ClientID, _, err = util.ReadUTF8(r); err != nil {
		return err
	}
	if flags&connectFlagUsername > 0 {
		if c.Username, _, err = util.ReadUTF8(r); err != nil {
			return err
		}
		if flags&connectFlagPassword > 0 {
			if c.Password, _, err = util.ReadUTF8(r); err != nil {
				return err
			}
		}
	}
	if r.Len() > 0 {
		return mqtt.ErrPacketLong
	}
	return nil
}

func (c *ConnAck) MarshalBinary() (b []byte, err error) {
	var flags uint8
	if c.SessionPresent {
		flags |= connAckFlagSessionPresent
	}
	return []byte{cmdConnAck, 2, flags, c.ReturnCode}, nil
}

func (c *ConnAck) WriteTo(w io.Writer) (n int64, err error) {
	return writeTo(w, c)
}

func (c *ConnAck) unmarshal(hdr uint8, body []byte) error {
	if hdr != cmdConnAck {
		return fmt.Errorf(
			"%w: connack: illegal flags: 0x%02X", mqtt.ErrProtocol, hdr&0x0F)
	}
	if len(body) < 2 {
		return mqtt.ErrPacketShort
	} else if len(body) > 2 {
		return mqtt.ErrPacketLong
	}
	if body[0] > connAckFlagSessionPresent {
		return fmt.Errorf(
			"%w: connack: illegal flags: 0x%02X", mqtt.ErrProtocol, body[0])
	}
	c.SessionPresent = body[0]&connAckFlagSessionPresent > 0
	c.ReturnCode = body[1]
	return nil
}

// Err maps the return code to the corresponding connection-refused error,
// or nil when the connection was accepted.
func (c *ConnAck) Err() error {
	switch c.ReturnCode {
	case ConnAckAccepted:
		return nil
	case ConnAckBadVersion:
		return mqtt.ErrConnectBadVersion
	case ConnAckIDNotAllowed:
		return mqtt.ErrConnectIDRejected
	case ConnAckServerUnavail:
		return mqtt.ErrConnectUnavailable
	case ConnAckBadCredentials:
		return mqtt.ErrConnectCredentials
	case ConnAckUnauthorized:
		return mqtt.ErrConnectUnauthorized
	}
	return fmt.Errorf("%w: unknown return code %d",
		mqtt.ErrConnectionRefused, c.ReturnCode)
}

func (d *Disconnect) MarshalBinary() (b []byte, err error) {
	return []byte{cmdDisconnect, 0}, nil
}

func (d *Disconnect) WriteTo(w io.Writer) (n int64, err error) {
	return writeTo(w, d)
}

func (d *Disconnect) unmarshal(hdr uint8, body []byte) error {
	if hdr != cmdDisconnect {
		return fmt.Errorf(
			"%w: disconnect: illegal flags: 0x%02X", mqtt.ErrProtocol, hdr&0x0F)
	}
	if len(body) > 0 {
		return mqtt.ErrPacketLong
	}
	return nil
}
