package packets

import (
	"fmt"
	"io"

	"github.com/fjelltun/mqwire/mqtt"
)

// PingReq is the client-side half of the keepalive exchange.
type PingReq struct{}

// PingResp is the server's answer to a PingReq.
type PingResp struct{}

func (p *PingReq) MarshalBinary() (b []byte, err error) {
	return []byte{cmdPingReq, 0}, nil
}

func (p *PingReq) WriteTo(w io.Writer) (n int64, err error) {
	return writeTo(w, p)
}

func (p *PingReq) unmarshal(hdr uint8, body []byte) error {
	if hdr != cmdPingReq {
		return fmt.Errorf(
			"%w: pingreq: illegal flags: 0x%02X", mqtt.ErrProtocol, hdr&0x0F)
	}
	if len(body) > 0 {
		return mqtt.ErrPacketLong
	}
	return nil
}

func (p *PingResp) MarshalBinary() (b []byte, err error) {
	return []byte{cmdPingResp, 0}, nil
}

func (p *PingResp) WriteTo(w io.Writer) (n int64, err error) {
	return writeTo(w, p)
}

func (p *PingResp) unmarshal(hdr uint8, body []byte) error {
	if hdr != cmdPingResp {
		return fmt.Errorf(
			"%w: pingresp: illegal flags: 0x%02X", mqtt.ErrProtocol, hdr&0x0F)
	}
	if len(body) > 0 {
		return mqtt.ErrPacketLong
	}
	return nil
}
