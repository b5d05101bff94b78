// Package mqtt holds the protocol-level types and sentinel errors shared by
// the packet codec and the client.
package mqtt

import (
	"errors"
	"fmt"
)

const (
	QoS0 QoS = 0
	QoS1 QoS = 1
	QoS2 QoS = 2

	// Version definitions
	MQTTv311 Version = 0x04
)

var (
	ErrPacketShort = errors.New("packet malformed: length too short")
	ErrPacketLong  = errors.New("packet malformed: length too long")

	// ErrProtocol is the root of all protocol violations; a wire exchange
	// that wraps it poisons the connection it happened on.
	ErrProtocol = errors.New("protocol violation")

	// ErrConnectionRefused is wrapped by the return-code errors below so
	// callers can tell a broker refusal from a broken transport with a
	// single errors.Is check.
	ErrConnectionRefused = errors.New("connection refused by server")

	ErrConnectBadVersion   = fmt.Errorf("%w: unacceptable protocol version", ErrConnectionRefused)
	ErrConnectIDRejected   = fmt.Errorf("%w: client identifier rejected", ErrConnectionRefused)
	ErrConnectUnavailable  = fmt.Errorf("%w: server unavailable", ErrConnectionRefused)
	ErrConnectCredentials  = fmt.Errorf("%w: bad user name or password", ErrConnectionRefused)
	ErrConnectUnauthorized = fmt.Errorf("%w: not authorized", ErrConnectionRefused)

	// ErrUnsupportedQoS rejects QoS 2 publishes; exactly-once delivery is
	// deliberately out of scope.
	ErrUnsupportedQoS = errors.New("QoS 2 delivery is not supported")

	ErrIllegalQoS = errors.New("illegal QoS value (highest: 2)")
)

// Version is the MQTT protocol level carried in the CONNECT packet.
type Version uint8

// QoS is the delivery guarantee requested for a publish.
type QoS uint8

func (q QoS) String() string {
	switch q {
	case QoS0:
		return "at most once"
	case QoS1:
		return "at least once"
	case QoS2:
		return "exactly once"
	}
	return fmt.Sprintf("invalid QoS (%d)", uint8(q))
}
