// Package client implements a minimal MQTT v3.1.1 publishing client:
// CONNECT/CONNACK, QoS 0 and QoS 1 PUBLISH with acknowledgment correlation,
// keepalive pings and clean disconnects over TCP or TLS.
package client

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/fjelltun/mqwire/mqtt"
	"github.com/fjelltun/mqwire/packets"
	log "github.com/sirupsen/logrus"
)

// Client is a single-connection MQTT session. One caller goroutine may use
// Connect/Publish/Disconnect concurrently with the internal keepalive loop;
// the ioMu gate total-orders all wire exchanges so two operations never
// interleave their bytes on the wire.
type Client struct {
	// ioMu is held for the duration of a full request/response exchange,
	// not just a single write.
	ioMu sync.Mutex

	// mu guards the in-memory state below and never blocks on I/O.
	mu        sync.Mutex
	conn      net.Conn
	opts      *Options
	connected bool
	closed    bool
	packetID  uint16
	kaCancel  context.CancelFunc
}

// NewClient initializes a disconnected client. The caller must Connect
// before publishing.
func NewClient() *Client {
	return &Client{}
}

// IsConnected reports whether a connection is currently established.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Connect dials the server described by opts, performs the CONNECT/CONNACK
// handshake and starts the keepalive loop when a keepalive interval is
// configured. Connecting an already connected client is a no-op. On any
// failure the socket is fully cleaned up before Connect returns.
func (c *Client) Connect(ctx context.Context, opts *Options) error {
	if opts == nil {
		return fmt.Errorf("client: nil options")
	}
	c.ioMu.Lock()
	defer c.ioMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	conn, err := dial(ctx, opts)
	if err != nil {
		return err
	}

	connect := &packets.Connect{
		Version:      mqtt.MQTTv311,
		CleanSession: opts.cleanSession,
		KeepAlive:    opts.keepAliveSeconds(),
		ClientID:     opts.clientID,
		Username:     opts.username,
		Password:     opts.password,
	}
	stop := watchCancel(ctx, conn)
	if opts.timeout > 0 {
		conn.SetDeadline(time.Now().Add(opts.timeout))
	}
	if _, err = connect.WriteTo(conn); err == nil {
		var pkt packets.Packet
		if pkt, err = packets.Recv(conn); err == nil {
			if connAck, ok := pkt.(*packets.ConnAck); ok {
				err = connAck.Err()
			} else {
				err = fmt.Errorf("%w: expected CONNACK, got %T",
					mqtt.ErrProtocol, pkt)
			}
		}
	}
	stop()
	if err != nil {
		conn.Close()
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return err
	}
	conn.SetDeadline(time.Time{})

	c.mu.Lock()
	c.conn = conn
	c.opts = opts
	c.connected = true
	// Identifier allocation starts over at 1 on every connection.
	c.packetID = 0
	c.mu.Unlock()

	log.Debugf("mqtt: connected to %s:%d as %q",
		opts.host, opts.port, opts.clientID)
	if opts.onConnected != nil {
		opts.onConnected()
	}
	if opts.keepAlive > 0 {
		c.startKeepAlive(opts.keepAlive, opts.timeout)
	}
	return nil
}

// Publish sends the message to the server. QoS 0 returns once the packet is
// written; QoS 1 blocks until the matching PUBACK arrives. QoS 2 is
// rejected with mqtt.ErrUnsupportedQoS and leaves the connection usable.
// Any I/O or protocol error poisons the connection: the client cleans up,
// fires the Disconnected handler and returns the error. Retrying is the
// caller's responsibility.
func (c *Client) Publish(ctx context.Context, msg *mqtt.Message) error {
	if msg == nil {
		return fmt.Errorf("client: nil message")
	}
	switch msg.QoS() {
	case mqtt.QoS0, mqtt.QoS1:
	case mqtt.QoS2:
		return mqtt.ErrUnsupportedQoS
	default:
		return mqtt.ErrIllegalQoS
	}

	c.ioMu.Lock()
	defer c.ioMu.Unlock()

	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	conn := c.conn
	timeout := c.opts.timeout
	var packetID uint16
	if msg.QoS() == mqtt.QoS1 {
		packetID = c.nextPacketIDLocked()
	}
	c.mu.Unlock()

	pub := &packets.Publish{
		QoS:              msg.QoS(),
		TopicName:        msg.Topic(),
		PacketIdentifier: packetID,
		Payload:          msg.Payload(),
	}
	stop := watchCancel(ctx, conn)
	if timeout > 0 {
		conn.SetDeadline(time.Now().Add(timeout))
	}
	_, err := pub.WriteTo(conn)
	if err == nil && msg.QoS() == mqtt.QoS1 {
		err = awaitPubAck(conn, packetID)
	}
	stop()
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		c.teardown("publish failed: " + err.Error())
		return err
	}
	conn.SetDeadline(time.Time{})
	log.Debugf("mqtt: published %d bytes to %q (%s)",
		len(msg.Payload()), msg.Topic(), msg.QoS())
	return nil
}

// awaitPubAck reads the next packet off the wire and requires it to be the
// PUBACK matching packetID.
func awaitPubAck(conn net.Conn, packetID uint16) error {
	pkt, err := packets.Recv(conn)
	if err != nil {
		return err
	}
	ack, ok := pkt.(*packets.PubAck)
	if !ok {
		return fmt.Errorf("%w: expected PUBACK, got %T", mqtt.ErrProtocol, pkt)
	}
	if ack.PacketIdentifier != packetID {
		return fmt.Errorf("%w: PUBACK packet id %d, expected %d",
			mqtt.ErrProtocol, ack.PacketIdentifier, packetID)
	}
	return nil
}

// Disconnect sends the DISCONNECT packet and tears the connection down.
// The send is best-effort: an I/O failure still results in cleanup.
// Disconnecting an already disconnected client is a no-op and fires no
// notification.
func (c *Client) Disconnect(ctx context.Context) error {
	c.ioMu.Lock()
	defer c.ioMu.Unlock()

	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	conn := c.conn
	timeout := c.opts.timeout
	c.mu.Unlock()

	stop := watchCancel(ctx, conn)
	if timeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	if _, err := (&packets.Disconnect{}).WriteTo(conn); err != nil {
		log.Debugf("mqtt: disconnect send failed: %v", err)
	}
	stop()
	c.teardown("disconnected")
	return nil
}

// Close is an idempotent dispose: it tears down any live connection and
// marks the client unusable. Safe to call multiple times and from any
// state.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.teardown("client closed")
	return nil
}

// teardown is the single cleanup routine every fatal path funnels through:
// stop the keepalive loop, close the transport, flip connected=false and
// fire the Disconnected handler exactly once per transition.
func (c *Client) teardown(reason string) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	conn := c.conn
	c.conn = nil
	cancel := c.kaCancel
	c.kaCancel = nil
	onDisconnected := c.opts.onDisconnected
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	conn.Close()
	log.Debugf("mqtt: disconnected: %s", reason)
	if onDisconnected != nil {
		onDisconnected(reason)
	}
}

// nextPacketIDLocked allocates the next packet identifier. The counter
// wraps around 65535 and skips 0, which is not a valid identifier.
// Callers must hold mu.
func (c *Client) nextPacketIDLocked() uint16 {
	c.packetID++
	if c.packetID == 0 {
		c.packetID = 1
	}
	return c.packetID
}

// watchCancel unblocks pending I/O on conn when ctx is cancelled by moving
// the connection deadline into the past. The returned stop function must be
// called once the exchange completes.
func watchCancel(ctx context.Context, conn net.Conn) (stop func()) {
	if ctx.Done() == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.SetDeadline(time.Unix(1, 0))
		case <-done:
		}
	}()
	return func() { close(done) }
}
