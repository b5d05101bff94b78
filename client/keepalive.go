package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fjelltun/mqwire/mqtt"
	"github.com/fjelltun/mqwire/packets"
	log "github.com/sirupsen/logrus"
)

// startKeepAlive launches the background ping loop for the current
// connection. Called with ioMu held, right after a successful handshake.
func (c *Client) startKeepAlive(period, timeout time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.kaCancel = cancel
	c.mu.Unlock()
	go c.keepAliveLoop(ctx, period, timeout)
}

// keepAliveLoop sleeps for the keepalive period, then exchanges
// PINGREQ/PINGRESP under the same I/O gate as Publish. Any ping failure is
// fatal to the connection; cancellation stops the loop silently.
func (c *Client) keepAliveLoop(ctx context.Context, period, timeout time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := c.ping(period, timeout); err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrNotConnected) {
				// Torn down by Disconnect/Close while the ping
				// was waiting its turn.
				return
			}
			log.Errorf("mqtt: keepalive failed: %v", err)
			c.teardown("keepalive failure: " + err.Error())
			return
		}
	}
}

// ping performs one PINGREQ/PINGRESP exchange. The response wait is bounded
// by the I/O timeout, capped at the keepalive period, so a silent server
// cannot stall the loop indefinitely.
func (c *Client) ping(period, timeout time.Duration) error {
	c.ioMu.Lock()
	defer c.ioMu.Unlock()

	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	conn := c.conn
	c.mu.Unlock()

	wait := timeout
	if wait <= 0 || wait > period {
		wait = period
	}
	conn.SetDeadline(time.Now().Add(wait))
	if _, err := (&packets.PingReq{}).WriteTo(conn); err != nil {
		return err
	}
	pkt, err := packets.Recv(conn)
	if err != nil {
		return err
	}
	if _, ok := pkt.(*packets.PingResp); !ok {
		return fmt.Errorf("%w: expected PINGRESP, got %T", mqtt.ErrProtocol, pkt)
	}
	conn.SetDeadline(time.Time{})
	return nil
}
