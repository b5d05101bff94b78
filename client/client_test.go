package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/fjelltun/mqwire/mqtt"
	"github.com/fjelltun/mqwire/packets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustMessage(t *testing.T, topic string, payload []byte, qos mqtt.QoS) *mqtt.Message {
	msg, err := mqtt.NewMessageBuilder().
		WithTopic(topic).
		WithPayload(payload).
		WithQoS(qos).
		Build()
	require.NoError(t, err)
	return msg
}

func TestConnect(t *testing.T) {
	broker := newMockBroker(t, "127.0.0.1:0")
	gotConnect := make(chan *packets.Connect, 1)
	broker.serve(func(conn net.Conn) {
		if connect := acceptConnect(t, conn, packets.ConnAckAccepted); connect != nil {
			gotConnect <- connect
		}
	})

	connected := make(chan struct{}, 2)
	opts, err := brokerOptions(t, broker).
		WithCleanSession(true).
		WithKeepAlive(0).
		WithConnectedHandler(func() { connected <- struct{}{} }).
		Build()
	require.NoError(t, err)

	c := NewClient()
	defer c.Close()
	require.NoError(t, c.Connect(context.Background(), opts))

	select {
	case connect := <-gotConnect:
		assert.Equal(t, "tester", connect.ClientID)
		assert.True(t, connect.CleanSession)
		assert.Zero(t, connect.KeepAlive)
	case <-time.After(time.Second):
		t.Fatal("broker never received CONNECT")
	}
	assert.True(t, c.IsConnected())
	assert.Len(t, connected, 1)

	// Connecting a connected client is a no-op.
	require.NoError(t, c.Connect(context.Background(), opts))
	assert.Len(t, connected, 1)
}

func TestConnectRejected(t *testing.T) {
	broker := newMockBroker(t, "127.0.0.1:0")
	broker.serve(func(conn net.Conn) {
		acceptConnect(t, conn, packets.ConnAckUnauthorized)
	})

	opts, err := brokerOptions(t, broker).
		WithConnectedHandler(func() { t.Error("connected handler fired") }).
		Build()
	require.NoError(t, err)

	c := NewClient()
	defer c.Close()
	err = c.Connect(context.Background(), opts)
	assert.ErrorIs(t, err, mqtt.ErrConnectUnauthorized)
	assert.ErrorIs(t, err, mqtt.ErrConnectionRefused)
	assert.False(t, c.IsConnected())
}

func TestConnectCancelled(t *testing.T) {
	broker := newMockBroker(t, "127.0.0.1:0")
	broker.serve(func(conn net.Conn) {
		// Swallow the CONNECT and never answer.
		packets.Recv(conn)
	})

	opts, err := brokerOptions(t, broker).Build()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	c := NewClient()
	defer c.Close()
	err = c.Connect(ctx, opts)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, c.IsConnected())
}

func TestPublishQoS0(t *testing.T) {
	broker := newMockBroker(t, "127.0.0.1:0")
	gotPublish := make(chan *packets.Publish, 1)
	broker.serve(func(conn net.Conn) {
		if acceptConnect(t, conn, packets.ConnAckAccepted) == nil {
			return
		}
		pkt, err := packets.Recv(conn)
		if !assert.NoError(t, err) {
			return
		}
		gotPublish <- pkt.(*packets.Publish)
	})

	opts, err := brokerOptions(t, broker).Build()
	require.NoError(t, err)

	c := NewClient()
	defer c.Close()
	require.NoError(t, c.Connect(context.Background(), opts))
	require.NoError(t, c.Publish(context.Background(),
		mustMessage(t, "sensors/a", []byte("21.5"), mqtt.QoS0)))

	select {
	case pub := <-gotPublish:
		assert.Equal(t, "sensors/a", pub.TopicName)
		assert.Equal(t, []byte("21.5"), pub.Payload)
		assert.Equal(t, mqtt.QoS0, pub.QoS)
		assert.Zero(t, pub.PacketIdentifier)
	case <-time.After(time.Second):
		t.Fatal("broker never received PUBLISH")
	}
	assert.True(t, c.IsConnected())
}

// servePubAck answers every QoS 1 PUBLISH with a matching PUBACK and
// reports the observed packet identifiers.
func servePubAck(t *testing.T, conn net.Conn, ids chan<- uint16) {
	for {
		pkt, err := packets.Recv(conn)
		if err != nil {
			return
		}
		pub, ok := pkt.(*packets.Publish)
		if !ok {
			// DISCONNECT ends the session.
			return
		}
		ids <- pub.PacketIdentifier
		ack := &packets.PubAck{PacketIdentifier: pub.PacketIdentifier}
		if _, err := ack.WriteTo(conn); err != nil {
			return
		}
	}
}

func TestPublishQoS1PacketIDs(t *testing.T) {
	broker := newMockBroker(t, "127.0.0.1:0")
	ids := make(chan uint16, 16)
	serve := func() {
		broker.serve(func(conn net.Conn) {
			if acceptConnect(t, conn, packets.ConnAckAccepted) == nil {
				return
			}
			servePubAck(t, conn, ids)
		})
	}
	serve()

	opts, err := brokerOptions(t, broker).Build()
	require.NoError(t, err)

	c := NewClient()
	defer c.Close()
	require.NoError(t, c.Connect(context.Background(), opts))

	msg := mustMessage(t, "robot/intent", []byte("{}"), mqtt.QoS1)
	for i := 0; i < 3; i++ {
		require.NoError(t, c.Publish(context.Background(), msg))
	}
	assert.Equal(t, uint16(1), <-ids)
	assert.Equal(t, uint16(2), <-ids)
	assert.Equal(t, uint16(3), <-ids)

	// The counter starts over on a fresh connection.
	require.NoError(t, c.Disconnect(context.Background()))
	serve()
	require.NoError(t, c.Connect(context.Background(), opts))
	require.NoError(t, c.Publish(context.Background(), msg))
	assert.Equal(t, uint16(1), <-ids)
}

func TestPublishPubAckMismatch(t *testing.T) {
	broker := newMockBroker(t, "127.0.0.1:0")
	broker.serve(func(conn net.Conn) {
		if acceptConnect(t, conn, packets.ConnAckAccepted) == nil {
			return
		}
		pkt, err := packets.Recv(conn)
		if !assert.NoError(t, err) {
			return
		}
		pub := pkt.(*packets.Publish)
		ack := &packets.PubAck{PacketIdentifier: pub.PacketIdentifier + 1}
		ack.WriteTo(conn)
	})

	disconnected := make(chan string, 1)
	opts, err := brokerOptions(t, broker).
		WithDisconnectedHandler(func(reason string) { disconnected <- reason }).
		Build()
	require.NoError(t, err)

	c := NewClient()
	defer c.Close()
	require.NoError(t, c.Connect(context.Background(), opts))

	err = c.Publish(context.Background(),
		mustMessage(t, "robot/intent", []byte("{}"), mqtt.QoS1))
	assert.ErrorIs(t, err, mqtt.ErrProtocol)
	assert.False(t, c.IsConnected())

	select {
	case reason := <-disconnected:
		assert.Contains(t, reason, "publish failed")
	case <-time.After(time.Second):
		t.Fatal("no disconnected notification")
	}
}

func TestPublishQoS2Unsupported(t *testing.T) {
	broker := newMockBroker(t, "127.0.0.1:0")
	gotPublish := make(chan *packets.Publish, 1)
	broker.serve(func(conn net.Conn) {
		if acceptConnect(t, conn, packets.ConnAckAccepted) == nil {
			return
		}
		pkt, err := packets.Recv(conn)
		if !assert.NoError(t, err) {
			return
		}
		gotPublish <- pkt.(*packets.Publish)
	})

	opts, err := brokerOptions(t, broker).Build()
	require.NoError(t, err)

	c := NewClient()
	defer c.Close()
	require.NoError(t, c.Connect(context.Background(), opts))

	err = c.Publish(context.Background(),
		mustMessage(t, "robot/intent", []byte("{}"), mqtt.QoS2))
	assert.ErrorIs(t, err, mqtt.ErrUnsupportedQoS)

	// The rejection happens before any I/O; the connection stays usable.
	assert.True(t, c.IsConnected())
	require.NoError(t, c.Publish(context.Background(),
		mustMessage(t, "robot/intent", []byte("{}"), mqtt.QoS0)))
	select {
	case pub := <-gotPublish:
		assert.Equal(t, mqtt.QoS0, pub.QoS)
	case <-time.After(time.Second):
		t.Fatal("broker never received PUBLISH")
	}
}

func TestPublishNotConnected(t *testing.T) {
	c := NewClient()
	defer c.Close()
	err := c.Publish(context.Background(),
		mustMessage(t, "robot/intent", []byte("{}"), mqtt.QoS0))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestDisconnectIdempotent(t *testing.T) {
	broker := newMockBroker(t, "127.0.0.1:0")
	gotDisconnect := make(chan struct{}, 1)
	broker.serve(func(conn net.Conn) {
		if acceptConnect(t, conn, packets.ConnAckAccepted) == nil {
			return
		}
		pkt, err := packets.Recv(conn)
		if assert.NoError(t, err) {
			assert.IsType(t, &packets.Disconnect{}, pkt)
			gotDisconnect <- struct{}{}
		}
	})

	disconnected := make(chan string, 4)
	opts, err := brokerOptions(t, broker).
		WithDisconnectedHandler(func(reason string) { disconnected <- reason }).
		Build()
	require.NoError(t, err)

	c := NewClient()
	defer c.Close()
	require.NoError(t, c.Connect(context.Background(), opts))

	require.NoError(t, c.Disconnect(context.Background()))
	require.NoError(t, c.Disconnect(context.Background()))
	assert.False(t, c.IsConnected())

	select {
	case <-gotDisconnect:
	case <-time.After(time.Second):
		t.Fatal("broker never received DISCONNECT")
	}
	assert.Equal(t, "disconnected", <-disconnected)
	assert.Empty(t, disconnected)

	// Close after Disconnect fires no further notifications.
	require.NoError(t, c.Close())
	assert.Empty(t, disconnected)
}

func TestKeepAliveFailure(t *testing.T) {
	broker := newMockBroker(t, "127.0.0.1:0")
	gotPing := make(chan struct{}, 1)
	broker.serve(func(conn net.Conn) {
		if acceptConnect(t, conn, packets.ConnAckAccepted) == nil {
			return
		}
		pkt, err := packets.Recv(conn)
		if err != nil {
			return
		}
		if assert.IsType(t, &packets.PingReq{}, pkt) {
			gotPing <- struct{}{}
		}
		// Never answer; the client must give up on its own.
	})

	disconnected := make(chan string, 1)
	opts, err := brokerOptions(t, broker).
		WithKeepAlive(100 * time.Millisecond).
		WithDisconnectedHandler(func(reason string) { disconnected <- reason }).
		Build()
	require.NoError(t, err)

	c := NewClient()
	defer c.Close()
	require.NoError(t, c.Connect(context.Background(), opts))

	select {
	case <-gotPing:
	case <-time.After(3 * time.Second):
		t.Fatal("broker never received PINGREQ")
	}
	select {
	case reason := <-disconnected:
		assert.Contains(t, reason, "keepalive")
	case <-time.After(3 * time.Second):
		t.Fatal("keepalive failure never tore down the connection")
	}
	assert.False(t, c.IsConnected())
}

func TestKeepAliveHealthy(t *testing.T) {
	broker := newMockBroker(t, "127.0.0.1:0")
	pings := make(chan struct{}, 16)
	broker.serve(func(conn net.Conn) {
		if acceptConnect(t, conn, packets.ConnAckAccepted) == nil {
			return
		}
		for {
			pkt, err := packets.Recv(conn)
			if err != nil {
				return
			}
			if _, ok := pkt.(*packets.PingReq); ok {
				pings <- struct{}{}
				if _, err := (&packets.PingResp{}).WriteTo(conn); err != nil {
					return
				}
			}
		}
	})

	disconnected := make(chan string, 4)
	opts, err := brokerOptions(t, broker).
		WithKeepAlive(50 * time.Millisecond).
		WithDisconnectedHandler(func(reason string) { disconnected <- reason }).
		Build()
	require.NoError(t, err)

	c := NewClient()
	defer c.Close()
	require.NoError(t, c.Connect(context.Background(), opts))

	// Survive several keepalive cycles.
	for i := 0; i < 3; i++ {
		select {
		case <-pings:
		case <-time.After(3 * time.Second):
			t.Fatal("keepalive loop stalled")
		}
	}
	assert.True(t, c.IsConnected())
	assert.Empty(t, disconnected)
}

// TestEndToEnd walks the full happy path on a fixed loopback port: connect,
// QoS 1 intent publish with acknowledgment, disconnect.
func TestEndToEnd(t *testing.T) {
	broker := newMockBroker(t, "127.0.0.1:18830")
	payload := []byte(`{"type":"LAUNCH_GAME","game_name":"cornhole"}`)

	gotConnect := make(chan *packets.Connect, 1)
	gotPublish := make(chan *packets.Publish, 1)
	broker.serve(func(conn net.Conn) {
		connect := acceptConnect(t, conn, packets.ConnAckAccepted)
		if connect == nil {
			return
		}
		gotConnect <- connect
		pkt, err := packets.Recv(conn)
		if !assert.NoError(t, err) {
			return
		}
		pub, ok := pkt.(*packets.Publish)
		if !assert.True(t, ok, "expected PUBLISH, got %T", pkt) {
			return
		}
		gotPublish <- pub
		ack := &packets.PubAck{PacketIdentifier: pub.PacketIdentifier}
		_, err = ack.WriteTo(conn)
		assert.NoError(t, err)
	})

	connected := make(chan struct{}, 1)
	opts, err := NewOptionsBuilder().
		WithServer("127.0.0.1", 18830).
		WithClientID("test-1").
		WithCleanSession(true).
		WithKeepAlive(2 * time.Second).
		WithConnectedHandler(func() { connected <- struct{}{} }).
		Build()
	require.NoError(t, err)

	c := NewClient()
	defer c.Close()
	require.NoError(t, c.Connect(context.Background(), opts))

	select {
	case connect := <-gotConnect:
		assert.Equal(t, "test-1", connect.ClientID)
		assert.True(t, connect.CleanSession)
		assert.Equal(t, uint16(2), connect.KeepAlive)
	case <-time.After(time.Second):
		t.Fatal("broker never received CONNECT")
	}
	select {
	case <-connected:
	case <-time.After(time.Second):
		t.Fatal("connected notification never fired")
	}

	msg, err := mqtt.NewMessageBuilder().
		WithTopic("robot/intent").
		WithPayload(payload).
		WithQoS(mqtt.QoS1).
		Build()
	require.NoError(t, err)
	require.NoError(t, c.Publish(context.Background(), msg))

	select {
	case pub := <-gotPublish:
		assert.Equal(t, "robot/intent", pub.TopicName)
		assert.Equal(t, payload, pub.Payload)
		assert.Equal(t, mqtt.QoS1, pub.QoS)
	case <-time.After(time.Second):
		t.Fatal("broker never received PUBLISH")
	}
	require.NoError(t, c.Disconnect(context.Background()))
}
