package client

import (
	"net"
	"strconv"
	"sync"
	"testing"

	"github.com/fjelltun/mqwire/packets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockBroker runs scripted broker behavior on a loopback listener. Each
// serve call accepts exactly one connection and hands it to the script.
type mockBroker struct {
	t  *testing.T
	ln net.Listener

	mu    sync.Mutex
	conns []net.Conn
}

func newMockBroker(t *testing.T, addr string) *mockBroker {
	ln, err := net.Listen("tcp", addr)
	require.NoError(t, err)
	b := &mockBroker{t: t, ln: ln}
	t.Cleanup(b.close)
	return b
}

func (b *mockBroker) host() string {
	host, _, _ := net.SplitHostPort(b.ln.Addr().String())
	return host
}

func (b *mockBroker) port() int {
	_, portStr, _ := net.SplitHostPort(b.ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return port
}

func (b *mockBroker) serve(script func(conn net.Conn)) {
	go func() {
		conn, err := b.ln.Accept()
		if err != nil {
			return
		}
		b.mu.Lock()
		b.conns = append(b.conns, conn)
		b.mu.Unlock()
		script(conn)
	}()
}

func (b *mockBroker) close() {
	b.ln.Close()
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, conn := range b.conns {
		conn.Close()
	}
}

// acceptConnect reads the CONNECT packet off a fresh connection and answers
// with the given return code.
func acceptConnect(t *testing.T, conn net.Conn, returnCode uint8) *packets.Connect {
	pkt, err := packets.Recv(conn)
	if !assert.NoError(t, err) {
		return nil
	}
	connect, ok := pkt.(*packets.Connect)
	if !assert.True(t, ok, "expected CONNECT, got %T", pkt) {
		return nil
	}
	connAck := &packets.ConnAck{ReturnCode: returnCode}
	_, err = connAck.WriteTo(conn)
	assert.NoError(t, err)
	return connect
}

// brokerOptions builds minimal options pointing at the mock broker.
func brokerOptions(t *testing.T, b *mockBroker) *OptionsBuilder {
	return NewOptionsBuilder().
		WithServer(b.host(), b.port()).
		WithClientID("tester")
}
