package client

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// maxKeepAlive is the largest keepalive interval expressible on the wire.
const maxKeepAlive = time.Duration(^uint16(0)) * time.Second

// Options is the immutable per-connection configuration. Instances are
// built through OptionsBuilder; changing a parameter requires building a
// new instance and reconnecting.
type Options struct {
	host         string
	port         uint16
	clientID     string
	cleanSession bool
	keepAlive    time.Duration
	username     string
	password     string
	timeout      time.Duration
	tls          *TLSOptions

	onConnected    func()
	onDisconnected func(reason string)
}

// Host returns the server host name or address.
func (o *Options) Host() string { return o.host }

// Port returns the server TCP port.
func (o *Options) Port() uint16 { return o.port }

// ClientID returns the client identifier presented to the server.
func (o *Options) ClientID() string { return o.clientID }

// KeepAlive returns the keepalive interval; zero disables the loop.
func (o *Options) KeepAlive() time.Duration { return o.keepAlive }

// keepAliveSeconds converts the keepalive interval to wire representation,
// clamped to the protocol's 16-bit range.
func (o *Options) keepAliveSeconds() uint16 {
	secs := int64(o.keepAlive.Seconds())
	if secs > int64(^uint16(0)) {
		secs = int64(^uint16(0))
	}
	return uint16(secs)
}

// OptionsBuilder assembles connection Options. Setters never fail; all
// validation happens once in Build.
type OptionsBuilder struct {
	host           string
	port           int
	clientID       string
	cleanSession   bool
	keepAlive      time.Duration
	username       string
	password       string
	timeout        time.Duration
	tls            *TLSOptions
	onConnected    func()
	onDisconnected func(reason string)
}

// NewOptionsBuilder initializes an options builder with clean session
// enabled and no keepalive.
func NewOptionsBuilder() *OptionsBuilder {
	return &OptionsBuilder{cleanSession: true}
}

// WithServer sets the host and TCP port to connect to.
func (b *OptionsBuilder) WithServer(host string, port int) *OptionsBuilder {
	b.host = host
	b.port = port
	return b
}

// WithClientID sets the client identifier. If never called, Build generates
// a random UUID so every connection attempt has a usable identity.
func (b *OptionsBuilder) WithClientID(id string) *OptionsBuilder {
	b.clientID = id
	return b
}

// WithCleanSession sets the clean-session flag sent on connect.
func (b *OptionsBuilder) WithCleanSession(clean bool) *OptionsBuilder {
	b.cleanSession = clean
	return b
}

// WithKeepAlive sets the keepalive interval. Zero disables keepalive.
// Intervals beyond the protocol maximum of 18:12:15 (hr:min:sec) are
// truncated to that maximum.
func (b *OptionsBuilder) WithKeepAlive(period time.Duration) *OptionsBuilder {
	b.keepAlive = period
	return b
}

// WithCredentials sets the username/password credentials.
func (b *OptionsBuilder) WithCredentials(username, password string) *OptionsBuilder {
	b.username = username
	b.password = password
	return b
}

// WithTimeout sets the per-exchange I/O deadline. If unset, operations
// block until the caller's context cancels them.
func (b *OptionsBuilder) WithTimeout(timeout time.Duration) *OptionsBuilder {
	b.timeout = timeout
	return b
}

// WithTLS enables TLS on the transport using the given options.
func (b *OptionsBuilder) WithTLS(opts *TLSOptions) *OptionsBuilder {
	b.tls = opts
	return b
}

// WithConnectedHandler registers a callback fired once per successful
// connection.
func (b *OptionsBuilder) WithConnectedHandler(f func()) *OptionsBuilder {
	b.onConnected = f
	return b
}

// WithDisconnectedHandler registers a callback fired once per
// connected-to-disconnected transition, with a short diagnostic reason.
func (b *OptionsBuilder) WithDisconnectedHandler(f func(reason string)) *OptionsBuilder {
	b.onDisconnected = f
	return b
}

// Build validates the configuration and returns the immutable Options.
func (b *OptionsBuilder) Build() (*Options, error) {
	if b.host == "" {
		return nil, fmt.Errorf("options: host must not be empty")
	}
	if b.port < 1 || b.port > 0xFFFF {
		return nil, fmt.Errorf("options: port out of range: %d", b.port)
	}
	if b.keepAlive < 0 {
		return nil, fmt.Errorf("options: negative keepalive interval")
	}
	if b.password != "" && b.username == "" {
		return nil, fmt.Errorf("options: password requires a username")
	}
	clientID := b.clientID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	keepAlive := b.keepAlive
	if keepAlive > maxKeepAlive {
		keepAlive = maxKeepAlive
	}
	return &Options{
		host:           b.host,
		port:           uint16(b.port),
		clientID:       clientID,
		cleanSession:   b.cleanSession,
		keepAlive:      keepAlive,
		username:       b.username,
		password:       b.password,
		timeout:        b.timeout,
		tls:            b.tls,
		onConnected:    b.onConnected,
		onDisconnected: b.onDisconnected,
	}, nil
}

// PeerVerifier is a custom certificate verification callback; it receives
// the raw certificates presented by the server and the chains built by the
// standard verifier, and rejects the handshake by returning an error.
type PeerVerifier func(rawCerts [][]byte, chains [][]*x509.Certificate) error

// TLSOptions is the immutable TLS configuration. When the client connects
// without TLSOptions none of these fields are consulted.
type TLSOptions struct {
	targetHost      string
	allowUntrusted  bool
	checkRevocation bool
	certificates    []tls.Certificate
	verifyPeer      PeerVerifier
	minVersion      uint16
}

// config materializes the tls.Config for a handshake. The SNI name is the
// configured target host, falling back to the host being dialed.
func (t *TLSOptions) config(fallbackHost string) *tls.Config {
	serverName := t.targetHost
	if serverName == "" {
		serverName = fallbackHost
	}
	cfg := &tls.Config{
		ServerName:   serverName,
		Certificates: t.certificates,
		MinVersion:   t.minVersion,
	}
	if t.verifyPeer != nil {
		// The custom verifier replaces default chain validation.
		cfg.InsecureSkipVerify = true
		cfg.VerifyPeerCertificate = t.verifyPeer
	} else if t.allowUntrusted {
		cfg.InsecureSkipVerify = true
	}
	return cfg
}

// TLSOptionsBuilder assembles TLSOptions; validation happens in Build.
type TLSOptionsBuilder struct {
	targetHost      string
	allowUntrusted  bool
	checkRevocation bool
	certificates    []tls.Certificate
	verifyPeer      PeerVerifier
	minVersion      uint16
}

// NewTLSOptionsBuilder initializes an empty TLS options builder.
func NewTLSOptionsBuilder() *TLSOptionsBuilder {
	return &TLSOptionsBuilder{}
}

// WithTargetHost overrides the SNI/verification host name; defaults to the
// host being dialed.
func (b *TLSOptionsBuilder) WithTargetHost(host string) *TLSOptionsBuilder {
	b.targetHost = host
	return b
}

// WithAllowUntrusted accepts any server certificate. Intended for trusted
// lab or local networks only.
func (b *TLSOptionsBuilder) WithAllowUntrusted(allow bool) *TLSOptionsBuilder {
	b.allowUntrusted = allow
	return b
}

// WithRevocationCheck requires a stapled OCSP response on the handshake.
// Forced off when untrusted certificates are allowed.
func (b *TLSOptionsBuilder) WithRevocationCheck(check bool) *TLSOptionsBuilder {
	b.checkRevocation = check
	return b
}

// WithClientCertificates sets the client certificate chain presented to
// servers that request one.
func (b *TLSOptionsBuilder) WithClientCertificates(certs ...tls.Certificate) *TLSOptionsBuilder {
	b.certificates = certs
	return b
}

// WithPeerVerifier installs a custom certificate verification callback.
// It takes priority over both default validation and WithAllowUntrusted.
func (b *TLSOptionsBuilder) WithPeerVerifier(f PeerVerifier) *TLSOptionsBuilder {
	b.verifyPeer = f
	return b
}

// WithMinVersion pins the minimum TLS protocol version (tls.VersionTLS1x
// constants). Zero selects the crypto/tls default.
func (b *TLSOptionsBuilder) WithMinVersion(version uint16) *TLSOptionsBuilder {
	b.minVersion = version
	return b
}

// Build validates the configuration and returns the immutable TLSOptions.
func (b *TLSOptionsBuilder) Build() (*TLSOptions, error) {
	switch b.minVersion {
	case 0, tls.VersionTLS10, tls.VersionTLS11, tls.VersionTLS12, tls.VersionTLS13:
	default:
		return nil, fmt.Errorf("tls options: unknown protocol version: 0x%04X",
			b.minVersion)
	}
	checkRevocation := b.checkRevocation
	if b.allowUntrusted {
		// Revocation of a certificate that is trusted no matter what
		// is meaningless.
		checkRevocation = false
	}
	return &TLSOptions{
		targetHost:      b.targetHost,
		allowUntrusted:  b.allowUntrusted,
		checkRevocation: checkRevocation,
		certificates:    b.certificates,
		verifyPeer:      b.verifyPeer,
		minVersion:      b.minVersion,
	}, nil
}
