// Package transport provides the commissioner's secure transports: the
// DTLS 1.2 client session to the Border Agent (PSK for Thread 1.1/1.2
// networks, ECDHE-ECDSA with X.509 in CCM mode), DTLS termination for
// joiner sessions tunneled over relay frames, and the relay frame codec
// itself.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"time"

	"github.com/pion/dtls/v3"
	dtlsnet "github.com/pion/dtls/v3/pkg/net"
	"github.com/pion/logging"
)

// DefaultHandshakeTimeout bounds a DTLS handshake.
const DefaultHandshakeTimeout = 20 * time.Second

// kekLabel is the RFC 5705 exporter label for the Key Encryption Key
// handed to the joiner router after commissioning.
const kekLabel = "EXPORTER-thread-commissioning"

// KekLength is the length of the exported KEK.
const KekLength = 32

// Security carries the key material for DTLS sessions. PSKc selects the
// pre-shared-key ciphersuite used on non-CCM networks; the certificate
// fields select ECDHE-ECDSA with X.509 used in CCM mode.
type Security struct {
	// PSKc keys the session on non-CCM networks.
	PSKc []byte

	// Certificate and PrivateKey hold the commissioner credentials for
	// CCM mode.
	Certificate tls.Certificate

	// TrustAnchors verifies the peer chain in CCM mode.
	TrustAnchors *x509.CertPool

	// HandshakeTimeout bounds the handshake. Zero selects
	// DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// IsCcm reports whether certificate-based (CCM) security is configured.
func (s *Security) IsCcm() bool {
	return len(s.Certificate.Certificate) > 0
}

// clientConfig builds the pion DTLS client configuration.
func (s *Security) clientConfig() (*dtls.Config, error) {
	config := &dtls.Config{
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
		LoggerFactory:        s.LoggerFactory,
	}

	switch {
	case s.IsCcm():
		config.Certificates = []tls.Certificate{s.Certificate}
		config.RootCAs = s.TrustAnchors
		config.CipherSuites = []dtls.CipherSuiteID{
			dtls.TLS_ECDHE_ECDSA_WITH_AES_128_CCM_8,
			dtls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		}
		if s.TrustAnchors == nil {
			config.InsecureSkipVerify = true
		}

	case len(s.PSKc) > 0:
		psk := append([]byte(nil), s.PSKc...)
		config.PSK = func([]byte) ([]byte, error) { return psk, nil }
		config.PSKIdentityHint = []byte("Commissioner")
		config.CipherSuites = []dtls.CipherSuiteID{
			dtls.TLS_PSK_WITH_AES_128_CCM_8,
		}

	default:
		return nil, ErrNoSecurityMaterial
	}

	return config, nil
}

// DialBorderAgent establishes the DTLS session to a Border Agent at
// addr ("host:port" or "[ipv6]:port").
func DialBorderAgent(ctx context.Context, addr string, sec *Security) (net.Conn, error) {
	config, err := sec.clientConfig()
	if err != nil {
		return nil, err
	}

	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}

	pconn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, err
	}

	conn, err := dtls.Client(pconn, raddr, config)
	if err != nil {
		pconn.Close()
		return nil, err
	}

	if err := handshake(ctx, conn, sec.HandshakeTimeout); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// JoinerSecurity carries the per-joiner key material for terminating a
// joiner DTLS session tunneled through relay frames.
type JoinerSecurity struct {
	// PSKd keys the MeshCoP joiner session.
	PSKd []byte

	// Certificate, PrivateKey and TrustAnchors are used for CCM joiner
	// sessions (AE/NMKP); PSKd is ignored when a certificate is set.
	Certificate  tls.Certificate
	TrustAnchors *x509.CertPool

	HandshakeTimeout time.Duration
	LoggerFactory    logging.LoggerFactory
}

// ServeJoiner runs the server side of a joiner DTLS handshake over conn
// (typically a *RelayConn) and returns the established session.
func ServeJoiner(ctx context.Context, conn net.Conn, sec *JoinerSecurity) (*dtls.Conn, error) {
	config := &dtls.Config{
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
		LoggerFactory:        sec.LoggerFactory,
	}

	if len(sec.Certificate.Certificate) > 0 {
		config.Certificates = []tls.Certificate{sec.Certificate}
		config.ClientCAs = sec.TrustAnchors
		config.ClientAuth = dtls.RequireAndVerifyClientCert
		config.CipherSuites = []dtls.CipherSuiteID{
			dtls.TLS_ECDHE_ECDSA_WITH_AES_128_CCM_8,
			dtls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		}
	} else {
		psk := append([]byte(nil), sec.PSKd...)
		config.PSK = func([]byte) ([]byte, error) { return psk, nil }
		config.PSKIdentityHint = []byte("Joiner")
		config.CipherSuites = []dtls.CipherSuiteID{
			dtls.TLS_PSK_WITH_AES_128_CCM_8,
		}
	}

	sconn, err := dtls.Server(dtlsnet.PacketConnFromConn(conn), conn.RemoteAddr(), config)
	if err != nil {
		return nil, err
	}

	if err := handshake(ctx, sconn, sec.HandshakeTimeout); err != nil {
		sconn.Close()
		return nil, err
	}
	return sconn, nil
}

// DialJoiner runs the client side of a joiner DTLS handshake. Used by the
// in-process joiner simulator in tests.
func DialJoiner(ctx context.Context, conn net.Conn, sec *JoinerSecurity) (*dtls.Conn, error) {
	psk := append([]byte(nil), sec.PSKd...)
	config := &dtls.Config{
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
		LoggerFactory:        sec.LoggerFactory,
		PSK:                  func([]byte) ([]byte, error) { return psk, nil },
		PSKIdentityHint:      []byte("Joiner"),
		CipherSuites: []dtls.CipherSuiteID{
			dtls.TLS_PSK_WITH_AES_128_CCM_8,
		},
	}

	cconn, err := dtls.Client(dtlsnet.PacketConnFromConn(conn), conn.RemoteAddr(), config)
	if err != nil {
		return nil, err
	}
	if err := handshake(ctx, cconn, sec.HandshakeTimeout); err != nil {
		cconn.Close()
		return nil, err
	}
	return cconn, nil
}

func handshake(ctx context.Context, conn *dtls.Conn, timeout time.Duration) error {
	if timeout == 0 {
		timeout = DefaultHandshakeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return conn.HandshakeContext(ctx)
}

// ExportKek derives the Key Encryption Key from an established joiner
// session via the RFC 5705 keying-material exporter.
func ExportKek(conn *dtls.Conn) ([]byte, error) {
	state, ok := conn.ConnectionState()
	if !ok {
		return nil, ErrKeyExportFailed
	}
	kek, err := state.ExportKeyingMaterial(kekLabel, nil, KekLength)
	if err != nil {
		return nil, ErrKeyExportFailed
	}
	return kek, nil
}
