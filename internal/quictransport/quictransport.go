// Package quictransport constructs the QUIC endpoints the two proxy
// sides dial/listen on: a self-signed server certificate (there is no
// public identity to verify against — the tunnel is a private link
// between proxy and server operator) and the ALPN used to identify
// this protocol.
package quictransport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

// ALPN identifies this tunnel protocol during the TLS handshake.
const ALPN = "factorio-cacher-tunnel"

// generateSelfSignedCert produces an ephemeral ECDSA P-256 certificate
// valid for the given DNS/IP names.
func generateSelfSignedCert(dnsNames []string, ips []net.IP) (tls.Certificate, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("quictransport: generate private key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("quictransport: generate serial number: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject:      pkix.Name{CommonName: "factorio-cacher"},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().AddDate(1, 0, 0),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     dnsNames,
		IPAddresses:  ips,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("quictransport: create certificate: %w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  privateKey,
	}, nil
}

// ListenConfig returns a *tls.Config carrying a freshly generated
// self-signed certificate, for the side of the tunnel that accepts
// connections.
func ListenConfig() (*tls.Config, error) {
	cert, err := generateSelfSignedCert([]string{"factorio-cacher"}, []net.IP{net.IPv4zero, net.IPv6zero})
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPN},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// DialConfig returns the *tls.Config used to dial a tunnel peer. The
// tunnel is a private point-to-point link secured by the operator's
// own network controls, not by certificate verification against a
// public CA, so the peer's self-signed certificate is accepted
// without chain validation.
func DialConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true, //nolint:gosec // private point-to-point tunnel, no public CA to verify against
		NextProtos:         []string{ALPN},
		MinVersion:         tls.VersionTLS13,
	}
}

// Listen starts accepting tunnel connections on addr.
func Listen(addr string) (*quic.Listener, error) {
	tlsConf, err := ListenConfig()
	if err != nil {
		return nil, err
	}
	listener, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quictransport: listen %s: %w", addr, err)
	}
	return listener, nil
}

// Dial connects to a tunnel listener at addr.
func Dial(ctx context.Context, addr string) (quic.Connection, error) {
	conn, err := quic.DialAddr(ctx, addr, DialConfig(), quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quictransport: dial %s: %w", addr, err)
	}
	return conn, nil
}

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
		EnableDatagrams: true,
	}
}
