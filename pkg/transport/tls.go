package transport

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"

	"github.com/myforce/opal-go/pkg/transportaddr"
)

// TLSCredentials names the files the TLS context is built from: a CA
// bundle, a certificate, a key, and a flag asking for a throwaway
// self-signed certificate when Cert/Key are empty.
type TLSCredentials struct {
	CAFile                string
	CertFile              string
	KeyFile               string
	AutoCreateSelfSigned  bool
	AutoCreateCommonName  string
}

// BuildTLSConfig loads the CA/cert/key files named by c, or synthesizes a
// self-signed certificate if AutoCreateSelfSigned is set and no cert/key
// files were given.
func BuildTLSConfig(c TLSCredentials) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}

	switch {
	case c.CertFile != "" && c.KeyFile != "":
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("transport: load tls keypair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	case c.AutoCreateSelfSigned:
		cert, err := generateSelfSigned(c.AutoCreateCommonName)
		if err != nil {
			return nil, fmt.Errorf("transport: generate self-signed cert: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	if c.CAFile != "" {
		pem, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, fmt.Errorf("transport: read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("transport: no certificates found in %s", c.CAFile)
		}
		cfg.RootCAs = pool
		cfg.ClientCAs = pool
	}
	return cfg, nil
}

func generateSelfSigned(commonName string) (tls.Certificate, error) {
	if commonName == "" {
		commonName = "opal-go"
	}
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return tls.Certificate{}, err
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(1, 0, 0),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}

// TLSListener wraps a TCPListener-style accept loop around a TLS listener,
// reusing TCPTransport's framing over the encrypted conn.
type TLSListener struct {
	ln          net.Listener
	framing     FramingMode
	prefixWidth int
	local       transportaddr.Address
	natMethods  NATMethods
}

// NewTLSListener binds addr with the given TLS config.
func NewTLSListener(addr string, cfg *tls.Config, framing FramingMode, prefixWidth int) (*TLSListener, error) {
	ln, err := tls.Listen("tcp", addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("transport: tls listen %s: %w", addr, err)
	}
	local, _ := parseNetAddr("tls", ln.Addr())
	return &TLSListener{ln: ln, framing: framing, prefixWidth: prefixWidth, local: local}, nil
}

func (l *TLSListener) Open(accept func(Transport), mode ThreadMode) error {
	var handoff chan Transport
	if mode == HandOffThread {
		handoff = make(chan Transport, 16)
		go func() {
			for t := range handoff {
				accept(t)
			}
		}()
	}
	go func() {
		for {
			conn, err := l.ln.Accept()
			if err != nil {
				if handoff != nil {
					close(handoff)
				}
				return
			}
			transport := NewTCPTransport(conn, l.framing, l.prefixWidth)
			switch mode {
			case SpawnNewThread:
				go accept(transport)
			case HandOffThread:
				handoff <- transport
			default:
				accept(transport)
			}
		}
	}()
	return nil
}

// NetListener exposes the bound TLS socket for protocol engines that
// pump their own byte stream over the decrypted connections.
func (l *TLSListener) NetListener() net.Listener { return l.ln }

func (l *TLSListener) Close() error { return l.ln.Close() }

func (l *TLSListener) GetLocalAddress(peer transportaddr.Address) (transportaddr.Address, error) {
	if !l.local.Wildcard {
		return l.local, nil
	}
	return l.natMethods.Translate(l.local, peer)
}

// DialTLS connects to addr under cfg and returns a framed Transport.
func DialTLS(addr string, cfg *tls.Config, framing FramingMode, prefixWidth int) (*TCPTransport, error) {
	conn, err := tls.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("transport: tls dial %s: %w", addr, err)
	}
	return NewTCPTransport(conn, framing, prefixWidth), nil
}
