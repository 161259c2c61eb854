package transport

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"time"

	quic "github.com/quic-go/quic-go"

	"github.com/orchestra-mcp/rpc/src/bridge"
)

// QUICProtocol is the ALPN protocol negotiated by QUIC bridges.
const QUICProtocol = "orchestra-rpc/1"

// quicStream closes the whole connection along with the stream, since one
// connection carries exactly one bridge.
type quicStream struct {
	quic.Stream
	conn quic.Connection
}

// Read reports an orderly connection close by the peer as io.EOF.
func (s *quicStream) Read(p []byte) (int, error) {
	n, err := s.Stream.Read(p)
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) && appErr.ErrorCode == 0 {
		return n, io.EOF
	}
	return n, err
}

func (s *quicStream) Close() error {
	s.Stream.CancelRead(0)
	err := s.Stream.Close()
	_ = s.conn.CloseWithError(0, "bridge ended")
	return err
}

func withALPN(tlsConf *tls.Config) *tls.Config {
	conf := &tls.Config{}
	if tlsConf != nil {
		conf = tlsConf.Clone()
	}
	for _, p := range conf.NextProtos {
		if p == QUICProtocol {
			return conf
		}
	}
	conf.NextProtos = append(conf.NextProtos, QUICProtocol)
	return conf
}

// DialQUIC opens a QUIC connection to addr and binds a client bridge to a
// single bidirectional stream with length-prefixed framing.
func DialQUIC(ctx context.Context, addr string, tlsConf *tls.Config, contract *bridge.Contract, opts Options) (*bridge.Bridge, error) {
	conn, err := quic.DialAddr(ctx, addr, withALPN(tlsConf), &quic.Config{KeepAlivePeriod: 15 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("dial quic %s: %w", addr, err)
	}
	s, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "open stream failed")
		return nil, fmt.Errorf("open stream: %w", err)
	}
	return bindStream("quic", &quicStream{Stream: s, conn: conn}, bridge.RoleClient, contract, opts)
}

// QUICListener accepts QUIC bridges.
type QUICListener struct {
	ln       *quic.Listener
	contract *bridge.Contract
	opts     Options
}

// ListenQUIC listens on addr. tlsConf must carry a certificate.
func ListenQUIC(addr string, tlsConf *tls.Config, contract *bridge.Contract, opts Options) (*QUICListener, error) {
	if tlsConf == nil || len(tlsConf.Certificates) == 0 {
		return nil, fmt.Errorf("listen quic: tls certificate required")
	}
	ln, err := quic.ListenAddr(addr, withALPN(tlsConf), &quic.Config{KeepAlivePeriod: 15 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("listen quic %s: %w", addr, err)
	}
	return &QUICListener{ln: ln, contract: contract, opts: opts}, nil
}

// Addr returns the listening address.
func (l *QUICListener) Addr() net.Addr { return l.ln.Addr() }

// Accept waits for a connection and its first stream, then binds a server
// bridge to it. The stream only becomes visible once the client wrote to it,
// which its handshake does.
func (l *QUICListener) Accept(ctx context.Context) (*bridge.Bridge, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, err
	}
	s, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "accept stream failed")
		return nil, fmt.Errorf("accept stream: %w", err)
	}
	return bindStream("quic", &quicStream{Stream: s, conn: conn}, bridge.RoleServer, l.contract, l.opts)
}

// Close stops the listener.
func (l *QUICListener) Close() error { return l.ln.Close() }

// SelfSignedTLS returns a throwaway certificate for local QUIC listeners.
// Clients must skip verification or pin the certificate.
func SelfSignedTLS() (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	templ := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, templ, templ, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	pkcs8, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS13}, nil
}
