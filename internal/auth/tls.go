package auth

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"sync"
	"time"
)

// CertSource builds the TLS certificate chain behind MainDriver.GetTLSConfig.
// With KeyPath/CertPath set it loads PEM material from disk; otherwise it
// generates and caches a self-signed certificate so AUTH TLS still works
// against a driver that hasn't been given real certificates yet.
type CertSource struct {
	keyPath, certPath string

	mu     sync.Mutex
	config *tls.Config
}

// NewCertSource builds a CertSource. Empty paths mean "generate one".
func NewCertSource(certPath, keyPath string) *CertSource {
	return &CertSource{certPath: certPath, keyPath: keyPath}
}

// GetTLSConfig returns the cached config, loading or generating it on first
// use.
func (c *CertSource) GetTLSConfig() (*tls.Config, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.config != nil {
		return c.config, nil
	}

	var cert tls.Certificate
	var err error

	if c.certPath != "" && c.keyPath != "" {
		cert, err = tls.LoadX509KeyPair(c.certPath, c.keyPath)
	} else {
		cert, err = selfSignedCertificate()
	}

	if err != nil {
		return nil, fmt.Errorf("loading TLS certificate: %w", err)
	}

	c.config = &tls.Config{
		NextProtos:   []string{"ftp"},
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}

	return c.config, nil
}

// selfSignedCertificate generates an in-memory RSA certificate valid for a
// week, good enough to make AUTH TLS work against a deployment that hasn't
// been handed real PEM material yet. A real deployment should always set
// CertPath/KeyPath instead.
func selfSignedCertificate() (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}

	now := time.Now().UTC()

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			CommonName:   "localhost",
			Organization: []string{"cogwheelftpd"},
		},
		DNSNames:              []string{"localhost"},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(7 * 24 * time.Hour),
		BasicConstraintsValid: true,
		IsCA:                  false,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}

	var certPem, keyPem bytes.Buffer
	if err := pem.Encode(&certPem, &pem.Block{Type: "CERTIFICATE", Bytes: derBytes}); err != nil {
		return tls.Certificate{}, err
	}

	if err := pem.Encode(&keyPem, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)}); err != nil {
		return tls.Certificate{}, err
	}

	return tls.X509KeyPair(certPem.Bytes(), keyPem.Bytes())
}
