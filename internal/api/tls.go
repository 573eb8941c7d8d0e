package api

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/Trustflow-Network-Labs/settlement-node/internal/payment"
)

const (
	selfSignedCertFile = "api-cert.pem"
	selfSignedKeyFile  = "api-key.pem"
	certRenewBefore    = 30 * 24 * time.Hour
)

// tlsConfig returns the server TLS config when api_tls is enabled. Operator
// supplied api_tls_cert/api_tls_key win over a self-signed certificate kept
// in dataDir.
func (s *APIServer) tlsConfig(dataDir string) (*tls.Config, error) {
	if !s.config.GetConfigBool("api_tls", false) {
		return nil, nil
	}

	certPath := s.config.GetConfigWithDefault("api_tls_cert", "")
	keyPath := s.config.GetConfigWithDefault("api_tls_key", "")

	var cert tls.Certificate
	var err error
	if certPath != "" && keyPath != "" {
		cert, err = loadCertificate(certPath, keyPath)
		if err != nil {
			return nil, err
		}
		s.logger.Info(fmt.Sprintf("Serving API over TLS with certificate %s", certPath), "api")
	} else {
		cert, err = loadOrGenerateSelfSigned(dataDir, s.logger)
		if err != nil {
			return nil, err
		}
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// loadCertificate reads a PEM pair and refuses certificates that are about
// to expire
func loadCertificate(certPath, keyPath string) (tls.Certificate, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to read certificate file: %v", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to read private key file: %v", err)
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil || certBlock.Type != "CERTIFICATE" {
		return tls.Certificate{}, fmt.Errorf("failed to decode certificate PEM")
	}
	leaf, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to parse certificate: %v", err)
	}

	now := time.Now()
	if now.After(leaf.NotAfter) {
		return tls.Certificate{}, fmt.Errorf("certificate expired on %v", leaf.NotAfter)
	}
	if now.Add(certRenewBefore).After(leaf.NotAfter) {
		return tls.Certificate{}, fmt.Errorf("certificate expiring soon (expires %v)", leaf.NotAfter)
	}

	// X509KeyPair accepts PKCS#8, EC and RSA keys, so Let's Encrypt files work as-is
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to load X509 key pair: %v", err)
	}
	return cert, nil
}

// loadOrGenerateSelfSigned reuses the node's self-signed certificate or
// issues a fresh ECDSA P-256 one
func loadOrGenerateSelfSigned(dataDir string, logger payment.Logger) (tls.Certificate, error) {
	certPath := filepath.Join(dataDir, selfSignedCertFile)
	keyPath := filepath.Join(dataDir, selfSignedKeyFile)

	cert, err := loadCertificate(certPath, keyPath)
	if err == nil {
		logger.Info(fmt.Sprintf("Loaded self-signed API certificate from %s", certPath), "api")
		return cert, nil
	}

	logger.Info(fmt.Sprintf("Generating self-signed API certificate (reason: %v)", err), "api")

	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate ECDSA key: %v", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: big.NewInt(now.UnixNano()),
		Subject: pkix.Name{
			Organization: []string{"Settlement Node"},
			CommonName:   "settlement-node API",
		},
		NotBefore:   now,
		NotAfter:    now.Add(365 * 24 * time.Hour),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses: []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		DNSNames:    []string{"localhost"},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to create certificate: %v", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to marshal private key: %v", err)
	}

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to create data directory: %v", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	if err := os.WriteFile(certPath, certPEM, 0644); err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to write certificate file: %v", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to write private key file: %v", err)
	}

	logger.Info(fmt.Sprintf("Self-signed API certificate saved to %s", certPath), "api")
	return tls.X509KeyPair(certPEM, keyPEM)
}
