// Package ca is the appliance-local certificate authority for agent mTLS.
//
// The appliance generates a long-lived CA on first boot. Agents register
// over an insecure channel once, receive a signed client cert plus the CA
// cert, and reconnect with mTLS from then on. Transmission security per
// HIPAA 164.312(e)(1).
package ca

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

const (
	caLifetime     = 10 * 365 * 24 * time.Hour
	leafLifetime   = 365 * 24 * time.Hour
	renewThreshold = 30 * 24 * time.Hour
)

// AgentCA issues per-agent client certificates and the gRPC server cert
// from a self-signed root kept under Dir.
type AgentCA struct {
	Dir string

	caCert *x509.Certificate
	caKey  *ecdsa.PrivateKey
}

func New(dir string) *AgentCA {
	return &AgentCA{Dir: dir}
}

func (ca *AgentCA) path(name string) string { return filepath.Join(ca.Dir, name) }

// EnsureCA loads the CA keypair from disk, generating a fresh one when the
// directory is empty.
func (ca *AgentCA) EnsureCA() error {
	if err := os.MkdirAll(ca.Dir, 0o755); err != nil {
		return fmt.Errorf("create CA dir: %w", err)
	}
	if err := ca.load(); err == nil {
		return nil
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generate CA key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"OsirisCare"},
			CommonName:   "OsirisCare Appliance CA",
		},
		NotBefore:             now,
		NotAfter:              now.Add(caLifetime),
		IsCA:                  true,
		MaxPathLenZero:        true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("create CA cert: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return fmt.Errorf("parse CA cert: %w", err)
	}

	if err := writeKeyPEM(ca.path("ca.key"), key); err != nil {
		return fmt.Errorf("write CA key: %w", err)
	}
	if err := os.WriteFile(ca.path("ca.crt"), certToPEM(der), 0o644); err != nil {
		return fmt.Errorf("write CA cert: %w", err)
	}

	ca.caCert, ca.caKey = cert, key
	return nil
}

func (ca *AgentCA) load() error {
	cert, err := readCertPEM(ca.path("ca.crt"))
	if err != nil {
		return err
	}
	keyPEM, err := os.ReadFile(ca.path("ca.key"))
	if err != nil {
		return err
	}
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return fmt.Errorf("no PEM block in CA key")
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("parse CA key: %w", err)
	}
	ca.caCert, ca.caKey = cert, key
	return nil
}

// issue signs a leaf certificate with the CA and returns (cert PEM, key PEM).
func (ca *AgentCA) issue(template *x509.Certificate) ([]byte, []byte, error) {
	if ca.caCert == nil || ca.caKey == nil {
		return nil, nil, fmt.Errorf("CA not initialized, call EnsureCA first")
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate leaf key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, nil, err
	}
	template.SerialNumber = serial

	now := time.Now().UTC()
	template.NotBefore = now
	template.NotAfter = now.Add(leafLifetime)

	der, err := x509.CreateCertificate(rand.Reader, template, ca.caCert, &key.PublicKey, ca.caKey)
	if err != nil {
		return nil, nil, fmt.Errorf("sign leaf cert: %w", err)
	}

	keyBytes, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal leaf key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes})
	return certToPEM(der), keyPEM, nil
}

// IssueAgentCert signs a client certificate for a registering agent.
// Returns (cert PEM, key PEM, CA cert PEM).
func (ca *AgentCA) IssueAgentCert(hostname, agentID string) (certPEM, keyPEM, caPEM []byte, err error) {
	certPEM, keyPEM, err = ca.issue(&x509.Certificate{
		Subject: pkix.Name{
			Organization: []string{"OsirisCare"},
			CommonName:   fmt.Sprintf("agent-%s", hostname),
		},
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		DNSNames:    []string{hostname},
	})
	if err != nil {
		return nil, nil, nil, err
	}
	caPEM, err = ca.CACertPEM()
	if err != nil {
		return nil, nil, nil, err
	}
	return certPEM, keyPEM, caPEM, nil
}

// GenerateServerCert returns the gRPC server certificate, reusing the
// cached one while it has more than 30 days left.
func (ca *AgentCA) GenerateServerCert(applianceIP string) (certPEM, keyPEM []byte, err error) {
	certPath, keyPath := ca.path("server.crt"), ca.path("server.key")
	if cert, err := readCertPEM(certPath); err == nil {
		if time.Until(cert.NotAfter) > renewThreshold {
			certData, _ := os.ReadFile(certPath)
			keyData, kerr := os.ReadFile(keyPath)
			if kerr == nil {
				return certData, keyData, nil
			}
		}
	}

	certPEM, keyPEM, err = ca.issue(&x509.Certificate{
		Subject: pkix.Name{
			Organization: []string{"OsirisCare"},
			CommonName:   "OsirisCare Appliance",
		},
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses: []net.IP{net.ParseIP(applianceIP)},
	})
	if err != nil {
		return nil, nil, err
	}

	// Cache failures are tolerable; the cert is regenerated next boot.
	_ = os.WriteFile(certPath, certPEM, 0o644)
	_ = os.WriteFile(keyPath, keyPEM, 0o600)
	return certPEM, keyPEM, nil
}

// CACertPEM returns the CA certificate for agent trust bundles.
func (ca *AgentCA) CACertPEM() ([]byte, error) {
	if ca.caCert == nil {
		return nil, fmt.Errorf("CA not initialized")
	}
	return certToPEM(ca.caCert.Raw), nil
}

func certToPEM(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func writeKeyPEM(path string, key *ecdsa.PrivateKey) error {
	keyBytes, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return err
	}
	data := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes})
	return os.WriteFile(path, data, 0o600)
}

func readCertPEM(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", filepath.Base(path))
	}
	return x509.ParseCertificate(block.Bytes)
}

func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}
	return serial, nil
}
