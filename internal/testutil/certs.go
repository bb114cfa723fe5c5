package testutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type CA struct {
	Cert     *x509.Certificate
	Key      *ecdsa.PrivateKey
	CertFile string
}

type CertFiles struct {
	Cert     *x509.Certificate
	CertFile string
	KeyFile  string
}

// WriteServerCert issues a self-signed serving certificate valid for
// serverName and the loopback addresses.
func WriteServerCert(t *testing.T, serverName string) CertFiles {
	t.Helper()
	key := generateKey(t)
	template := baseTemplate(serverName, true)
	template.DNSNames = []string{serverName}
	template.IPAddresses = []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback}
	template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
	template.KeyUsage = x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign
	return issue(t, "server", template, template, key, key)
}

func WriteCA(t *testing.T, commonName string) CA {
	t.Helper()
	key := generateKey(t)
	template := baseTemplate(commonName, true)
	template.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign
	files := issue(t, "ca", template, template, key, key)
	return CA{Cert: files.Cert, Key: key, CertFile: files.CertFile}
}

func WriteClientCert(t *testing.T, commonName string, ca CA) CertFiles {
	t.Helper()
	key := generateKey(t)
	template := baseTemplate(commonName, false)
	template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	template.KeyUsage = x509.KeyUsageDigitalSignature
	return issue(t, "client", template, ca.Cert, key, ca.Key)
}

func issue(t *testing.T, name string, template *x509.Certificate, parent *x509.Certificate, key *ecdsa.PrivateKey, signer *ecdsa.PrivateKey) CertFiles {
	t.Helper()
	der, err := x509.CreateCertificate(rand.Reader, template, parent, &key.PublicKey, signer)
	if err != nil {
		t.Fatalf("create %s certificate: %v", name, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse %s certificate: %v", name, err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal %s key: %v", name, err)
	}
	dir := t.TempDir()
	return CertFiles{
		Cert:     cert,
		CertFile: writeFile(t, filepath.Join(dir, name+".pem"), pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})),
		KeyFile:  writeFile(t, filepath.Join(dir, name+".key"), pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})),
	}
}

func generateKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func writeFile(t *testing.T, path string, data []byte) string {
	t.Helper()
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func baseTemplate(commonName string, isCA bool) *x509.Certificate {
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		serial = big.NewInt(time.Now().UnixNano())
	}
	return &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  isCA,
		BasicConstraintsValid: true,
	}
}
