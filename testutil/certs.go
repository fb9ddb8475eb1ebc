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

	"github.com/stretchr/testify/require"
)

// KeyPassword protects Certs.EncryptedKeyFile
const KeyPassword = "changeit"

// Certs is a throwaway CA with a server and a client certificate written to disk
type Certs struct {
	Dir string

	CAFile  string
	CAPool  *x509.CertPool
	CACert  *x509.Certificate
	CAPEM   []byte
	caKey   *ecdsa.PrivateKey
	serial  int64
	Expires time.Time

	CertFile         string
	KeyFile          string
	EncryptedKeyFile string

	ClientCertFile string
	ClientKeyFile  string

	// OtherCAFile holds a CA that signed nothing above
	OtherCAFile string
}

// NewCerts generates a CA, a server certificate valid for localhost/127.0.0.1
// and a client certificate with CN "client", all under t.TempDir().
func NewCerts(t testing.TB) *Certs {
	t.Helper()

	c := &Certs{Dir: t.TempDir(), Expires: time.Now().Add(24 * time.Hour)}

	caKey, caCert, caDER := newCA(t, "jsonrpcbus test CA", c.Expires)
	c.caKey = caKey
	c.CACert = caCert
	c.CAPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: caDER})
	c.CAFile = c.write(t, "ca.pem", c.CAPEM)
	c.CAPool = x509.NewCertPool()
	c.CAPool.AddCert(caCert)

	serverCert, serverKey := c.Issue(t, "localhost", true)
	c.CertFile = c.write(t, "server.pem", serverCert)
	c.KeyFile = c.write(t, "server.key", serverKey)

	block, _ := pem.Decode(serverKey)
	//nolint:staticcheck // legacy encrypted PEM is the format under test
	encrypted, err := x509.EncryptPEMBlock(rand.Reader, block.Type, block.Bytes, []byte(KeyPassword), x509.PEMCipherAES256)
	require.NoError(t, err)
	c.EncryptedKeyFile = c.write(t, "server-encrypted.key", pem.EncodeToMemory(encrypted))

	clientCert, clientKey := c.Issue(t, "client", false)
	c.ClientCertFile = c.write(t, "client.pem", clientCert)
	c.ClientKeyFile = c.write(t, "client.key", clientKey)

	_, _, otherDER := newCA(t, "unrelated CA", c.Expires)
	c.OtherCAFile = c.write(t, "other-ca.pem", pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: otherDER}))

	return c
}

// Issue signs a new leaf certificate and returns cert and key PEM
func (c *Certs) Issue(t testing.TB, cn string, server bool) (certPEM, keyPEM []byte) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	c.serial++
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(c.serial + 1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     c.Expires,
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	if server {
		tmpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
		tmpl.DNSNames = []string{"localhost"}
		tmpl.IPAddresses = []net.IP{net.ParseIP("127.0.0.1"), net.IPv6loopback}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, c.CACert, &key.PublicKey, c.caKey)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
}

// WriteFile stores data under the bundle directory and returns its path
func (c *Certs) WriteFile(t testing.TB, name string, data []byte) string {
	return c.write(t, name, data)
}

func (c *Certs) write(t testing.TB, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(c.Dir, name)
	require.NoError(t, os.WriteFile(path, data, 0600))
	return path
}

func newCA(t testing.TB, cn string, notAfter time.Time) (*ecdsa.PrivateKey, *x509.Certificate, []byte) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              notAfter,
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return key, cert, der
}
