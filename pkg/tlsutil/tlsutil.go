// Package tlsutil turns endpoint security options into crypto/tls configuration.
package tlsutil

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/pkcs12"

	"github.com/c360/jsonrpcbus/bus"
	"github.com/c360/jsonrpcbus/endpoint"
	"github.com/c360/jsonrpcbus/errors"
	"github.com/c360/jsonrpcbus/pkg/acme"
	"github.com/c360/jsonrpcbus/pkg/security"
)

// RenewalInterval is how often ACME-backed listeners check for renewal
var RenewalInterval = time.Hour

// ForServer builds the listener TLS config for ep, or nil for plaintext schemes.
// The cleanup func stops ACME renewal and is never nil.
func ForServer(ctx context.Context, ep *endpoint.Endpoint, logger *slog.Logger) (*tls.Config, func(), error) {
	cfg, err := security.ServerFromOptions(ep.Options, ep.Secure())
	if err != nil {
		return nil, func() {}, err
	}
	if !cfg.Enabled {
		return nil, func() {}, nil
	}
	return LoadServerTLSConfig(ctx, cfg, logger)
}

// ForClient builds the dialer TLS config for ep, or nil for plaintext schemes
func ForClient(ep *endpoint.Endpoint, logger *slog.Logger) (*tls.Config, error) {
	cfg, err := security.ClientFromOptions(ep.Options, ep.Secure())
	if err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return nil, nil
	}
	tlsConfig, err := LoadClientTLSConfig(cfg, logger)
	if err != nil {
		return nil, err
	}
	tlsConfig.ServerName = ep.Host
	return tlsConfig, nil
}

// Negotiated describes the session's TLS parameters, or nil before a completed handshake
func Negotiated(state tls.ConnectionState) *bus.TransportSecurity {
	return bus.SecurityFromState(&state)
}

// LoadServerTLSConfig loads server material eagerly. Missing or unreadable material is fatal.
func LoadServerTLSConfig(ctx context.Context, cfg security.ServerTLSConfig, logger *slog.Logger) (*tls.Config, func(), error) {
	noop := func() {}
	if err := cfg.Validate(); err != nil {
		return nil, noop, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	tlsConfig := &tls.Config{MinVersion: parseTLSVersion(cfg.MinVersion)}
	cleanup := noop

	switch cfg.Mode {
	case security.ModeManual:
		cert, err := loadKeyPair(cfg.CertFile, cfg.KeyFile, cfg.KeyPassword)
		if err != nil {
			return nil, noop, err
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	case security.ModePKCS12:
		cert, err := loadPKCS12(cfg.Keystore.Path, cfg.Keystore.Password)
		if err != nil {
			return nil, noop, err
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	case security.ModeACME:
		getCert, stop, err := startACME(ctx, cfg, logger)
		if err != nil {
			return nil, noop, err
		}
		tlsConfig.GetCertificate = getCert
		cleanup = stop
	}

	if cfg.MTLS.Enabled {
		if err := applyMTLSConfig(tlsConfig, cfg.MTLS); err != nil {
			cleanup()
			return nil, noop, err
		}
	}

	return tlsConfig, cleanup, nil
}

// LoadClientTLSConfig creates a client tls.Config.
// System roots are always trusted; CAFiles are added to them.
func LoadClientTLSConfig(cfg security.ClientTLSConfig, logger *slog.Logger) (*tls.Config, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	tlsConfig := &tls.Config{MinVersion: parseTLSVersion(cfg.MinVersion)}

	rootCAs, err := x509.SystemCertPool()
	if err != nil {
		rootCAs = x509.NewCertPool()
	}
	for _, caFile := range cfg.CAFiles {
		if err := appendPEMFile(rootCAs, caFile, "LoadClientTLSConfig"); err != nil {
			return nil, err
		}
	}
	tlsConfig.RootCAs = rootCAs

	if cfg.Trust == security.TrustIgnore {
		logger.Warn("TLS certificate verification disabled (trust=ignore)")
		tlsConfig.InsecureSkipVerify = true
	}

	if cfg.MTLS.Enabled {
		cert, err := loadKeyPair(cfg.MTLS.CertFile, cfg.MTLS.KeyFile, "")
		if err != nil {
			return nil, err
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

func applyMTLSConfig(tlsConfig *tls.Config, mtlsCfg security.ServerMTLSConfig) error {
	clientCAs := x509.NewCertPool()
	for _, caFile := range mtlsCfg.ClientCAFiles {
		if err := appendPEMFile(clientCAs, caFile, "applyMTLSConfig"); err != nil {
			return err
		}
	}

	tlsConfig.ClientCAs = clientCAs
	if mtlsCfg.RequireClientCert {
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	} else {
		tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
	}

	if len(mtlsCfg.AllowedClientCNs) > 0 {
		allowed := mtlsCfg.AllowedClientCNs
		tlsConfig.VerifyPeerCertificate = func(_ [][]byte, chains [][]*x509.Certificate) error {
			return verifyAllowedClientCN(chains, allowed)
		}
	}
	return nil
}

func verifyAllowedClientCN(chains [][]*x509.Certificate, allowedCNs []string) error {
	if len(chains) == 0 || len(chains[0]) == 0 {
		// VerifyClientCertIfGiven with no certificate
		return nil
	}
	cn := chains[0][0].Subject.CommonName
	for _, allowed := range allowedCNs {
		if cn == allowed {
			return nil
		}
	}
	return fmt.Errorf("client certificate CN '%s' not in allowed list", cn)
}

func appendPEMFile(pool *x509.CertPool, file, method string) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return tlsError(err, method, "read CA file "+file)
	}
	if !pool.AppendCertsFromPEM(data) {
		return tlsError(fmt.Errorf("no PEM certificates found"), method, "parse CA file "+file)
	}
	return nil
}

// loadKeyPair reads a PEM pair; password decrypts a legacy encrypted PEM key
func loadKeyPair(certFile, keyFile, password string) (tls.Certificate, error) {
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return tls.Certificate{}, tlsError(err, "loadKeyPair", "read certificate")
	}
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return tls.Certificate{}, tlsError(err, "loadKeyPair", "read private key")
	}

	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return tls.Certificate{}, tlsError(fmt.Errorf("no PEM block in %s", keyFile), "loadKeyPair", "decode private key")
	}
	//nolint:staticcheck // encrypted PEM keys are still issued by older tooling
	if x509.IsEncryptedPEMBlock(block) {
		if password == "" {
			return tls.Certificate{}, tlsError(fmt.Errorf("key is encrypted and keyPassword is not set"), "loadKeyPair", "decrypt private key")
		}
		//nolint:staticcheck // see above
		der, err := x509.DecryptPEMBlock(block, []byte(password))
		if err != nil {
			return tls.Certificate{}, tlsError(err, "loadKeyPair", "decrypt private key")
		}
		keyPEM = pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: der})
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, tlsError(err, "loadKeyPair", "load certificate")
	}
	return cert, nil
}

func loadPKCS12(file, password string) (tls.Certificate, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return tls.Certificate{}, tlsError(err, "loadPKCS12", "read keystore")
	}
	blocks, err := pkcs12.ToPEM(data, password)
	if err != nil {
		return tls.Certificate{}, tlsError(err, "loadPKCS12", "decode keystore")
	}

	var pemData []byte
	for _, b := range blocks {
		pemData = append(pemData, pem.EncodeToMemory(b)...)
	}
	cert, err := tls.X509KeyPair(pemData, pemData)
	if err != nil {
		return tls.Certificate{}, tlsError(err, "loadPKCS12", "load keystore certificate")
	}
	return cert, nil
}

// startACME obtains the first certificate synchronously and keeps it fresh in the background.
// A configured certFile/keyFile pair is used when the ACME directory cannot be reached.
func startACME(ctx context.Context, cfg security.ServerTLSConfig, logger *slog.Logger) (func(*tls.ClientHelloInfo) (*tls.Certificate, error), func(), error) {
	var current atomic.Pointer[tls.Certificate]
	getCert := func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		return current.Load(), nil
	}

	fallback := func(cause error) (func(*tls.ClientHelloInfo) (*tls.Certificate, error), func(), error) {
		if cfg.CertFile == "" || cfg.KeyFile == "" {
			return nil, nil, cause
		}
		logger.Warn("ACME unavailable, serving configured certificate", "error", cause)
		cert, err := loadKeyPair(cfg.CertFile, cfg.KeyFile, cfg.KeyPassword)
		if err != nil {
			return nil, nil, err
		}
		current.Store(&cert)
		return getCert, func() {}, nil
	}

	client, err := acme.NewClient(acmeConfig(cfg, logger))
	if err != nil {
		return fallback(err)
	}
	cert, err := client.Certificate(ctx)
	if err != nil {
		return fallback(err)
	}
	current.Store(cert)

	renewCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = client.StartRenewalLoop(renewCtx, RenewalInterval, func(c *tls.Certificate) {
			current.Store(c)
		})
	}()

	stop := func() {
		cancel()
		<-done
	}
	return getCert, stop, nil
}

func acmeConfig(cfg security.ServerTLSConfig, logger *slog.Logger) acme.Config {
	renewBefore, err := time.ParseDuration(cfg.ACME.RenewBefore)
	if err != nil {
		renewBefore = acme.DefaultRenewBefore
	}
	return acme.Config{
		DirectoryURL:  cfg.ACME.DirectoryURL,
		Email:         cfg.ACME.Email,
		Domains:       cfg.ACME.Domains,
		ChallengeType: cfg.ACME.ChallengeType,
		RenewBefore:   renewBefore,
		StoragePath:   cfg.ACME.StoragePath,
		CABundle:      cfg.ACME.CABundle,
		Logger:        logger,
	}
}

// parseTLSVersion converts "1.2"/"1.3" to a crypto/tls constant, defaulting to TLS 1.2
func parseTLSVersion(version string) uint16 {
	switch version {
	case "1.3":
		return tls.VersionTLS13
	default:
		return tls.VersionTLS12
	}
}

func tlsError(err error, method, action string) error {
	return errors.WrapFatal(fmt.Errorf("%w: %w: %w", errors.ErrInvalidConfig, errors.ErrInvalidTLS, err), "tlsutil", method, action)
}
