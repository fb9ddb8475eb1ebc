// Package acme obtains and renews server certificates from an ACME directory
package acme

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/challenge/http01"
	"github.com/go-acme/lego/v4/challenge/tlsalpn01"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"

	"github.com/c360/jsonrpcbus/errors"
)

// Challenge types
const (
	ChallengeHTTP01    = "http-01"
	ChallengeTLSALPN01 = "tls-alpn-01"
)

// DefaultRenewBefore is how long before expiry a certificate is renewed
const DefaultRenewBefore = 8 * time.Hour

const (
	accountFile = "account.json"
	accountKey  = "account.key"
	certFile    = "certificate.pem"
	keyFile     = "certificate.key"
)

// Config holds ACME client configuration
type Config struct {
	DirectoryURL  string
	Email         string
	Domains       []string
	ChallengeType string
	RenewBefore   time.Duration
	StoragePath   string
	CABundle      string
	Logger        *slog.Logger
}

// Validate checks the configuration and fills defaults
func (c *Config) Validate() error {
	if c.DirectoryURL == "" {
		return invalid("directory_url is required", "check directory URL")
	}
	if c.Email == "" {
		return invalid("email is required", "check email")
	}
	if len(c.Domains) == 0 {
		return invalid("at least one domain is required", "check domains")
	}
	switch c.ChallengeType {
	case "":
		c.ChallengeType = ChallengeHTTP01
	case ChallengeHTTP01, ChallengeTLSALPN01:
	default:
		return invalid("challenge_type must be 'http-01' or 'tls-alpn-01'", "check challenge type")
	}
	if c.StoragePath == "" {
		return invalid("storage_path is required", "check storage path")
	}
	if c.RenewBefore <= 0 {
		c.RenewBefore = DefaultRenewBefore
	}
	return nil
}

func invalid(reason, action string) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidConfig, reason), "acme.Config", "Validate", action)
}

// Account is the registered ACME account persisted next to the certificate
type Account struct {
	Email        string                 `json:"email"`
	Registration *registration.Resource `json:"registration"`
	key          crypto.PrivateKey
}

// GetEmail returns the account email address
func (a *Account) GetEmail() string { return a.Email }

// GetRegistration returns the ACME registration resource
func (a *Account) GetRegistration() *registration.Resource { return a.Registration }

// GetPrivateKey returns the account private key
func (a *Account) GetPrivateKey() crypto.PrivateKey { return a.key }

// Client manages one certificate's lifecycle against an ACME directory
type Client struct {
	config  Config
	lego    *lego.Client
	account *Account
	logger  *slog.Logger
}

// NewClient validates cfg, prepares storage and registers the account if needed
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.StoragePath, 0700); err != nil {
		return nil, errors.WrapFatal(err, "acme.Client", "NewClient", "create storage directory")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		config: cfg,
		logger: logger.With("component", "acme", "domain", cfg.Domains[0]),
	}

	if err := c.loadOrCreateAccount(); err != nil {
		return nil, err
	}
	if err := c.initLego(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) path(name string) string {
	return filepath.Join(c.config.StoragePath, name)
}

func (c *Client) loadOrCreateAccount() error {
	data, err := os.ReadFile(c.path(accountFile))
	switch {
	case err == nil:
		var account Account
		if err := json.Unmarshal(data, &account); err != nil {
			return errors.WrapFatal(err, "acme.Client", "loadOrCreateAccount", "unmarshal account")
		}
		keyData, err := os.ReadFile(c.path(accountKey))
		if err != nil {
			return errors.WrapFatal(err, "acme.Client", "loadOrCreateAccount", "read key file")
		}
		if account.key, err = certcrypto.ParsePEMPrivateKey(keyData); err != nil {
			return errors.WrapFatal(err, "acme.Client", "loadOrCreateAccount", "parse private key")
		}
		c.account = &account
		return nil
	case !os.IsNotExist(err):
		return errors.WrapFatal(err, "acme.Client", "loadOrCreateAccount", "read account file")
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return errors.WrapFatal(err, "acme.Client", "loadOrCreateAccount", "generate private key")
	}
	c.account = &Account{Email: c.config.Email, key: key}
	return c.saveAccount()
}

func (c *Client) saveAccount() error {
	data, err := json.MarshalIndent(c.account, "", "  ")
	if err != nil {
		return errors.WrapFatal(err, "acme.Client", "saveAccount", "marshal account")
	}
	if err := os.WriteFile(c.path(accountFile), data, 0600); err != nil {
		return errors.WrapFatal(err, "acme.Client", "saveAccount", "write account file")
	}
	if err := os.WriteFile(c.path(accountKey), certcrypto.PEMEncode(c.account.key), 0600); err != nil {
		return errors.WrapFatal(err, "acme.Client", "saveAccount", "write key file")
	}
	return nil
}

func (c *Client) initLego() error {
	config := lego.NewConfig(c.account)
	config.CADirURL = c.config.DirectoryURL
	config.Certificate.KeyType = certcrypto.EC256

	if c.config.CABundle != "" {
		pool, err := loadPool(c.config.CABundle)
		if err != nil {
			return err
		}
		config.HTTPClient = &http.Client{
			Timeout:   30 * time.Second,
			Transport: &http.Transport{TLSClientConfig: &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}},
		}
	}

	client, err := lego.NewClient(config)
	if err != nil {
		return errors.WrapFatal(err, "acme.Client", "initLego", "create lego client")
	}

	switch c.config.ChallengeType {
	case ChallengeHTTP01:
		err = client.Challenge.SetHTTP01Provider(http01.NewProviderServer("", "80"))
	case ChallengeTLSALPN01:
		err = client.Challenge.SetTLSALPN01Provider(tlsalpn01.NewProviderServer("", "443"))
	}
	if err != nil {
		return errors.WrapFatal(err, "acme.Client", "initLego", "setup "+c.config.ChallengeType+" challenge")
	}

	if c.account.Registration == nil {
		reg, err := client.Registration.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
		if err != nil {
			return errors.WrapTransient(err, "acme.Client", "initLego", "register account")
		}
		c.account.Registration = reg
		if err := c.saveAccount(); err != nil {
			return err
		}
		c.logger.Info("ACME account registered", "email", c.config.Email)
	}

	c.lego = client
	return nil
}

func loadPool(file string) (*x509.CertPool, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, errors.WrapFatal(err, "acme.Client", "loadPool", "read CA bundle")
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, errors.WrapFatal(fmt.Errorf("%w: no certificates in %s", errors.ErrInvalidTLS, file),
			"acme.Client", "loadPool", "parse CA bundle")
	}
	return pool, nil
}

func (c *Client) store(res *certificate.Resource, method string) (*tls.Certificate, error) {
	if err := os.WriteFile(c.path(certFile), res.Certificate, 0644); err != nil {
		return nil, errors.WrapFatal(err, "acme.Client", method, "write certificate")
	}
	if err := os.WriteFile(c.path(keyFile), res.PrivateKey, 0600); err != nil {
		return nil, errors.WrapFatal(err, "acme.Client", method, "write private key")
	}
	cert, err := tls.X509KeyPair(res.Certificate, res.PrivateKey)
	if err != nil {
		return nil, errors.WrapFatal(err, "acme.Client", method, "load certificate")
	}
	return &cert, nil
}

// ObtainCertificate requests a new certificate for the configured domains
func (c *Client) ObtainCertificate(_ context.Context) (*tls.Certificate, error) {
	res, err := c.lego.Certificate.Obtain(certificate.ObtainRequest{
		Domains: c.config.Domains,
		Bundle:  true,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "acme.Client", "ObtainCertificate", "obtain certificate")
	}
	c.logger.Info("ACME certificate obtained")
	return c.store(res, "ObtainCertificate")
}

// Stored returns the certificate on disk, or nil when none has been obtained yet
func (c *Client) Stored() (*tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(c.path(certFile), c.path(keyFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WrapFatal(err, "acme.Client", "Stored", "load stored certificate")
	}
	return &cert, nil
}

// NeedsRenewal reports whether cert expires within the renewal window
func (c *Client) NeedsRenewal(cert *tls.Certificate) (bool, error) {
	leaf := cert.Leaf
	if leaf == nil {
		var err error
		if leaf, err = x509.ParseCertificate(cert.Certificate[0]); err != nil {
			return false, errors.WrapFatal(err, "acme.Client", "NeedsRenewal", "parse certificate")
		}
	}
	return !time.Now().Before(leaf.NotAfter.Add(-c.config.RenewBefore)), nil
}

// RenewCertificateIfNeeded renews the stored certificate when it is close to expiry.
// It returns nil without error when nothing is stored yet.
func (c *Client) RenewCertificateIfNeeded(_ context.Context) (*tls.Certificate, bool, error) {
	current, err := c.Stored()
	if err != nil || current == nil {
		return nil, false, err
	}

	due, err := c.NeedsRenewal(current)
	if err != nil || !due {
		return current, false, err
	}

	pemData, err := os.ReadFile(c.path(certFile))
	if err != nil {
		return nil, false, errors.WrapFatal(err, "acme.Client", "RenewCertificateIfNeeded", "read certificate")
	}

	res, err := c.lego.Certificate.Renew(certificate.Resource{
		Domain:      c.config.Domains[0],
		Certificate: pemData,
	}, true, false, "")
	if err != nil {
		return nil, false, errors.WrapTransient(err, "acme.Client", "RenewCertificateIfNeeded", "renew certificate")
	}

	renewed, err := c.store(res, "RenewCertificateIfNeeded")
	if err != nil {
		return nil, false, err
	}
	return renewed, true, nil
}

// Certificate returns a usable certificate, renewing or obtaining one as needed
func (c *Client) Certificate(ctx context.Context) (*tls.Certificate, error) {
	cert, _, err := c.RenewCertificateIfNeeded(ctx)
	if err == nil && cert != nil {
		return cert, nil
	}
	if err != nil {
		c.logger.Warn("stored ACME certificate unusable, requesting a new one", "error", err)
	}
	return c.ObtainCertificate(ctx)
}

// StartRenewalLoop checks for renewal every interval until ctx is done.
// Failed checks are logged and retried on the next tick.
func (c *Client) StartRenewalLoop(ctx context.Context, interval time.Duration, onRenewal func(*tls.Certificate)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			cert, renewed, err := c.RenewCertificateIfNeeded(ctx)
			if err != nil {
				c.logger.Warn("ACME renewal check failed", "error", err, "class", errors.Classify(err))
				continue
			}
			if renewed {
				c.logger.Info("ACME certificate renewed")
				if onRenewal != nil {
					onRenewal(cert)
				}
			}
		}
	}
}
