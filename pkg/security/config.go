// Package security holds the TLS settings a secure endpoint carries in its URI options
package security

import (
	"fmt"
	"strings"

	"github.com/c360/jsonrpcbus/endpoint"
	"github.com/c360/jsonrpcbus/errors"
)

// TrustPolicy decides how a client verifies the server certificate
type TrustPolicy string

// Trust policies
const (
	// TrustVerify checks the chain against system roots plus any configured CA files
	TrustVerify TrustPolicy = "verify"
	// TrustIgnore skips verification (test and interop setups only)
	TrustIgnore TrustPolicy = "ignore"
)

// Server material modes
const (
	ModeManual = "manual"
	ModePKCS12 = "pkcs12"
	ModeACME   = "acme"
)

// ACMEConfig holds ACME client configuration for automated certificate management
type ACMEConfig struct {
	Enabled       bool     `json:"enabled"`
	DirectoryURL  string   `json:"directory_url,omitempty"`
	Email         string   `json:"email,omitempty"`
	Domains       []string `json:"domains,omitempty"`
	ChallengeType string   `json:"challenge_type,omitempty"` // "http-01" or "tls-alpn-01"
	RenewBefore   string   `json:"renew_before,omitempty"`   // Duration string (e.g., "8h")
	StoragePath   string   `json:"storage_path,omitempty"`
	CABundle      string   `json:"ca_bundle,omitempty"` // CA used to reach the ACME directory
}

// KeystoreConfig points at a PKCS#12 bundle holding the key and chain
type KeystoreConfig struct {
	Path     string `json:"path,omitempty"`
	Password string `json:"-"`
	Type     string `json:"type,omitempty"`
}

// ServerMTLSConfig holds client certificate validation settings for servers
type ServerMTLSConfig struct {
	Enabled           bool     `json:"enabled"`
	ClientCAFiles     []string `json:"client_ca_files,omitempty"`
	RequireClientCert bool     `json:"require_client_cert,omitempty"` // true = require, false = optional
	AllowedClientCNs  []string `json:"allowed_client_cns,omitempty"`
}

// ServerTLSConfig holds TLS configuration for server sessions
type ServerTLSConfig struct {
	Enabled     bool           `json:"enabled"`
	Mode        string         `json:"mode,omitempty"` // "manual", "pkcs12" or "acme"
	CertFile    string         `json:"cert_file,omitempty"`
	KeyFile     string         `json:"key_file,omitempty"`
	KeyPassword string         `json:"-"`
	Keystore    KeystoreConfig `json:"keystore,omitempty"`
	MinVersion  string         `json:"min_version,omitempty"` // "1.2" or "1.3"

	ACME ACMEConfig       `json:"acme,omitempty"`
	MTLS ServerMTLSConfig `json:"mtls,omitempty"`
}

// ClientMTLSConfig holds the certificate a client presents to the server
type ClientMTLSConfig struct {
	Enabled  bool   `json:"enabled"`
	CertFile string `json:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty"`
}

// ClientTLSConfig holds TLS configuration for client sessions.
// System roots are always trusted; CAFiles are additional roots.
type ClientTLSConfig struct {
	Enabled    bool        `json:"enabled"`
	Trust      TrustPolicy `json:"trust,omitempty"`
	CAFiles    []string    `json:"ca_files,omitempty"`
	MinVersion string      `json:"min_version,omitempty"`

	MTLS ClientMTLSConfig `json:"mtls,omitempty"`
}

// ServerFromOptions reads server TLS settings from endpoint options.
// Enabled follows the scheme; the material mode follows which options are present.
func ServerFromOptions(opts endpoint.Options, secure bool) (ServerTLSConfig, error) {
	cfg := ServerTLSConfig{
		Enabled:     secure,
		CertFile:    opts.String(endpoint.KeyCertFile, ""),
		KeyFile:     opts.String(endpoint.KeyKeyFile, ""),
		KeyPassword: opts.String(endpoint.KeyKeyPassword, ""),
		MinVersion:  opts.String(endpoint.KeyTLSMinVersion, ""),
		Keystore: KeystoreConfig{
			Path:     opts.String(endpoint.KeyKeystore, ""),
			Password: opts.String(endpoint.KeyKeystorePassword, ""),
			Type:     strings.ToLower(opts.String(endpoint.KeyKeystoreType, "")),
		},
	}

	if dir := opts.String(endpoint.KeyACMEDirectory, ""); dir != "" {
		cfg.ACME = ACMEConfig{
			Enabled:       true,
			DirectoryURL:  dir,
			Email:         opts.String(endpoint.KeyACMEEmail, ""),
			Domains:       opts.List(endpoint.KeyACMEDomains),
			ChallengeType: opts.String(endpoint.KeyACMEChallenge, ""),
			StoragePath:   opts.String(endpoint.KeyACMEStorage, ""),
			CABundle:      opts.String(endpoint.KeyCAFile, ""),
		}
	}

	switch {
	case cfg.ACME.Enabled:
		cfg.Mode = ModeACME
	case cfg.Keystore.Path != "":
		cfg.Mode = ModePKCS12
	case cfg.CertFile != "" || cfg.KeyFile != "":
		cfg.Mode = ModeManual
	}

	if ca := opts.String(endpoint.KeyClientCAFile, ""); ca != "" {
		require, err := opts.Bool(endpoint.KeyRequireClientCert, false)
		if err != nil {
			return cfg, invalid("ServerFromOptions", err)
		}
		cfg.MTLS = ServerMTLSConfig{
			Enabled:           true,
			ClientCAFiles:     []string{ca},
			RequireClientCert: require,
		}
	}

	if !secure {
		return cfg, nil
	}
	return cfg, cfg.Validate()
}

// Validate checks that an enabled server config names usable material
func (c ServerTLSConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	switch c.Mode {
	case "":
		return invalid("Validate", fmt.Errorf("secure server requires certFile/keyFile, keystore or acmeDirectory"))
	case ModeManual:
		if c.CertFile == "" || c.KeyFile == "" {
			return invalid("Validate", fmt.Errorf("certFile and keyFile must both be set"))
		}
	case ModePKCS12:
		switch c.Keystore.Type {
		case "", "pkcs12", "p12":
		default:
			return invalid("Validate", fmt.Errorf("unsupported keystoreType %q (only pkcs12)", c.Keystore.Type))
		}
	case ModeACME:
		if c.ACME.Email == "" || len(c.ACME.Domains) == 0 || c.ACME.StoragePath == "" {
			return invalid("Validate", fmt.Errorf("acme requires acmeEmail, acmeDomains and acmeStorage"))
		}
	default:
		return invalid("Validate", fmt.Errorf("unknown mode %q", c.Mode))
	}

	if c.MTLS.Enabled && len(c.MTLS.ClientCAFiles) == 0 {
		return invalid("Validate", fmt.Errorf("mtls enabled without a client CA"))
	}
	return nil
}

// ClientFromOptions reads client TLS settings from endpoint options
func ClientFromOptions(opts endpoint.Options, secure bool) (ClientTLSConfig, error) {
	cfg := ClientTLSConfig{
		Enabled:    secure,
		Trust:      TrustPolicy(strings.ToLower(opts.String(endpoint.KeyTrust, string(TrustVerify)))),
		MinVersion: opts.String(endpoint.KeyTLSMinVersion, ""),
	}
	if ca := opts.String(endpoint.KeyCAFile, ""); ca != "" {
		cfg.CAFiles = []string{ca}
	}

	certFile := opts.String(endpoint.KeyClientCertFile, "")
	keyFile := opts.String(endpoint.KeyClientKeyFile, "")
	if certFile != "" || keyFile != "" {
		cfg.MTLS = ClientMTLSConfig{Enabled: true, CertFile: certFile, KeyFile: keyFile}
	}

	if !secure {
		return cfg, nil
	}
	return cfg, cfg.Validate()
}

// Validate checks the trust policy and client certificate settings
func (c ClientTLSConfig) Validate() error {
	switch c.Trust {
	case "", TrustVerify, TrustIgnore:
	default:
		return invalid("Validate", fmt.Errorf("unknown trust policy %q (verify or ignore)", c.Trust))
	}
	if c.MTLS.Enabled && (c.MTLS.CertFile == "" || c.MTLS.KeyFile == "") {
		return invalid("Validate", fmt.Errorf("clientCertFile and clientKeyFile must both be set"))
	}
	return nil
}

func invalid(method string, err error) error {
	return errors.WrapFatal(fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err), "security", method, "validate tls options")
}
