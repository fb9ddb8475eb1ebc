package transport

import (
	"crypto/tls"
	"crypto/x509"
	stderrors "errors"
	"fmt"

	"github.com/c360/jsonrpcbus/errors"
)

// DialError classifies a failed client connect. Certificate and handshake
// problems cannot be fixed by retrying and are fatal; everything else is
// transient.
func DialError(component, method string, err error) error {
	var (
		unknownAuthority x509.UnknownAuthorityError
		hostname         x509.HostnameError
		invalid          x509.CertificateInvalidError
		verify           *tls.CertificateVerificationError
		record           tls.RecordHeaderError
	)
	switch {
	case errors.IsClassified(err):
		return err
	case stderrors.As(err, &unknownAuthority), stderrors.As(err, &hostname),
		stderrors.As(err, &invalid), stderrors.As(err, &verify):
		return errors.WrapFatal(fmt.Errorf("%w: %w", errors.ErrInvalidTLS, err), component, method, "verify server certificate")
	case stderrors.As(err, &record):
		return errors.WrapFatal(fmt.Errorf("%w: server does not speak TLS: %w", errors.ErrInvalidTLS, err), component, method, "handshake")
	default:
		return errors.WrapTransient(err, component, method, "connect")
	}
}
