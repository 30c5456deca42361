// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package comms

import (
	"crypto/tls"
	"crypto/x509"
	"net"
)

// TLSConfig prepares a *tls.Config for the host using the provided cert. A
// nil cert means only the system roots are accepted.
func TLSConfig(host string, cert []byte) (*tls.Config, error) {
	hostname, _, err := net.SplitHostPort(host)
	if err != nil {
		hostname = host
	}

	rootCAs, _ := x509.SystemCertPool()
	if rootCAs == nil {
		rootCAs = x509.NewCertPool()
	}

	if len(cert) > 0 {
		if ok := rootCAs.AppendCertsFromPEM(cert); !ok {
			return nil, ErrInvalidCert
		}
	}

	return &tls.Config{
		RootCAs:    rootCAs,
		MinVersion: tls.VersionTLS12,
		ServerName: hostname,
	}, nil
}
