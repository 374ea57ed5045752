package proxy

import (
	"crypto/tls"
	"fmt"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sirupsen/logrus"
)

// certStore implements goproxy.CertStorage, keeping one generated certificate per hostname
type certStore struct {
	certs *xsync.MapOf[string, *tls.Certificate]
}

func newCertStore() *certStore {
	return &certStore{certs: xsync.NewMapOf[string, *tls.Certificate]()}
}

func (s *certStore) Fetch(hostname string, gen func() (*tls.Certificate, error)) (*tls.Certificate, error) {
	if cert, ok := s.certs.Load(hostname); ok {
		return cert, nil
	}

	cert, err := gen()
	if err != nil {
		logrus.Errorf("Failed to generate certificate for hostname '%s': %v", hostname, err)
		return nil, fmt.Errorf("failed to generate certificate for hostname '%s': %w", hostname, err)
	}

	// Concurrent handshakes for the same host all end up with the first stored certificate
	actual, _ := s.certs.LoadOrStore(hostname, cert)
	return actual, nil
}
