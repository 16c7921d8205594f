// Package tlsutil builds crypto/tls configurations for the backbone listener
// and for transponders connecting to it.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/cynsky/AisVirtualNet/errors"
)

// LoadServerTLSConfig returns nil when TLS is disabled.
func LoadServerTLSConfig(cfg ServerConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, errors.WrapFatal(err, "tlsutil", "LoadServerTLSConfig", "load certificate")
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   parseTLSVersion(cfg.MinVersion),
	}
	if cfg.MTLS.Enabled {
		if err := applyMTLSConfig(tlsConfig, cfg.MTLS); err != nil {
			return nil, err
		}
	}
	return tlsConfig, nil
}

// applyMTLSConfig adds client certificate verification to tlsConfig.
func applyMTLSConfig(tlsConfig *tls.Config, mtlsCfg ServerMTLSConfig) error {
	if len(mtlsCfg.ClientCAFiles) == 0 {
		return errors.WrapFatal(errors.ErrMissingConfig, "tlsutil", "applyMTLSConfig", "check client CA files")
	}
	clientCAs, err := loadPool(x509.NewCertPool(), mtlsCfg.ClientCAFiles)
	if err != nil {
		return errors.WrapFatal(err, "tlsutil", "applyMTLSConfig", "load client CAs")
	}

	tlsConfig.ClientCAs = clientCAs
	if mtlsCfg.RequireClientCert {
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	} else {
		tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
	}

	if len(mtlsCfg.AllowedClientCNs) > 0 {
		allowed := mtlsCfg.AllowedClientCNs
		tlsConfig.VerifyPeerCertificate = func(_ [][]byte, verifiedChains [][]*x509.Certificate) error {
			if len(verifiedChains) == 0 && !mtlsCfg.RequireClientCert {
				return nil
			}
			return verifyAllowedClientCN(verifiedChains, allowed)
		}
	}
	return nil
}

// verifyAllowedClientCN checks the leaf CN against the whitelist.
func verifyAllowedClientCN(chains [][]*x509.Certificate, allowedCNs []string) error {
	if len(chains) == 0 || len(chains[0]) == 0 {
		return fmt.Errorf("no verified certificate chains")
	}

	leaf := chains[0][0]
	for _, cn := range allowedCNs {
		if leaf.Subject.CommonName == cn {
			return nil
		}
	}
	return fmt.Errorf("client certificate CN '%s' not in allowed list", leaf.Subject.CommonName)
}

// LoadClientTLSConfig builds the client side configuration.
func LoadClientTLSConfig(cfg ClientConfig) (*tls.Config, error) {
	rootCAs, err := x509.SystemCertPool()
	if err != nil {
		rootCAs = x509.NewCertPool()
	}
	if rootCAs, err = loadPool(rootCAs, cfg.CAFiles); err != nil {
		return nil, errors.WrapFatal(err, "tlsutil", "LoadClientTLSConfig", "load CA files")
	}

	tlsConfig := &tls.Config{
		MinVersion:         parseTLSVersion(cfg.MinVersion),
		RootCAs:            rootCAs,
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // operator choice
	}

	if cfg.MTLS.Enabled {
		clientCert, err := tls.LoadX509KeyPair(cfg.MTLS.CertFile, cfg.MTLS.KeyFile)
		if err != nil {
			return nil, errors.WrapFatal(err, "tlsutil", "LoadClientTLSConfig", "load client certificate")
		}
		tlsConfig.Certificates = []tls.Certificate{clientCert}
	}
	return tlsConfig, nil
}

func loadPool(pool *x509.CertPool, files []string) (*x509.CertPool, error) {
	for _, file := range files {
		caPEM, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read CA file %s: %w", file, err)
		}
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("invalid PEM data in %s", file)
		}
	}
	return pool, nil
}

// parseTLSVersion defaults to TLS 1.2.
func parseTLSVersion(version string) uint16 {
	switch version {
	case "1.3":
		return tls.VersionTLS13
	default:
		return tls.VersionTLS12
	}
}
