package devrelay

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog/log"
)

// TLSConfig holds the relay's TLS settings. ClientCACert enables
// client-certificate verification.
type TLSConfig struct {
	ServerCert   string
	ServerKey    string
	ClientCACert string
	RequireAuth  bool
}

// LoadTLSConfig reads TLS settings from the environment.
func LoadTLSConfig() TLSConfig {
	return TLSConfig{
		ServerCert:   os.Getenv("DEVRELAY_TLS_CERT"),
		ServerKey:    os.Getenv("DEVRELAY_TLS_KEY"),
		ClientCACert: os.Getenv("DEVRELAY_CLIENT_CA"),
		RequireAuth:  os.Getenv("DEVRELAY_REQUIRE_MTLS") == "true",
	}
}

// Enabled reports whether a certificate pair is configured.
func (c TLSConfig) Enabled() bool { return c.ServerCert != "" && c.ServerKey != "" }

// Build creates the server-side *tls.Config.
func (c TLSConfig) Build() (*tls.Config, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("server cert and key required for TLS")
	}

	cert, err := tls.LoadX509KeyPair(c.ServerCert, c.ServerKey)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if c.RequireAuth && c.ClientCACert != "" {
		caCert, err := os.ReadFile(c.ClientCACert)
		if err != nil {
			return nil, fmt.Errorf("read client CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse client CA certificate")
		}
		tlsConfig.ClientCAs = pool
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert

		log.Info().Str("ca_cert", c.ClientCACert).Msg("Client certificate verification enabled")
	}
	return tlsConfig, nil
}

// clientIdentity tags requests with the verified client certificate subject.
func clientIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
			cert := r.TLS.PeerCertificates[0]
			r.Header.Set("X-Client-Subject", cert.Subject.String())
			log.Debug().
				Str("subject", cert.Subject.String()).
				Str("serial", cert.SerialNumber.String()).
				Str("path", r.URL.Path).
				Msg("Client certificate presented")
		}
		next.ServeHTTP(w, r)
	})
}

// ListenAndServeTLS serves the relay over TLS.
func (s *Server) ListenAndServeTLS(addr string, config TLSConfig) error {
	tlsConfig, err := config.Build()
	if err != nil {
		return err
	}

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           clientIdentity(s.Handler()),
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().
		Str("addr", addr).
		Bool("client_auth", tlsConfig.ClientAuth == tls.RequireAndVerifyClientCert).
		Msg("Starting relay with TLS")

	return s.srv.ListenAndServeTLS("", "")
}
