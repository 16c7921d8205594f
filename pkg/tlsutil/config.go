package tlsutil

// ServerConfig enables TLS on the backbone listener.
type ServerConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CertFile   string `yaml:"cert_file,omitempty"`
	KeyFile    string `yaml:"key_file,omitempty"`
	MinVersion string `yaml:"min_version,omitempty"` // "1.2" or "1.3"

	MTLS ServerMTLSConfig `yaml:"mtls,omitempty"`
}

// ServerMTLSConfig makes the listener verify transponder certificates.
type ServerMTLSConfig struct {
	Enabled           bool     `yaml:"enabled"`
	ClientCAFiles     []string `yaml:"client_ca_files,omitempty"`
	RequireClientCert bool     `yaml:"require_client_cert,omitempty"` // false = verify if given
	AllowedClientCNs  []string `yaml:"allowed_client_cns,omitempty"`
}

// ClientConfig is used by transponders dialing an https/wss backbone.
// The system CA bundle is always trusted, CAFiles are added to it.
type ClientConfig struct {
	CAFiles            []string `yaml:"ca_files,omitempty"`
	InsecureSkipVerify bool     `yaml:"insecure_skip_verify,omitempty"` // DEV/TEST ONLY
	MinVersion         string   `yaml:"min_version,omitempty"`

	MTLS ClientMTLSConfig `yaml:"mtls,omitempty"`
}

// ClientMTLSConfig supplies the transponder certificate.
type ClientMTLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file,omitempty"`
	KeyFile  string `yaml:"key_file,omitempty"`
}
