package tls

import "errors"

// Config is the [server.tls] section.
type Config struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	CertFile string `json:"cert_file,omitempty" mapstructure:"cert_file"`
	KeyFile  string `json:"key_file,omitempty" mapstructure:"key_file"`
	// Dir holds tls.crt/tls.key when CertFile/KeyFile are not set.
	Dir          string `json:"dir,omitempty" mapstructure:"dir"`
	AutoGenerate bool   `json:"auto_generate" mapstructure:"auto_generate"`
	MinVersion   string `json:"min_version,omitempty" mapstructure:"min_version"` // "1.2" or "1.3"

	// self-signed certificate settings, used with AutoGenerate
	CommonName  string   `json:"common_name,omitempty" mapstructure:"common_name"`
	DNSNames    []string `json:"dns_names,omitempty" mapstructure:"dns_names"`
	IPAddresses []string `json:"ip_addresses,omitempty" mapstructure:"ip_addresses"`
	ValidDays   int      `json:"valid_days,omitempty" mapstructure:"valid_days"`
}

// Validate reports configurations that cannot produce a certificate.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return errors.New("tls: cert_file and key_file must be set together")
	}
	if c.CertFile == "" && c.Dir == "" {
		return errors.New("tls: enabled but neither cert_file/key_file nor dir is set")
	}
	if _, ok := parseTLSVersion(c.MinVersion); !ok && c.MinVersion != "" {
		return errors.New("tls: min_version must be 1.2 or 1.3")
	}
	return nil
}
