package tls

// Config describes the certificate of the control API listener.
// CertFile/KeyFile win over Dir; with Dir set and AutoGenerate on, a
// self-signed pair is written there on first use.
type Config struct {
	Enabled      bool     `mapstructure:"enabled"`
	CertFile     string   `mapstructure:"cert_file"`
	KeyFile      string   `mapstructure:"key_file"`
	Dir          string   `mapstructure:"dir"`
	AutoGenerate bool     `mapstructure:"auto_generate"`
	MinVersion   string   `mapstructure:"min_version"` // "1.2" or "1.3" (default)
	CommonName   string   `mapstructure:"common_name"`
	DNSNames     []string `mapstructure:"dns_names"`
	IPAddresses  []string `mapstructure:"ip_addresses"`
	ValidDays    int      `mapstructure:"valid_days"`
}

// Files returns the certificate and key paths Setup will load.
func (c Config) Files() (cert, key string) {
	if c.CertFile != "" && c.KeyFile != "" {
		return c.CertFile, c.KeyFile
	}
	if c.Dir == "" {
		return "", ""
	}
	return joinDir(c.Dir, certName), joinDir(c.Dir, keyName)
}
