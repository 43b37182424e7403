// Package app is the application layer around the commissioner core: the
// JSON configuration file, the file-backed logger, network-data
// persistence, and convenience operations over the mirrored datasets.
package app

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/backkem/thread-commissioner/pkg/commissioner"
	"github.com/backkem/thread-commissioner/pkg/transport"
)

// Config is the JSON configuration file.
type Config struct {
	// Id is the commissioner identifier used in petitions.
	Id string `json:"Id"`

	// EnableCcm selects Commercial Commissioning Mode.
	EnableCcm bool `json:"EnableCcm"`

	// DomainName is the Thread domain name, CCM only.
	DomainName string `json:"DomainName,omitempty"`

	// PSKc is the hex-encoded 16-byte PSKc, non-CCM only.
	PSKc string `json:"PSKc,omitempty"`

	// PrivateKeyFile, CertificateFile and TrustAnchorFile are PEM paths,
	// CCM only.
	PrivateKeyFile  string `json:"PrivateKeyFile,omitempty"`
	CertificateFile string `json:"CertificateFile,omitempty"`
	TrustAnchorFile string `json:"TrustAnchorFile,omitempty"`

	// KeepAliveInterval is the keep-alive period in seconds.
	KeepAliveInterval int `json:"KeepAliveInterval,omitempty"`

	// MaxConnectionNum caps concurrent joiner sessions.
	MaxConnectionNum int `json:"MaxConnectionNum,omitempty"`

	// LogFile and LogLevel configure the commissioner log.
	LogFile  string `json:"LogFile,omitempty"`
	LogLevel string `json:"LogLevel,omitempty"`
}

// pskcLength is the required PSKc length in bytes.
const pskcLength = 16

// LoadConfig reads and decodes a JSON configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, &commissioner.Error{Kind: commissioner.KindInvalidArgs,
			Message: "bad config file " + path + ": " + err.Error()}
	}
	return &config, nil
}

// buildCoreConfig converts the file configuration into the commissioner
// core configuration, loading key material from disk.
func (c *Config) buildCoreConfig() (commissioner.Config, error) {
	core := commissioner.Config{
		Id:                c.Id,
		EnableCcm:         c.EnableCcm,
		DomainName:        c.DomainName,
		KeepAliveInterval: time.Duration(c.KeepAliveInterval) * time.Second,
		MaxConnectionNum:  c.MaxConnectionNum,
	}

	if c.PSKc != "" {
		pskc, err := hex.DecodeString(c.PSKc)
		if err != nil || len(pskc) != pskcLength {
			return core, &commissioner.Error{Kind: commissioner.KindInvalidArgs,
				Message: "PSKc must be 32 hex digits"}
		}
		core.Security.PSKc = pskc
	}

	if c.EnableCcm {
		sec, err := loadCcmSecurity(c.CertificateFile, c.PrivateKeyFile, c.TrustAnchorFile)
		if err != nil {
			return core, err
		}
		core.Security.Certificate = sec.Certificate
		core.Security.TrustAnchors = sec.TrustAnchors
	}

	return core, nil
}

// loadCcmSecurity reads the PEM credential files.
func loadCcmSecurity(certFile, keyFile, anchorFile string) (*transport.Security, error) {
	certPEM, err := ReadPemFile(certFile)
	if err != nil {
		return nil, err
	}
	keyPEM, err := ReadPemFile(keyFile)
	if err != nil {
		return nil, err
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, &commissioner.Error{Kind: commissioner.KindSecurity,
			Message: "bad certificate or private key: " + err.Error()}
	}

	sec := &transport.Security{Certificate: cert}

	if anchorFile != "" {
		anchorPEM, err := ReadPemFile(anchorFile)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(anchorPEM) {
			return nil, &commissioner.Error{Kind: commissioner.KindSecurity,
				Message: "bad trust anchor: " + anchorFile}
		}
		sec.TrustAnchors = pool
	}
	return sec, nil
}
