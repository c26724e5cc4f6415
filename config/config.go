// Package config loads server configuration from JSON files.
//
// Grounded on the teacher's helpers/config_reader.go DecodeFile, generalized
// from "decode into any interface{}" into a typed FileConfig matching
// smtp.Config's fields, since the teacher's config surface (Port, Hostname
// only) covers a fraction of what spec.md §6 requires.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/sentrymail/sentrymail/smtp"
)

// FileConfig is the on-disk shape of an endpoint's configuration.
// Duration fields are Go duration strings ("30s", "5m").
type FileConfig struct {
	Hostname        string   `json:"hostname"`
	Port            int      `json:"port"`
	Secure          bool     `json:"secure"`
	AuthRequired    bool     `json:"authRequired"`
	MaxMessageSize  int64    `json:"maxMessageSize"`
	MaxRecipients   int      `json:"maxRecipients"`
	MaxTransactions int      `json:"maxTransactions"`
	IdleTimeout     string   `json:"idleTimeout"`
	DataTimeout     string   `json:"dataTimeout"`
	AllowedNetworks []string `json:"allowedNetworks"`
	BlockedNetworks []string `json:"blockedNetworks"`
}

// Load reads and decodes the JSON file at path, same failure-reporting
// shape as the teacher's DecodeFile (open error vs parse error reported
// distinctly).
func Load(path string) (*FileConfig, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: could not open %s: %w", path, err)
	}
	defer file.Close()

	var fc FileConfig
	if err := json.NewDecoder(file).Decode(&fc); err != nil {
		return nil, fmt.Errorf("config: could not parse %s: %w", path, err)
	}
	return &fc, nil
}

// ToSMTPConfig converts the decoded file into an smtp.Config, parsing its
// duration strings and CIDR network lists. Realm, HandlerFactory,
// MailboxFactory, Sink and IsXclientAuthorized are not representable in
// JSON and are left for the caller to set on the returned Config before
// use.
func (fc *FileConfig) ToSMTPConfig() (smtp.Config, error) {
	cfg := smtp.Config{
		Hostname:        fc.Hostname,
		Port:            fc.Port,
		Secure:          fc.Secure,
		AuthRequired:    fc.AuthRequired,
		MaxMessageSize:  fc.MaxMessageSize,
		MaxRecipients:   fc.MaxRecipients,
		MaxTransactions: fc.MaxTransactions,
	}
	var err error
	if cfg.IdleTimeout, err = parseDuration(fc.IdleTimeout); err != nil {
		return cfg, fmt.Errorf("config: idleTimeout: %w", err)
	}
	if cfg.DataTimeout, err = parseDuration(fc.DataTimeout); err != nil {
		return cfg, fmt.Errorf("config: dataTimeout: %w", err)
	}
	if cfg.AllowedNetworks, err = parseCIDRList(fc.AllowedNetworks); err != nil {
		return cfg, fmt.Errorf("config: allowedNetworks: %w", err)
	}
	if cfg.BlockedNetworks, err = parseCIDRList(fc.BlockedNetworks); err != nil {
		return cfg, fmt.Errorf("config: blockedNetworks: %w", err)
	}
	return cfg, nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

func parseCIDRList(raw []string) ([]*net.IPNet, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	nets := make([]*net.IPNet, 0, len(raw))
	for _, cidr := range raw {
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", cidr, err)
		}
		nets = append(nets, n)
	}
	return nets, nil
}
