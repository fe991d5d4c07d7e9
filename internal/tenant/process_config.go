// SPDX-License-Identifier: MIT

package tenant

import (
	"fmt"
	"strings"
)

// ProcessConfig holds the per-process configuration named in §6
// (Configuration): the phone encryption key, carrier webhook auth tokens,
// the default tenant slug used when an inbound event carries none, and a
// JWT secret reserved for non-core auth surfaces (the HTTP/JWT layer itself
// is out of scope here; the core only carries the secret through).
type ProcessConfig struct {
	EncryptionKey     string
	CarrierAuthTokens map[string]string // provider name -> shared secret
	DefaultTenantSlug string
	JWTSecret         string
}

// LoadProcessConfig reads ProcessConfig from the environment. Precedence is
// environment-only: this layer has no YAML file, unlike per-tenant config
// which is DB-backed (store.go).
func LoadProcessConfig() (ProcessConfig, error) {
	cfg := ProcessConfig{
		EncryptionKey:     ParseString("RADSCHED_ENCRYPTION_KEY", ""),
		CarrierAuthTokens: parseCarrierAuthTokens(ParseString("RADSCHED_CARRIER_AUTH_TOKENS", "")),
		DefaultTenantSlug: ParseString("RADSCHED_DEFAULT_TENANT", "default"),
		JWTSecret:         ParseString("RADSCHED_JWT_SECRET", ""),
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate enforces the encryption key length floor from §6 ("encryption
// key (≥32 chars)").
func (c ProcessConfig) Validate() error {
	if len(c.EncryptionKey) < 32 {
		return fmt.Errorf("tenant: RADSCHED_ENCRYPTION_KEY must be at least 32 characters")
	}
	return nil
}

// parseCarrierAuthTokens parses "provider=token,provider2=token2" into a map.
func parseCarrierAuthTokens(raw string) map[string]string {
	tokens := make(map[string]string)
	if raw == "" {
		return tokens
	}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}
		tokens[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	return tokens
}
