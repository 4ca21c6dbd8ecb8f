package config

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
)

// fingerprint identifies a parsed config with env and keyring secrets
// resolved, so a rotated secret counts as a change even when the file did
// not move. Zero means unknown.
func fingerprint(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	sum := sha256.Sum256(b)
	return binary.BigEndian.Uint64(sum[:8])
}
