package policy

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads, strictly decodes, and validates a policy file at path. The
// returned policy's PolicyHash field holds the hex-encoded SHA-256 of the
// raw source bytes — the policy_hash every audit event carries.
func Load(path string) (*CapitalPolicy, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	return LoadBytes(src)
}

// LoadBytes decodes and validates a policy source buffer directly. Used by
// Load and by tests against inline YAML fixtures.
func LoadBytes(src []byte) (*CapitalPolicy, error) {
	dec := yaml.NewDecoder(bytes.NewReader(src))
	dec.KnownFields(true) // reject unknown keys anywhere in the tree

	var p CapitalPolicy
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("decode policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	sum := sha256.Sum256(src)
	p.PolicyHash = hex.EncodeToString(sum[:])
	return &p, nil
}
