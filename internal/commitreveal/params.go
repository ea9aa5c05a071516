package commitreveal

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/gowebpki/jcs"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/xtrntr/fairlaunch/internal/fault"
	"github.com/xtrntr/fairlaunch/internal/models"
)

const (
	MinSaltLength = 16
	MaxSaltLength = 64
)

const launchParamsSchemaURL = "https://fairlaunch.schemas.local/launch-params.schema.json"

const launchParamsSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["name", "symbol", "totalSupply", "launchMode"],
  "properties": {
    "name": {"type": "string", "minLength": 1, "maxLength": 64},
    "symbol": {"type": "string", "minLength": 1, "maxLength": 10},
    "totalSupply": {"type": "string", "pattern": "^[0-9]+(\\.[0-9]+)?$"},
    "launchMode": {"enum": ["batch", "lbp", "dutch", "bonding"]},
    "useCommitReveal": {"type": "boolean"},
    "devAllocation": {"type": "string", "pattern": "^[0-9]+(\\.[0-9]+)?$"},
    "vestingDays": {"type": "integer", "minimum": 0, "maximum": 3650},
    "escrowSigners": {
      "type": ["array", "null"],
      "items": {"type": "string", "minLength": 1},
      "uniqueItems": true
    },
    "escrowQuorum": {"type": "integer", "minimum": 0}
  }
}`

var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(launchParamsSchemaURL, strings.NewReader(launchParamsSchema)); err != nil {
		return nil, fmt.Errorf("launch params schema load failed: %w", err)
	}
	return c.Compile(launchParamsSchemaURL)
})

// Validate checks params against the launch schema and the supply rules.
func Validate(p models.LaunchParams) error {
	schema, err := compiledSchema()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("%w: %v", fault.ErrInvalidParams, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("%w: %v", fault.ErrInvalidParams, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", fault.ErrInvalidParams, err)
	}

	if !p.TotalSupply.IsPositive() {
		return fmt.Errorf("%w: total supply must be positive", fault.ErrInvalidParams)
	}
	if p.DevAllocation.IsNegative() || p.DevAllocation.GreaterThanOrEqual(p.TotalSupply) {
		return fmt.Errorf("%w: dev allocation must be in [0, total supply)", fault.ErrInvalidParams)
	}
	if p.DevAllocation.IsPositive() {
		if p.VestingDays <= 0 {
			return fmt.Errorf("%w: dev allocation requires a vesting period", fault.ErrInvalidParams)
		}
		if len(p.EscrowSigners) == 0 {
			return fmt.Errorf("%w: dev allocation requires escrow signers", fault.ErrInvalidParams)
		}
		if p.EscrowQuorum < 1 || p.EscrowQuorum > len(p.EscrowSigners) {
			return fmt.Errorf("%w: escrow quorum must be in [1, %d]", fault.ErrInvalidParams, len(p.EscrowSigners))
		}
	}
	return nil
}

// CanonicalEncode returns the RFC 8785 encoding of params. Signers are a
// set, so they are sorted first.
func CanonicalEncode(p models.LaunchParams) ([]byte, error) {
	p.EscrowSigners = slices.Clone(p.EscrowSigners)
	slices.Sort(p.EscrowSigners)
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return jcs.Transform(raw)
}

// Hash computes hex(sha256(canonical(params) || salt)).
func Hash(p models.LaunchParams, salt []byte) (string, error) {
	encoded, err := CanonicalEncode(p)
	if err != nil {
		return "", fmt.Errorf("failed to encode launch params: %w", err)
	}
	h := sha256.New()
	h.Write(encoded)
	h.Write(salt)
	return hex.EncodeToString(h.Sum(nil)), nil
}

func validateSalt(salt []byte) error {
	if len(salt) < MinSaltLength || len(salt) > MaxSaltLength {
		return fmt.Errorf("%w: salt must be %d to %d bytes", fault.ErrInvalidParams, MinSaltLength, MaxSaltLength)
	}
	return nil
}
