package chaincfg

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// LoadFile reads the chain spec for chainID from a TOML or YAML file.
// The file holds one table per chain, keyed by the decimal chain id:
//
//	[5000]
//	name = "mantle"
//	block_gas_limit = 200000000000
//
// Fields that are not set keep their Default value.
func LoadFile(path string, chainID uint64) (*ChainSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read chain spec file: %w", err)
	}
	return Decode(data, filepath.Ext(path), chainID)
}

// Decode parses a chain spec document. ext selects the format: ".toml", ".yaml" or ".yml".
func Decode(data []byte, ext string, chainID uint64) (*ChainSpec, error) {
	key := strconv.FormatUint(chainID, 10)
	spec := Default()
	spec.ID = chainID

	switch ext {
	case ".toml":
		var tables map[string]toml.Primitive
		md, err := toml.NewDecoder(bytes.NewReader(data)).Decode(&tables)
		if err != nil {
			return nil, fmt.Errorf("failed to decode toml chain spec: %w", err)
		}
		table, ok := tables[key]
		if !ok {
			return nil, fmt.Errorf("chain %d not found in chain spec file", chainID)
		}
		if err := md.PrimitiveDecode(table, &spec); err != nil {
			return nil, fmt.Errorf("failed to decode chain %d: %w", chainID, err)
		}
		for _, k := range md.Undecoded() {
			if len(k) > 1 && k[0] == key {
				return nil, fmt.Errorf("unknown chain spec field %q", k.String())
			}
		}
	case ".yaml", ".yml":
		var tables map[string]yaml.Node
		if err := yaml.Unmarshal(data, &tables); err != nil {
			return nil, fmt.Errorf("failed to decode yaml chain spec: %w", err)
		}
		node, ok := tables[key]
		if !ok {
			return nil, fmt.Errorf("chain %d not found in chain spec file", chainID)
		}
		if err := node.Decode(&spec); err != nil {
			return nil, fmt.Errorf("failed to decode chain %d: %w", chainID, err)
		}
	default:
		return nil, fmt.Errorf("unsupported chain spec format %q", ext)
	}

	if spec.ID != chainID {
		return nil, fmt.Errorf("chain spec id %d does not match requested chain %d", spec.ID, chainID)
	}
	if err := spec.Check(); err != nil {
		return nil, fmt.Errorf("invalid chain spec for chain %d: %w", chainID, err)
	}
	return &spec, nil
}
