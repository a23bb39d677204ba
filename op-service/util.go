package op_service

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// PrefixEnvVar returns the env var name for a flag, upper-cased and joined to the service prefix.
func PrefixEnvVar(prefix, suffix string) []string {
	return []string{prefix + "_" + suffix}
}

// ParseAddress parses an ETH address from a hex string. This method will fail if
// the address is not a valid hexadecimal address.
func ParseAddress(address string) (common.Address, error) {
	if common.IsHexAddress(address) {
		return common.HexToAddress(address), nil
	}
	return common.Address{}, fmt.Errorf("invalid address: %v", address)
}

// ValidEnvVarPrefix reports whether the prefix can be used with PrefixEnvVar.
func ValidEnvVarPrefix(prefix string) bool {
	return prefix != "" && strings.ToUpper(prefix) == prefix && !strings.HasSuffix(prefix, "_")
}
