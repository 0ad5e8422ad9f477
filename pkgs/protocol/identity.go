package protocol

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ParseAddress parses a hex identity. The zero address is rejected because it
// never denotes an authenticated principal.
func ParseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address: %q", s)
	}
	addr := common.HexToAddress(s)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("zero address is not a valid identity")
	}
	return addr, nil
}

// IsZero reports whether addr is unset.
func IsZero(addr common.Address) bool {
	return addr == (common.Address{})
}

// ContainsAddress reports whether addr is in set.
func ContainsAddress(set []common.Address, addr common.Address) bool {
	for _, a := range set {
		if a == addr {
			return true
		}
	}
	return false
}
