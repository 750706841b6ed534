package utils

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// IsValidAddress checks that address is a 0x-prefixed 20-byte hex string
func IsValidAddress(address string) bool {
	if len(address) != 42 || !strings.HasPrefix(address, "0x") && !strings.HasPrefix(address, "0X") {
		return false
	}
	return common.IsHexAddress(address)
}

// NormalizeAddress normalizes an address to lowercase with 0x prefix
func NormalizeAddress(address string) string {
	address = strings.TrimSpace(address)
	if !strings.HasPrefix(address, "0x") && !strings.HasPrefix(address, "0X") {
		address = "0x" + address
	}
	return strings.ToLower(address)
}

// AddressKey returns the canonical lowercase form of addr
func AddressKey(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

// EventTopic returns the keccak256 hash of an event signature
func EventTopic(signature string) common.Hash {
	return crypto.Keccak256Hash([]byte(signature))
}
