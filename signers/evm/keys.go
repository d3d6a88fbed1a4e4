package evm

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// Key is a freshly generated account.
type Key struct {
	// PrivateKeyHex is the 0x-prefixed hex private key.
	PrivateKeyHex string
	Address       string
}

// GenerateKey creates a new secp256k1 account.
func GenerateKey() (Key, error) {
	privateKey, err := crypto.GenerateKey()
	if err != nil {
		return Key{}, fmt.Errorf("generate key: %w", err)
	}
	return Key{
		PrivateKeyHex: "0x" + hex.EncodeToString(crypto.FromECDSA(privateKey)),
		Address:       crypto.PubkeyToAddress(privateKey.PublicKey).Hex(),
	}, nil
}

// ParsePrivateKey parses a hex private key with or without the 0x prefix.
func ParsePrivateKey(privateKeyHex string) (*ecdsa.PrivateKey, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return privateKey, nil
}

// AddressFromPrivateKey derives the checksummed address of a hex private key.
func AddressFromPrivateKey(privateKeyHex string) (string, error) {
	privateKey, err := ParsePrivateKey(privateKeyHex)
	if err != nil {
		return "", err
	}
	return crypto.PubkeyToAddress(privateKey.PublicKey).Hex(), nil
}
