package relay

import (
	"crypto/sha256"
	"strings"

	"github.com/tyler-smith/go-bip39"
)

// GenerateMnemonic derives a 2-word BIP39 name from an endpoint id
func GenerateMnemonic(id string) string {
	hash := sha256.Sum256([]byte(id))

	mnemonic, err := bip39.NewMnemonic(hash[:16])
	if err != nil {
		return id
	}

	words := strings.Split(mnemonic, " ")
	if len(words) >= 2 {
		return words[0] + "-" + words[1]
	}
	return mnemonic
}
