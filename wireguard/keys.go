package wireguard

import (
	"fmt"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// GenerateKeypair mints a fresh Curve25519 keypair in the base64 form the
// rest of the system stores and hands to the tooling.
func GenerateKeypair() (privateKey, publicKey string, err error) {
	key, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return "", "", fmt.Errorf("failed to generate private key: %w", err)
	}
	return key.String(), key.PublicKey().String(), nil
}
