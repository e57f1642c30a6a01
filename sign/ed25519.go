/*
Package sign implements the signatures used by the nodes: ED25519 signatures
authenticate every network message, and BLS threshold signatures over the
bn256 pairing produce the shares and merged signatures behind the common coin.
*/
package sign

import (
	"crypto/ed25519"
	"crypto/rand"

	"github.com/pkg/errors"
)

// GenED25519Keys generates a fresh ED25519 key pair.
func GenED25519Keys() (ed25519.PrivateKey, ed25519.PublicKey) {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		panic(err)
	}
	return privKey, pubKey
}

// SignEd25519 signs msg with the private key.
func SignEd25519(privateKey ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(privateKey, msg)
}

// VerifySignEd25519 reports whether sig is a valid signature of msg by publicKey.
func VerifySignEd25519(publicKey ed25519.PublicKey, msg []byte, sig []byte) (bool, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return false, errors.Errorf("invalid ED25519 public key length %d", len(publicKey))
	}
	if len(sig) != ed25519.SignatureSize {
		return false, nil
	}
	return ed25519.Verify(publicKey, msg, sig), nil
}
