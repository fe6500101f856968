package vault

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"math/big"

	"golang.org/x/crypto/ssh"

	lbcrypto "github.com/Gerharddc/litterbox/internal/crypto"
)

// Sign signs data with the PEM-encoded private key in material. algorithm
// selects an RSA signature scheme (ssh.KeyAlgoRSASHA256, ...); the empty
// string uses the key's default. The parsed key is wiped before returning.
func Sign(material, data []byte, algorithm string) (*ssh.Signature, error) {
	raw, err := ssh.ParseRawPrivateKey(material)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	defer wipePrivateKey(raw)

	signer, err := ssh.NewSignerFromKey(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}

	if algorithm == "" {
		return signer.Sign(rand.Reader, data)
	}

	as, ok := signer.(ssh.AlgorithmSigner)
	if !ok {
		return nil, fmt.Errorf("key type %s does not support algorithm %s", signer.PublicKey().Type(), algorithm)
	}
	return as.SignWithAlgorithm(rand.Reader, data, algorithm)
}

// wipePrivateKey zeroes the secret parts of a parsed private key: the
// ed25519 seed and the words of every secret big.Int. Copies that
// crypto/rsa and crypto/ecdsa keep in unexported fields are not reachable.
func wipePrivateKey(key any) {
	switch k := key.(type) {
	case ed25519.PrivateKey:
		lbcrypto.Wipe(k)
	case *ed25519.PrivateKey:
		lbcrypto.Wipe(*k)
	case *ecdsa.PrivateKey:
		wipeInt(k.D)
	case *rsa.PrivateKey:
		wipeInt(k.D)
		for _, p := range k.Primes {
			wipeInt(p)
		}
		wipeInt(k.Precomputed.Dp)
		wipeInt(k.Precomputed.Dq)
		wipeInt(k.Precomputed.Qinv)
		for _, crt := range k.Precomputed.CRTValues {
			wipeInt(crt.Exp)
			wipeInt(crt.Coeff)
			wipeInt(crt.R)
		}
	}
}

// wipeInt clears the backing words of x before resetting it, since
// SetInt64 alone only shortens the slice.
func wipeInt(x *big.Int) {
	if x == nil {
		return
	}
	clear(x.Bits())
	x.SetInt64(0)
}
