package multisig

import (
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// SchnorrSigner produces BIP-340 signatures over 32-byte hashes.
type SchnorrSigner interface {
	Sign(hash []byte) ([]byte, error)
	PubKey() *btcec.PublicKey
}

// Define a local schnorr wallet, which is backed by one single private key.
type LocalSchnorrSigner struct {
	sk *btcec.PrivateKey
}

// If user provides a 256-bit (32byte) private key, we can create a schnorr signer.
func NewLocalSchnorrSigner(privkey []byte) (*LocalSchnorrSigner, error) {
	if len(privkey) != 32 {
		return nil, errors.New("private key must be 32 bytes")
	}
	sk, _ := btcec.PrivKeyFromBytes(privkey)
	return &LocalSchnorrSigner{sk: sk}, nil
}

// If user choose to randomly generate a signer.
func NewRandomLocalSchnorrSigner() (*LocalSchnorrSigner, error) {
	sk, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	return &LocalSchnorrSigner{sk: sk}, nil
}

// Make a schnorr signature, 64 bytes (rx || s).
func (lss *LocalSchnorrSigner) Sign(hash []byte) ([]byte, error) {
	if len(hash) != 32 {
		return nil, errors.New("signing hash must be 32 bytes")
	}
	sig, err := schnorr.Sign(lss.sk, hash)
	if err != nil {
		return nil, err
	}
	return sig.Serialize(), nil
}

func (lss *LocalSchnorrSigner) PubKey() *btcec.PublicKey {
	return lss.sk.PubKey()
}

// Verify checks a 64-byte schnorr signature against pubKey.
func Verify(pubKey *btcec.PublicKey, hash []byte, sig []byte) bool {
	if len(sig) != schnorr.SignatureSize {
		return false
	}
	parsed, err := schnorr.ParseSignature(sig)
	if err != nil {
		return false
	}
	return parsed.Verify(hash, pubKey)
}
