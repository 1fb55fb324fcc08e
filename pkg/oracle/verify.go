package oracle

import (
	"crypto/rand"
	"fmt"
	"os"

	libp2pCrypto "github.com/libp2p/go-libp2p/core/crypto"
	"golang.org/x/crypto/sha3"
)

// RandomValue is the derived random output delivered to consumers.
type RandomValue [32]byte

// ProofVerifier checks a fulfillment proof against the expected seed and
// the fulfilling worker's declared public key, returning the derived
// random value.
type ProofVerifier interface {
	Verify(proof, seed, marshaledPub []byte) (RandomValue, error)
}

// SignatureVerifier accepts a worker's signature over the expected seed
// as the proof, and derives the random value from the signature bytes.
// Deterministic signature schemes (ed25519) make the output unbiasable by
// the worker; generation itself stays outside this module.
type SignatureVerifier struct{}

// Verify implements ProofVerifier.
func (SignatureVerifier) Verify(proof, seed, marshaledPub []byte) (RandomValue, error) {
	pub, err := libp2pCrypto.UnmarshalPublicKey(marshaledPub)
	if err != nil {
		return RandomValue{}, fmt.Errorf("%w: unmarshaling public key: %v", ErrInvalidProof, err)
	}
	ok, err := pub.Verify(seed, proof)
	if err != nil {
		return RandomValue{}, fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}
	if !ok {
		return RandomValue{}, ErrInvalidProof
	}
	return RandomValue(sha3.Sum256(proof)), nil
}

// WorkerKey is a worker-side signing identity.
type WorkerKey struct {
	Priv    libp2pCrypto.PrivKey
	Pub     []byte
	KeyHash KeyHash
}

// LoadOrGenerateWorkerKey loads an ed25519 key from keyFile or generates
// and persists a new one.
func LoadOrGenerateWorkerKey(keyFile string) (*WorkerKey, error) {
	var priv libp2pCrypto.PrivKey
	if _, err := os.Stat(keyFile); os.IsNotExist(err) {
		generated, _, err := libp2pCrypto.GenerateKeyPairWithReader(libp2pCrypto.Ed25519, -1, rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generating key: %w", err)
		}
		keyBytes, err := libp2pCrypto.MarshalPrivateKey(generated)
		if err != nil {
			return nil, fmt.Errorf("marshaling private key: %w", err)
		}
		if err := os.WriteFile(keyFile, keyBytes, 0600); err != nil {
			return nil, fmt.Errorf("saving key file: %w", err)
		}
		priv = generated
	} else {
		keyBytes, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, fmt.Errorf("reading key file: %w", err)
		}
		priv, err = libp2pCrypto.UnmarshalPrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("unmarshaling private key: %w", err)
		}
	}
	return newWorkerKey(priv)
}

// GenerateWorkerKey creates an ephemeral worker identity, useful in tests.
func GenerateWorkerKey() (*WorkerKey, error) {
	priv, _, err := libp2pCrypto.GenerateKeyPairWithReader(libp2pCrypto.Ed25519, -1, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}
	return newWorkerKey(priv)
}

func newWorkerKey(priv libp2pCrypto.PrivKey) (*WorkerKey, error) {
	pubBytes, err := libp2pCrypto.MarshalPublicKey(priv.GetPublic())
	if err != nil {
		return nil, fmt.Errorf("marshaling public key: %w", err)
	}
	return &WorkerKey{
		Priv:    priv,
		Pub:     pubBytes,
		KeyHash: KeyHashFromBytes(pubBytes),
	}, nil
}

// Prove signs the expected seed, producing the proof a worker submits
// with its fulfillment.
func (k *WorkerKey) Prove(seed []byte) ([]byte, error) {
	sig, err := k.Priv.Sign(seed)
	if err != nil {
		return nil, fmt.Errorf("signing seed: %w", err)
	}
	return sig, nil
}
