package oracle

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"

	libp2pCrypto "github.com/libp2p/go-libp2p/core/crypto"
	"golang.org/x/crypto/sha3"
)

// KeyHashSize is the width of a worker identifier.
const KeyHashSize = 20

// KeyHash identifies a worker. It is derived from the worker's public key
// and is opaque to everything except the verifier.
type KeyHash [KeyHashSize]byte

// KeyHashFromPublicKey derives a worker identifier from a public key.
func KeyHashFromPublicKey(pub libp2pCrypto.PubKey) (KeyHash, error) {
	raw, err := libp2pCrypto.MarshalPublicKey(pub)
	if err != nil {
		return KeyHash{}, fmt.Errorf("marshaling public key: %w", err)
	}
	return KeyHashFromBytes(raw), nil
}

// KeyHashFromBytes derives a worker identifier from a marshaled public key.
func KeyHashFromBytes(marshaledPub []byte) KeyHash {
	sum := sha3.Sum256(marshaledPub)
	var kh KeyHash
	copy(kh[:], sum[:KeyHashSize])
	return kh
}

// IsZero reports whether the identifier is the reserved sentinel value.
func (k KeyHash) IsZero() bool {
	return k == KeyHash{}
}

func (k KeyHash) String() string {
	return hex.EncodeToString(k[:])
}

// Fingerprint is the content-addressed identity of a request.
type Fingerprint [sha256.Size]byte

// IsZero reports whether the fingerprint is unset.
func (f Fingerprint) IsZero() bool {
	return f == Fingerprint{}
}

func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// Stat tracks a single worker's reputation counters. Score is a relative
// unit with no fixed scale; all arithmetic on it is clamped.
type Stat struct {
	Score        uint32
	AssignCount  uint64
	FulfillCount uint64
}

// Worker is a registered responder.
type Worker struct {
	KeyHash   KeyHash
	Address   string
	PublicKey []byte
	UpdatedAt uint64
}

// RequestState is the lifecycle position of a request.
type RequestState string

const (
	RequestStateUnseen    RequestState = "unseen"
	RequestStatePending   RequestState = "pending"
	RequestStateFinalized RequestState = "finalized"
)

// RequestStatus is the persisted side-record for a fingerprint. It is
// created with the request and never deleted; FinalizedBy is written at
// most once.
type RequestStatus struct {
	Fingerprint Fingerprint
	Order       []KeyHash
	FinalizedBy KeyHash
}

// State derives the lifecycle state from the record.
func (s *RequestStatus) State() RequestState {
	if s == nil {
		return RequestStateUnseen
	}
	if !s.FinalizedBy.IsZero() {
		return RequestStateFinalized
	}
	return RequestStatePending
}

// RandomRequest carries the full field set of a randomness request. It is
// never persisted whole; only its fingerprint is stored.
type RandomRequest struct {
	Requester        string
	Consumer         string
	RefundAddr       string
	Nonce            uint64
	CallbackGasLimit uint64
	GasPrice         uint64
	GasFee           uint64
	ConstantFee      uint64
	CreatedAt        uint64
}

// Validate checks the request fields that must be present before any
// fingerprint is computed.
func (r *RandomRequest) Validate() error {
	if r.Requester == "" || r.Consumer == "" || r.RefundAddr == "" {
		return ErrInvalidRequest
	}
	if r.GasPrice == 0 || r.CallbackGasLimit == 0 {
		return ErrInvalidRequest
	}
	return nil
}

// Fingerprint hashes the canonical encoding of the request. The field
// order and byte layout are fixed: the hash doubles as a verification of
// the caller-supplied fields at fulfillment time, not just an identifier.
func (r *RandomRequest) Fingerprint() Fingerprint {
	h := sha256.New()
	writeString(h, r.Requester)
	writeString(h, r.Consumer)
	writeString(h, r.RefundAddr)
	writeUint64(h, r.Nonce)
	writeUint64(h, r.CallbackGasLimit)
	writeUint64(h, r.GasPrice)
	writeUint64(h, r.GasFee)
	writeUint64(h, r.ConstantFee)
	writeUint64(h, r.CreatedAt)

	var fp Fingerprint
	h.Sum(fp[:0])
	return fp
}

func writeString(h hash.Hash, s string) {
	writeUint64(h, uint64(len(s)))
	h.Write([]byte(s))
}

func writeUint64(h hash.Hash, v uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	h.Write(buf[:])
}

// ExpectedSeed derives the value a worker must sign to prove a fulfillment.
// It binds the request fingerprint to the assigned worker's identity and
// declared public key, so a caller can never substitute its own seed.
func ExpectedSeed(fp Fingerprint, worker KeyHash, marshaledPub []byte) []byte {
	h := sha3.New256()
	h.Write(fp[:])
	h.Write(worker[:])
	h.Write(marshaledPub)
	return h.Sum(nil)
}

// Config holds the coordinator tunables. Immutable between updates.
type Config struct {
	// AssignDelta is the score bonus credited to the worker that wins a
	// new assignment.
	AssignDelta uint32
	// FulfillLower and FulfillUpper bound the fulfillment score delta.
	FulfillLower uint32
	FulfillUpper uint32
	// BlockInterval scales the speed component of a primary fulfillment.
	BlockInterval uint64
	// MaxResponseBlocks is the response window given to each rank before
	// escalation moves to the next one.
	MaxResponseBlocks uint64
	// PeriodBlocks is the length of a scoring period.
	PeriodBlocks uint64
	// VerifyGasOverhead is the execution cost budgeted for proof
	// verification when estimating fees.
	VerifyGasOverhead uint64
	// ConstantFee is the flat treasury fee per request.
	ConstantFee uint64
	// Treasury receives the constant fee at settlement.
	Treasury string
}

// maxConfiguredDelta keeps period sums provably clear of uint64 overflow.
const maxConfiguredDelta = 1 << 24

// Validate rejects configurations that would break period or score
// arithmetic.
func (c *Config) Validate() error {
	if c.PeriodBlocks == 0 {
		return fmt.Errorf("period blocks must be positive")
	}
	if c.MaxResponseBlocks == 0 {
		return fmt.Errorf("max response blocks must be positive")
	}
	if c.BlockInterval == 0 {
		return fmt.Errorf("block interval must be positive")
	}
	if c.FulfillLower > c.FulfillUpper {
		return fmt.Errorf("fulfill lower bound %d above upper bound %d", c.FulfillLower, c.FulfillUpper)
	}
	if c.AssignDelta > maxConfiguredDelta || c.FulfillUpper > maxConfiguredDelta {
		return fmt.Errorf("score delta above %d", maxConfiguredDelta)
	}
	return nil
}

// TimeSource supplies logical time (a block height analog). The
// coordinator never reads wall-clock time directly.
type TimeSource func() uint64
