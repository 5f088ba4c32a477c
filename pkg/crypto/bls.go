package crypto

import (
	"errors"

	blst "github.com/supranational/blst/bindings/go"
)

// BLS key and signature sizes, MinPk scheme (public keys in G1, signatures
// in G2) — the same scheme used by Ethereum's beacon chain.
const (
	BLSPublicKeySize = 48 // compressed G1
	BLSSignatureSize = 96 // compressed G2
	BLSSecretKeySize = 32 // scalar field element
)

// domainSeparationTag is the DST fed to blst's hash-to-curve. It is
// unrelated to the per-message-kind signed-message prefixes in
// pkg/albatross/messages.go: this DST scopes the whole scheme, the prefixes
// scope the message kind within it.
var domainSeparationTag = []byte("ALBATROSS_BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_")

// Errors returned by the BLS wrapper.
var (
	ErrBLSInvalidIKM       = errors.New("bls: ikm must be at least 32 bytes")
	ErrBLSKeyGenFailed     = errors.New("bls: key generation failed")
	ErrBLSInvalidSecretKey = errors.New("bls: invalid secret key bytes")
	ErrBLSInvalidSignature = errors.New("bls: invalid signature bytes")
	ErrBLSInvalidPublicKey = errors.New("bls: invalid public key bytes")
	ErrBLSNoSignatures     = errors.New("bls: no signatures to aggregate")
	ErrBLSAggregateFailed  = errors.New("bls: signature aggregation failed")
	ErrBLSNoPublicKeys     = errors.New("bls: no public keys to aggregate")
)

// BLSSecretKey is a validator's BLS12-381 signing key.
type BLSSecretKey struct {
	sk *blst.SecretKey
}

// BLSPublicKey is a compressed BLS12-381 public key in G1.
type BLSPublicKey struct {
	pk *blst.P1Affine
}

// BLSSignature is a compressed BLS12-381 signature in G2.
type BLSSignature struct {
	sig *blst.P2Affine
}

// GenerateBLSKey derives a BLS secret key from input key material. IKM must
// be at least 32 bytes of high-entropy data (e.g. a 32-byte random seed or
// an HKDF-expanded BIP-39 seed, see internal/validatorkey).
func GenerateBLSKey(ikm []byte) (*BLSSecretKey, error) {
	if len(ikm) < 32 {
		return nil, ErrBLSInvalidIKM
	}
	sk := blst.KeyGen(ikm)
	if sk == nil {
		return nil, ErrBLSKeyGenFailed
	}
	return &BLSSecretKey{sk: sk}, nil
}

// BLSSecretKeyFromBytes deserializes a 32-byte scalar into a secret key.
func BLSSecretKeyFromBytes(b []byte) (*BLSSecretKey, error) {
	if len(b) != BLSSecretKeySize {
		return nil, ErrBLSInvalidSecretKey
	}
	sk := new(blst.SecretKey).Deserialize(b)
	if sk == nil {
		return nil, ErrBLSInvalidSecretKey
	}
	return &BLSSecretKey{sk: sk}, nil
}

// Serialize returns the 32-byte secret scalar.
func (k *BLSSecretKey) Serialize() []byte {
	return k.sk.Serialize()
}

// PublicKey derives the compressed public key for this secret key.
func (k *BLSSecretKey) PublicKey() *BLSPublicKey {
	return &BLSPublicKey{pk: new(blst.P1Affine).From(k.sk)}
}

// Sign produces a compressed BLS signature over an arbitrary-length
// message. Callers are expected to have already prepended the
// domain-separation prefix for the message kind (pkg/albatross).
func (k *BLSSecretKey) Sign(msg []byte) *BLSSignature {
	sig := new(blst.P2Affine).Sign(k.sk, msg, domainSeparationTag)
	return &BLSSignature{sig: sig}
}

// BLSPublicKeyFromBytes parses a compressed 48-byte public key.
func BLSPublicKeyFromBytes(b []byte) (*BLSPublicKey, error) {
	if len(b) != BLSPublicKeySize {
		return nil, ErrBLSInvalidPublicKey
	}
	pk := new(blst.P1Affine).Uncompress(b)
	if pk == nil || !pk.KeyValidate() {
		return nil, ErrBLSInvalidPublicKey
	}
	return &BLSPublicKey{pk: pk}, nil
}

// Compress returns the 48-byte compressed public key.
func (p *BLSPublicKey) Compress() []byte {
	return p.pk.Compress()
}

// Equal reports whether two public keys are the same point.
func (p *BLSPublicKey) Equal(other *BLSPublicKey) bool {
	if p == nil || other == nil {
		return p == other
	}
	return string(p.Compress()) == string(other.Compress())
}

// AggregateBLSPublicKeys combines public keys by point addition. Used by
// the signature aggregator (internal/aggregator) to build the aggregate
// key corresponding to a bitset of contributing slot indices.
func AggregateBLSPublicKeys(keys []*BLSPublicKey) (*BLSPublicKey, error) {
	if len(keys) == 0 {
		return nil, ErrBLSNoPublicKeys
	}
	pks := make([]*blst.P1Affine, len(keys))
	for i, k := range keys {
		pks[i] = k.pk
	}
	agg := new(blst.P1Aggregate)
	if !agg.Aggregate(pks, false) {
		return nil, ErrBLSAggregateFailed
	}
	return &BLSPublicKey{pk: agg.ToAffine()}, nil
}

// BLSSignatureFromBytes parses a compressed 96-byte signature.
func BLSSignatureFromBytes(b []byte) (*BLSSignature, error) {
	if len(b) != BLSSignatureSize {
		return nil, ErrBLSInvalidSignature
	}
	sig := new(blst.P2Affine).Uncompress(b)
	if sig == nil {
		return nil, ErrBLSInvalidSignature
	}
	return &BLSSignature{sig: sig}, nil
}

// Compress returns the 96-byte compressed signature.
func (s *BLSSignature) Compress() []byte {
	return s.sig.Compress()
}

// AggregateBLSSignatures combines signatures covering distinct signers into
// a single aggregate signature (the aggregator's per-index union, §4.4).
func AggregateBLSSignatures(sigs []*BLSSignature) (*BLSSignature, error) {
	if len(sigs) == 0 {
		return nil, ErrBLSNoSignatures
	}
	raw := make([]*blst.P2Affine, len(sigs))
	for i, s := range sigs {
		raw[i] = s.sig
	}
	agg := new(blst.P2Aggregate)
	if !agg.Aggregate(raw, false) {
		return nil, ErrBLSAggregateFailed
	}
	return &BLSSignature{sig: agg.ToAffine()}, nil
}

// VerifyBLS checks a single BLS signature against a message and public key.
func VerifyBLS(pub *BLSPublicKey, msg []byte, sig *BLSSignature) bool {
	if pub == nil || sig == nil {
		return false
	}
	return sig.sig.Verify(true, pub.pk, true, msg, domainSeparationTag)
}

// VerifyBLSAggregate checks an aggregate signature formed by distinct
// signers all signing the same message, given their already-aggregated
// public key. This is the common case for view-change and PBFT quorums.
func VerifyBLSAggregate(aggPub *BLSPublicKey, msg []byte, aggSig *BLSSignature) bool {
	if aggPub == nil || aggSig == nil {
		return false
	}
	return aggSig.sig.FastAggregateVerify(true, []*blst.P1Affine{aggPub.pk}, msg, domainSeparationTag)
}
