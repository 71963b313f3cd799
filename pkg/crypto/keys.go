package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/cloudflare/circl/sign/ed25519"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

const (
	PublicKeySize = ed25519.PublicKeySize
	SignatureSize = ed25519.SignatureSize
)

// PrivateKey wraps an ed25519 private key together with its derived address.
type PrivateKey struct {
	key  ed25519.PrivateKey
	pub  ed25519.PublicKey
	addr common.Address
}

// GenerateKey creates a new random ed25519 key pair.
func GenerateKey() (*PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &PrivateKey{key: priv, pub: pub, addr: AddressFromPubKey(pub)}, nil
}

// PrivateKeyFromHex restores a key pair from a hex-encoded ed25519 seed.
func PrivateKeyFromHex(s string) (*PrivateKey, error) {
	seed, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode key hex: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("key seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return &PrivateKey{key: priv, pub: pub, addr: AddressFromPubKey(pub)}, nil
}

func (p *PrivateKey) PublicKey() []byte         { return append([]byte(nil), p.pub...) }
func (p *PrivateKey) Address() common.Address   { return p.addr }
func (p *PrivateKey) SeedHex() string           { return hex.EncodeToString(p.key.Seed()) }
func (p *PrivateKey) Sign(msg []byte) []byte    { return ed25519.Sign(p.key, msg) }

// Verify checks sig over msg under pub. Malformed keys or signatures verify false.
func Verify(pub, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
}

// AddressFromPubKey derives a 20-byte address as the trailing bytes of the
// keccak-256 digest of the public key.
func AddressFromPubKey(pub []byte) common.Address {
	d := sha3.NewLegacyKeccak256()
	d.Write(pub)
	sum := d.Sum(nil)
	return common.BytesToAddress(sum[12:])
}
