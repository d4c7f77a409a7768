// Package envelope implements EncryptionLayer: authenticated
// envelope encryption for consumer traffic using per-peer keypairs.
//
// golang.org/x/crypto/nacl/box is the standard Go answer to "authenticated
// encryption under a keypair" (curve25519 + xsalsa20 + poly1305). Style
// follows the rest of this module: typed sentinel errors wrapped with %w,
// an `active bool` hard gate mirroring the guarded-state-behind-mutex
// shape used elsewhere for rate limiting.
package envelope

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/nacl/box"
)

var (
	ErrDeactivated      = errors.New("envelope: layer is deactivated")
	ErrMalformedEnvelope = errors.New("envelope: malformed envelope")
	ErrAuthFailed       = errors.New("envelope: authentication failed")
)

const wireVersion = 1

// Envelope is the wire form for encrypted consumer traffic.
type Envelope struct {
	V    int    `json:"v"`
	SID  string `json:"sid"`
	N    string `json:"n"`           // nonce, base64
	C    string `json:"c"`           // ciphertext, base64
	K    string `json:"k,omitempty"` // optional ephemeral public key, base64
	T    string `json:"t"`           // auth tag, base64 (prepended to C by nacl/box; kept separate on the wire)
}

// KeyPair is a Curve25519 keypair used for box sealing/opening.
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateKeyPair creates a fresh keypair for a daemon or consumer peer.
func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate keypair: %w", err)
	}
	return KeyPair{Public: *pub, Private: *priv}, nil
}

// Layer is transparent middleware between the bridge and a consumer socket.
// It is safe for concurrent use; `active` is the hard gate every operation
// checks first.
type Layer struct {
	mu            sync.Mutex
	keypair       KeyPair
	peerPublicKey [32]byte
	sessionID     string
	active        bool
	seenNonces    map[string]struct{}
}

// New creates a Layer bound to one session, active as soon as a peer key is
// known.
func New(sessionID string, keypair KeyPair, peerPublicKey [32]byte) *Layer {
	return &Layer{
		keypair:       keypair,
		peerPublicKey: peerPublicKey,
		sessionID:     sessionID,
		active:        true,
		seenNonces:    make(map[string]struct{}),
	}
}

// IsEncrypted is a best-effort static detector: parses the input as JSON
// and checks for the envelope shape.
func IsEncrypted(data []byte) bool {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return false
	}
	return env.V != 0 && env.N != "" && env.C != ""
}

func (l *Layer) IsEncrypted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// EncryptOutbound JSON-encodes v, box-seals it under the peer public key,
// and returns the serialized EncryptedEnvelope.
func (l *Layer) EncryptOutbound(v any) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.active {
		return "", ErrDeactivated
	}

	plaintext, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("envelope: marshal outbound message: %w", err)
	}

	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("envelope: generate nonce: %w", err)
	}

	sealed := box.Seal(nil, plaintext, &nonce, &l.peerPublicKey, &l.keypair.Private)
	// box.Seal prepends the 16-byte Poly1305 tag to the ciphertext; split it
	// out so the wire form carries `c` and `t` separately.
	if len(sealed) < boxOverhead {
		return "", fmt.Errorf("envelope: sealed output shorter than auth tag")
	}
	tag := sealed[:boxTagSize]
	cipher := sealed[boxTagSize:]

	env := Envelope{
		V:   wireVersion,
		SID: l.sessionID,
		N:   base64.StdEncoding.EncodeToString(nonce[:]),
		C:   base64.StdEncoding.EncodeToString(cipher),
		T:   base64.StdEncoding.EncodeToString(tag),
	}

	out, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("envelope: marshal envelope: %w", err)
	}
	return string(out), nil
}

const (
	boxTagSize  = 16
	boxOverhead = boxTagSize
)

// DecryptInbound deserializes, authenticates, decrypts, and JSON-decodes an
// inbound wire payload into v.
func (l *Layer) DecryptInbound(data []byte, v any) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.active {
		return ErrDeactivated
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.V != wireVersion || env.N == "" || env.C == "" || env.T == "" {
		return ErrMalformedEnvelope
	}

	if _, seen := l.seenNonces[env.N]; seen {
		return fmt.Errorf("%w: nonce reuse", ErrAuthFailed)
	}

	nonceBytes, err := base64.StdEncoding.DecodeString(env.N)
	if err != nil || len(nonceBytes) != 24 {
		return fmt.Errorf("%w: bad nonce", ErrMalformedEnvelope)
	}
	cipher, err := base64.StdEncoding.DecodeString(env.C)
	if err != nil {
		return fmt.Errorf("%w: bad ciphertext", ErrMalformedEnvelope)
	}
	tag, err := base64.StdEncoding.DecodeString(env.T)
	if err != nil || len(tag) != boxTagSize {
		return fmt.Errorf("%w: bad tag", ErrMalformedEnvelope)
	}

	var nonce [24]byte
	copy(nonce[:], nonceBytes)
	sealed := append(tag, cipher...)

	plaintext, ok := box.Open(nil, sealed, &nonce, &l.peerPublicKey, &l.keypair.Private)
	if !ok {
		return ErrAuthFailed
	}

	l.seenNonces[env.N] = struct{}{}

	if v != nil {
		if err := json.Unmarshal(plaintext, v); err != nil {
			return fmt.Errorf("envelope: unmarshal plaintext: %w", err)
		}
	}
	return nil
}

// UpdatePeerKey re-activates the layer and replaces the peer key (e.g.
// after re-pairing). Messages sealed to the prior key will subsequently
// fail DecryptInbound with ErrAuthFailed — this is required semantics, not
// a bug: rotating the key without forgetting the old one would defeat the
// point of rotation.
func (l *Layer) UpdatePeerKey(newKey [32]byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.peerPublicKey = newKey
	l.active = true
	l.seenNonces = make(map[string]struct{})
}

// Deactivate makes every subsequent call fail with ErrDeactivated.
func (l *Layer) Deactivate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.active = false
}
