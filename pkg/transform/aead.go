package transform

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// NonceSize is the per-block random nonce prepended to every
	// encrypted block.
	NonceSize = 12
	// TagSize is the authentication tag following the nonce.
	TagSize = 16
	// EncryptionOverhead is the total growth of an encrypted block:
	// nonce + tag.
	EncryptionOverhead = NonceSize + TagSize

	keySize       = 32
	kdfIterations = 100
)

// kdfSalt is the fixed salt for passphrase-based key derivation. The
// derivation is a speed bump against casual inspection, not a
// password-hashing strength guarantee. Both constructors take a
// passphrase; none accepts a raw key.
var kdfSalt = []byte("cask.block.kdf.v1")

// DeriveKeys stretches a passphrase into a cipher key and a MAC key
// using two rounds of PBKDF2-SHA256 over the fixed salt. The ChaCha20
// construction uses only the cipher key; the AES-CTR construction uses
// both.
func DeriveKeys(passphrase string) (cipherKey, macKey []byte) {
	cipherKey = pbkdf2.Key([]byte(passphrase), kdfSalt, kdfIterations, keySize, sha256.New)
	macKey = pbkdf2.Key(cipherKey, kdfSalt, kdfIterations, keySize, sha256.New)
	return cipherKey, macKey
}

// Encryption encrypts each block with an authenticated cipher. The
// on-disk layout is [nonce(12)][tag(16)][ciphertext] with a fresh
// random nonce per Transform. Tag verification failure on Untransform
// fails with ErrCorrupted.
type Encryption struct {
	name string
	seal func(nonce, plaintext []byte) (ciphertext, tag []byte, err error)
	open func(nonce, ciphertext, tag, dst []byte) (int, error)
}

// NewChaCha20Poly1305 returns the primary authenticated-encryption
// transformer, keyed from the passphrase via DeriveKeys.
func NewChaCha20Poly1305(passphrase string) (*Encryption, error) {
	cipherKey, _ := DeriveKeys(passphrase)
	aead, err := chacha20poly1305.New(cipherKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create ChaCha20-Poly1305 cipher: %w", err)
	}
	return &Encryption{
		name: "chacha20poly1305",
		seal: func(nonce, plaintext []byte) ([]byte, []byte, error) {
			sealed := aead.Seal(nil, nonce, plaintext, nil)
			return sealed[:len(plaintext)], sealed[len(plaintext):], nil
		},
		open: func(nonce, ciphertext, tag, dst []byte) (int, error) {
			// Open expects [ciphertext][tag]; rebuild it in a
			// scratch slice so dst can receive the plaintext.
			sealed := make([]byte, 0, len(ciphertext)+len(tag))
			sealed = append(sealed, ciphertext...)
			sealed = append(sealed, tag...)
			out, err := aead.Open(dst[:0:len(dst)], nonce, sealed, nil)
			if err != nil {
				return 0, fmt.Errorf("authentication failed: %w", ErrCorrupted)
			}
			return len(out), nil
		},
	}, nil
}

// NewAESCTRHMAC returns the alternate authenticated-encryption
// transformer: AES-256-CTR with an HMAC-SHA-256 tag truncated to 16
// bytes over [nonce][ciphertext]. It produces the same block layout as
// the ChaCha20 construction and is interchangeable at the transformer
// boundary.
func NewAESCTRHMAC(passphrase string) (*Encryption, error) {
	cipherKey, macKey := DeriveKeys(passphrase)
	block, err := aes.NewCipher(cipherKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	mac := func(nonce, ciphertext []byte) []byte {
		h := hmac.New(sha256.New, macKey)
		h.Write(nonce)
		h.Write(ciphertext)
		return h.Sum(nil)[:TagSize]
	}
	xor := func(nonce, src, dst []byte) {
		var iv [aes.BlockSize]byte
		copy(iv[:], nonce)
		cipher.NewCTR(block, iv[:]).XORKeyStream(dst, src)
	}
	return &Encryption{
		name: "aes-ctr-hmac",
		seal: func(nonce, plaintext []byte) ([]byte, []byte, error) {
			ciphertext := make([]byte, len(plaintext))
			xor(nonce, plaintext, ciphertext)
			return ciphertext, mac(nonce, ciphertext), nil
		},
		open: func(nonce, ciphertext, tag, dst []byte) (int, error) {
			if subtle.ConstantTimeCompare(mac(nonce, ciphertext), tag) != 1 {
				return 0, fmt.Errorf("authentication failed: %w", ErrCorrupted)
			}
			xor(nonce, ciphertext, dst[:len(ciphertext)])
			return len(ciphertext), nil
		},
	}, nil
}

// Name returns the name of the AEAD construction.
func (e *Encryption) Name() string { return e.name }

// Transform encrypts src under a fresh random nonce.
func (e *Encryption) Transform(src []byte) ([]byte, error) {
	out := make([]byte, EncryptionOverhead+len(src))
	nonce := out[:NonceSize]
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	ciphertext, tag, err := e.seal(nonce, src)
	if err != nil {
		return nil, err
	}
	copy(out[NonceSize:], tag)
	copy(out[NonceSize+TagSize:], ciphertext)
	return out, nil
}

// Untransform verifies and decrypts src into dst. When src and dst begin
// at the same address, src is copied aside first: the ciphertext sits
// past the nonce and tag, so decrypting in place would overlap it with
// the output.
func (e *Encryption) Untransform(src, dst []byte) (int, error) {
	if len(src) < EncryptionOverhead {
		return 0, fmt.Errorf("%s block is %d bytes, shorter than nonce+tag: %w",
			e.name, len(src), ErrCorrupted)
	}
	src = cloneIfAliased(src, dst)
	nonce := src[:NonceSize]
	tag := src[NonceSize : NonceSize+TagSize]
	ciphertext := src[NonceSize+TagSize:]
	if len(dst) < len(ciphertext) {
		return 0, fmt.Errorf("output buffer holds %d bytes, need %d: %w",
			len(dst), len(ciphertext), ErrCorrupted)
	}
	n, err := e.open(nonce, ciphertext, tag, dst)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", e.name, err)
	}
	return n, nil
}

// MayChangeSize returns true: every block grows by EncryptionOverhead.
func (e *Encryption) MayChangeSize() bool { return true }
