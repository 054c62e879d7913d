// Package cryptoprim exposes the four cryptographic primitives the firmware
// core needs (spec.md §4.3): MAC-SHA256, streaming SHA-256, AES-256-CBC
// decryption, and RSA-2048 PSS signature verification. All comparisons of
// MAC-like values are constant-time.
//
// The standard library is used throughout deliberately: no example in the
// retrieval pack reimplements AES, RSA-PSS, SHA-256 or HMAC as a third-party
// library rather than using crypto/* directly (golang.org/x/crypto, present
// in the pack, adds algorithms the standard library lacks — chacha20poly1305,
// argon2, ed25519 extras — not replacements for the four primitives named
// here). See DESIGN.md.
package cryptoprim

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"hash"
)

// MACSHA256 computes the MAC-SHA256 of data under key, per spec.md §4.3.
func MACSHA256(key, data []byte) [32]byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// MACEqual performs a constant-time comparison of two MAC digests.
func MACEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// NewSHA256 returns a streaming SHA-256 hash.Hash, for the OTA image digest
// (spec.md §4.8 step 2), computed incrementally as chunks are decrypted and
// written to the inactive partition.
func NewSHA256() hash.Hash { return sha256.New() }

// SHA256Sum is a convenience one-shot digest.
func SHA256Sum(data []byte) [32]byte { return sha256.Sum256(data) }

// DecryptCBC decrypts ciphertext with AES-256 in CBC mode using the given
// 256-bit key and IV, per spec.md §4.3/§4.8. The caller is responsible for
// stripping PKCS7 padding (StripPKCS7) on the final chunk only, matching the
// chunk-wise decryption described in spec.md §4.8 step 1.
func DecryptCBC(key, iv, ciphertext []byte) ([]byte, error) {
	if len(key) != 32 {
		return nil, errors.New("cryptoprim: AES-256 requires a 32-byte key")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != block.BlockSize() {
		return nil, errors.New("cryptoprim: iv length must equal block size")
	}
	if len(ciphertext)%block.BlockSize() != 0 {
		return nil, errors.New("cryptoprim: ciphertext is not a multiple of the block size")
	}
	out := make([]byte, len(ciphertext))
	mode := cipher.NewCBCDecrypter(block, iv)
	mode.CryptBlocks(out, ciphertext)
	return out, nil
}

// EncryptCBC is the inverse of DecryptCBC, used only by the optional uplink
// encryption extension point (spec.md §4.4/§9); it is never invoked from
// the default wiring in cmd/firmware.
func EncryptCBC(key, iv, plaintext []byte) ([]byte, error) {
	if len(key) != 32 {
		return nil, errors.New("cryptoprim: AES-256 requires a 32-byte key")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	padded := PadPKCS7(plaintext, block.BlockSize())
	out := make([]byte, len(padded))
	mode := cipher.NewCBCEncrypter(block, iv)
	mode.CryptBlocks(out, padded)
	return out, nil
}

// StripPKCS7 removes PKCS7 padding from the final decrypted chunk of an OTA
// image (spec.md §4.8 step 1).
func StripPKCS7(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("cryptoprim: invalid padded length")
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > blockSize || pad > len(data) {
		return nil, errors.New("cryptoprim: invalid PKCS7 padding")
	}
	for _, b := range data[len(data)-pad:] {
		if int(b) != pad {
			return nil, errors.New("cryptoprim: invalid PKCS7 padding")
		}
	}
	return data[:len(data)-pad], nil
}

// PadPKCS7 applies PKCS7 padding, the inverse of StripPKCS7.
func PadPKCS7(data []byte, blockSize int) []byte {
	pad := blockSize - len(data)%blockSize
	out := make([]byte, len(data)+pad)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(pad)
	}
	return out
}

// VerifyPSS verifies a 2048-bit RSA PSS signature over a SHA-256 digest,
// per spec.md §4.3/§4.8 step 4.
func VerifyPSS(pub *rsa.PublicKey, digest [32]byte, sig []byte) bool {
	if pub == nil || pub.Size() != 256 { // 2048 bits == 256 bytes
		return false
	}
	err := rsa.VerifyPSS(pub, crypto.SHA256, digest[:], sig, nil)
	return err == nil
}

// SignPSS is provided only for tests that need to construct a valid
// manifest signature; it is never used by the device's own code paths,
// which only ever verify (spec.md §4.3: "signer public key" is the only
// signing key embedded in the device).
func SignPSS(priv *rsa.PrivateKey, digest [32]byte) ([]byte, error) {
	return rsa.SignPSS(rand.Reader, priv, crypto.SHA256, digest[:], nil)
}
