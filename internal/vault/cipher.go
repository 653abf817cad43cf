package vault

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// Salt shared by both on-disk formats. It must not change: legacy files
// were written with it.
var salt = []byte{0x49, 0x76, 0x61, 0x6e, 0x20, 0x4d, 0x65, 0x64, 0x76, 0x65, 0x64, 0x65, 0x76}

var magic = []byte("UPLV")

const (
	versionGCM byte = 2

	gcmIterations    = 210_000
	legacyIterations = 1000
)

type format int

const (
	formatGCM format = iota
	formatLegacy
)

var errDecrypt = errors.New("decrypt failed")

// seal encrypts with the current format:
//
//	"UPLV" | 0x02 | nonce(12) | AES-256-GCM(ciphertext+tag)
//
// The header is authenticated as additional data.
func seal(master, plain []byte) ([]byte, error) {
	aead, err := gcmFor(master)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: nonce: %v", ErrEncryption, err)
	}
	header := append(append([]byte{}, magic...), versionGCM)
	out := make([]byte, 0, len(header)+len(nonce)+len(plain)+aead.Overhead())
	out = append(append(out, header...), nonce...)
	return aead.Seal(out, nonce, plain, header), nil
}

// open decrypts either format and reports which one it found.
func open(master, blob []byte) ([]byte, format, error) {
	if bytes.HasPrefix(blob, magic) && len(blob) > len(magic) && blob[len(magic)] == versionGCM {
		plain, err := openGCM(master, blob)
		return plain, formatGCM, err
	}
	plain, err := openLegacy(master, blob)
	return plain, formatLegacy, err
}

func gcmFor(master []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(master, salt, gcmIterations, 32, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	return aead, nil
}

func openGCM(master, blob []byte) ([]byte, error) {
	aead, err := gcmFor(master)
	if err != nil {
		return nil, err
	}
	headerLen := len(magic) + 1
	if len(blob) < headerLen+aead.NonceSize()+aead.Overhead() {
		return nil, errDecrypt
	}
	header := blob[:headerLen]
	nonce := blob[headerLen : headerLen+aead.NonceSize()]
	plain, err := aead.Open(nil, nonce, blob[headerLen+aead.NonceSize():], header)
	if err != nil {
		return nil, errDecrypt
	}
	return plain, nil
}

// openLegacy reads files written before the GCM format: AES-256-CBC with
// PKCS#7 padding, key and IV taken from one PBKDF2-SHA1 stream.
func openLegacy(master, blob []byte) ([]byte, error) {
	if len(blob) == 0 || len(blob)%aes.BlockSize != 0 {
		return nil, errDecrypt
	}
	key, iv := legacyKeyIV(master)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errDecrypt
	}
	plain := make([]byte, len(blob))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, blob)
	return unpad(plain)
}

func legacyKeyIV(master []byte) (key, iv []byte) {
	stream := pbkdf2.Key(master, salt, legacyIterations, 32+aes.BlockSize, sha1.New)
	return stream[:32], stream[32:]
}

func unpad(b []byte) ([]byte, error) {
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, errDecrypt
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, errDecrypt
		}
	}
	return b[:len(b)-n], nil
}
