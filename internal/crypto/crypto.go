// Package crypto seals the basic-auth credentials the download engine's URL
// pool carries (FTP and HTTP username/password pairs) for at-rest storage in
// the config file, protected by a short numeric PIN. A sealed credential is
// bound to the host it was stored under, so entries cannot be swapped
// between hosts by editing the file.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"regexp"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltSize  = 16
	nonceSize = 12
	keySize   = 32 // AES-256
	kdfRounds = 100000
)

var (
	// ErrInvalidPIN is returned when the PIN format is invalid.
	ErrInvalidPIN = errors.New("PIN must be exactly 4 digits")

	// ErrCannotUnseal is returned when a sealed credential does not open:
	// wrong PIN, tampered payload, or an entry sealed for a different host.
	ErrCannotUnseal = errors.New("cannot unseal credential: wrong PIN or mismatched host")

	// ErrSealedFormat is returned when the sealed blob is structurally
	// malformed before any cryptography is attempted.
	ErrSealedFormat = errors.New("malformed sealed credential")

	pinPattern = regexp.MustCompile(`^\d{4}$`)
)

// Credential is one username/password pair, as the engine's URL pool
// carries it for FTP login or HTTP basic auth.
type Credential struct {
	Username string
	Password string
}

// ValidatePIN checks that pin has the accepted 4-digit shape.
func ValidatePIN(pin string) error {
	if !pinPattern.MatchString(pin) {
		return ErrInvalidPIN
	}
	return nil
}

func deriveKey(pin string, salt []byte) []byte {
	return pbkdf2.Key([]byte(pin), salt, kdfRounds, keySize, sha256.New)
}

func newGCM(pin string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(pin, salt))
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// pack length-prefixes the username so any byte is legal in either field.
func pack(cred Credential) ([]byte, error) {
	if len(cred.Username) > 0xFFFF {
		return nil, fmt.Errorf("username too long: %d bytes", len(cred.Username))
	}
	buf := make([]byte, 2+len(cred.Username)+len(cred.Password))
	binary.LittleEndian.PutUint16(buf, uint16(len(cred.Username)))
	copy(buf[2:], cred.Username)
	copy(buf[2+len(cred.Username):], cred.Password)
	return buf, nil
}

func unpack(buf []byte) (Credential, error) {
	if len(buf) < 2 {
		return Credential{}, ErrSealedFormat
	}
	n := int(binary.LittleEndian.Uint16(buf))
	if len(buf) < 2+n {
		return Credential{}, ErrSealedFormat
	}
	return Credential{
		Username: string(buf[2 : 2+n]),
		Password: string(buf[2+n:]),
	}, nil
}

// Seal encrypts cred with AES-256-GCM under a key derived from pin, using
// host as the AEAD associated data so the blob only opens for the host it
// was stored under. Returns base64(salt + nonce + ciphertext).
func Seal(host string, cred Credential, pin string) (string, error) {
	if err := ValidatePIN(pin); err != nil {
		return "", err
	}

	plain, err := pack(cred)
	if err != nil {
		return "", err
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	gcm, err := newGCM(pin, salt)
	if err != nil {
		return "", err
	}
	body := gcm.Seal(nil, nonce, plain, []byte(host))

	out := make([]byte, 0, saltSize+nonceSize+len(body))
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, body...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Open reverses Seal for the given host. It fails with ErrCannotUnseal when
// the PIN is wrong, the payload was tampered with, or the entry was sealed
// for a different host.
func Open(sealed, host, pin string) (Credential, error) {
	if err := ValidatePIN(pin); err != nil {
		return Credential{}, err
	}

	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return Credential{}, ErrSealedFormat
	}
	if len(raw) < saltSize+nonceSize+16 {
		return Credential{}, ErrSealedFormat
	}

	salt := raw[:saltSize]
	nonce := raw[saltSize : saltSize+nonceSize]
	body := raw[saltSize+nonceSize:]

	gcm, err := newGCM(pin, salt)
	if err != nil {
		return Credential{}, err
	}
	plain, err := gcm.Open(nil, nonce, body, []byte(host))
	if err != nil {
		return Credential{}, ErrCannotUnseal
	}
	return unpack(plain)
}
