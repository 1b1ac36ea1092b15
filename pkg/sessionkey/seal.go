package sessionkey

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const pbkdf2Iterations = 210_000

type sealedSecret struct {
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	CipherText string `json:"cipher_text"`
}

// seal encrypts secret under passphrase and returns the JSON envelope.
func seal(passphrase string, secret []byte) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}
	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	data, err := json.Marshal(sealedSecret{
		Salt:       hex.EncodeToString(salt),
		Nonce:      hex.EncodeToString(nonce),
		CipherText: hex.EncodeToString(gcm.Seal(nil, nonce, secret, nil)),
	})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// unseal reverses seal.
func unseal(passphrase, envelope string) ([]byte, error) {
	var s sealedSecret
	if err := json.Unmarshal([]byte(envelope), &s); err != nil {
		return nil, err
	}
	salt, err := hex.DecodeString(s.Salt)
	if err != nil {
		return nil, err
	}
	nonce, err := hex.DecodeString(s.Nonce)
	if err != nil {
		return nil, err
	}
	cipherText, err := hex.DecodeString(s.CipherText)
	if err != nil {
		return nil, err
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, errors.New("bad nonce length")
	}
	secret, err := gcm.Open(nil, nonce, cipherText, nil)
	if err != nil {
		return nil, errors.New("wrong passphrase or corrupted secret")
	}
	return secret, nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, 32, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
