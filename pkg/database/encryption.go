package database

import (
	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/models"

	"github.com/firdasafridi/gocrypt"
)

// Cipher wraps a gocrypt AES instance built once from the credential secret.
type Cipher struct {
	encrypt func(any) error
	decrypt func(any) error
}

// NewCipher builds a Cipher from a hex-encoded AES key.
func NewCipher(secretKey string) (*Cipher, error) {
	aesOpt, err := gocrypt.NewAESOpt(secretKey)
	if err != nil {
		return nil, err
	}
	gc := gocrypt.New(&gocrypt.Option{AESOpt: aesOpt})
	return &Cipher{encrypt: gc.Encrypt, decrypt: gc.Decrypt}, nil
}

// EncryptStruct encrypts the fields tagged with gocrypt.
func EncryptStruct[T any](c *Cipher, entity T) (T, error) {
	if err := c.encrypt(&entity); err != nil {
		return entity, err
	}
	return entity, nil
}

// DecryptStruct decrypts the fields tagged with gocrypt.
func DecryptStruct[T any](c *Cipher, entity T) (T, error) {
	if err := c.decrypt(&entity); err != nil {
		return entity, err
	}
	return entity, nil
}

// DecryptPayload decrypts a CredentialProfile and returns the raw payload string.
// The payload format is protocol-specific; plugins parse it themselves.
func (c *Cipher) DecryptPayload(cred *models.CredentialProfile) (string, error) {
	if cred == nil {
		return "", nil
	}

	decrypted, err := DecryptStruct(c, *cred)
	if err != nil {
		// Rows written before encryption was enabled hold plain JSON.
		if len(cred.Payload) > 0 && cred.Payload[0] == '{' {
			return cred.Payload, nil
		}
		return "", err
	}

	return decrypted.Payload, nil
}
