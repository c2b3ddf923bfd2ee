// Package credentials шифрует пароли аккаунтов ботов для хранения в БД.
// Используется NaCl secretbox (XSalsa20 + Poly1305) из golang.org/x/crypto.
// Формат: nonce (24 байта) || зашифрованные данные.
package credentials

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	keySize   = 32
	nonceSize = 24
)

var (
	// ErrInvalidKey — ключ не 32 байта
	ErrInvalidKey = errors.New("ключ шифрования должен быть 32 байта")
	// ErrDecrypt — данные повреждены или зашифрованы другим ключом
	ErrDecrypt = errors.New("не удалось расшифровать учётные данные")
)

// Sealer шифрует и расшифровывает секреты ботов.
type Sealer struct {
	key *[keySize]byte
}

// NewSealer создаёт шифратор из ключа в base64.
// Пустой ключ допустим: тогда секреты хранятся открытым текстом (только для разработки).
func NewSealer(encodedKey string) (*Sealer, error) {
	if encodedKey == "" {
		return &Sealer{}, nil
	}
	raw, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("CREDENTIALS_KEY: %w", err)
	}
	if len(raw) != keySize {
		return nil, ErrInvalidKey
	}
	var key [keySize]byte
	copy(key[:], raw)
	return &Sealer{key: &key}, nil
}

// Enabled сообщает, задан ли ключ.
func (s *Sealer) Enabled() bool { return s != nil && s.key != nil }

// Seal шифрует секрет.
func (s *Sealer) Seal(plain string) ([]byte, error) {
	if !s.Enabled() {
		return []byte(plain), nil
	}
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("генерация nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], []byte(plain), &nonce, s.key), nil
}

// Open расшифровывает секрет.
func (s *Sealer) Open(sealed []byte) (string, error) {
	if !s.Enabled() {
		return string(sealed), nil
	}
	if len(sealed) < nonceSize+secretbox.Overhead {
		return "", ErrDecrypt
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plain, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, s.key)
	if !ok {
		return "", ErrDecrypt
	}
	return string(plain), nil
}
