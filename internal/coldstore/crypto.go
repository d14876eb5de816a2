package coldstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

// The vault stores CryptoJS.AES.encrypt output, which is the classic
// OpenSSL envelope: "Salted__", 8 salt bytes, then AES-256-CBC ciphertext
// with key and IV derived by the MD5 EVP_BytesToKey chain. The passphrase
// is the first 16 hex characters of md5(uuid + "-" + password).

const opensslMagic = "Salted__"

func passphrase(uuid, password string) []byte {
	sum := md5.Sum([]byte(uuid + "-" + password))
	return []byte(hex.EncodeToString(sum[:])[:16])
}

func deriveKeyIV(pass, salt []byte) (key, iv []byte) {
	var material, prev []byte
	for len(material) < 48 {
		h := md5.New()
		h.Write(prev)
		h.Write(pass)
		h.Write(salt)
		prev = h.Sum(nil)
		material = append(material, prev...)
	}
	return material[:32], material[32:48]
}

func decrypt(encoded, uuid, password string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if len(raw) < 16 || string(raw[:8]) != opensslMagic {
		return nil, errors.New("payload is not in the OpenSSL salted format")
	}
	salt := raw[8:16]
	ciphertext := raw[16:]
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext length %d is not whole blocks", len(ciphertext))
	}

	key, iv := deriveKeyIV(passphrase(uuid, password), salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)
	return stripPadding(plain)
}

// stripPadding removes PKCS#7 padding. Garbage here almost always means the
// uuid/password pair is wrong, so the error says so.
func stripPadding(plain []byte) ([]byte, error) {
	n := int(plain[len(plain)-1])
	if n == 0 || n > aes.BlockSize || n > len(plain) {
		return nil, errors.New("invalid padding, check vault uuid and password")
	}
	for _, b := range plain[len(plain)-n:] {
		if int(b) != n {
			return nil, errors.New("invalid padding, check vault uuid and password")
		}
	}
	return plain[:len(plain)-n], nil
}
