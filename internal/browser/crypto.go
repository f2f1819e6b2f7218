package browser

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	saltLen   = 16
	tagLen    = 16
	headerLen = saltLen + 4 + 1
)

var errBadPadding = errors.New("aes128gcm: bad record padding")

// decryptPayload opens an RFC 8291 aes128gcm push message addressed to the
// user agent key ua with authentication secret auth.
func decryptPayload(body []byte, ua *ecdh.PrivateKey, auth []byte) ([]byte, error) {
	if len(body) < headerLen {
		return nil, fmt.Errorf("aes128gcm: short header (%d bytes)", len(body))
	}
	salt := body[:saltLen]
	rs := int(binary.BigEndian.Uint32(body[saltLen : saltLen+4]))
	idLen := int(body[saltLen+4])
	if len(body) < headerLen+idLen {
		return nil, fmt.Errorf("aes128gcm: truncated key id")
	}
	if rs <= tagLen+1 {
		return nil, fmt.Errorf("aes128gcm: record size %d too small", rs)
	}
	asPublic := body[headerLen : headerLen+idLen]
	ciphertext := body[headerLen+idLen:]

	serverKey, err := ecdh.P256().NewPublicKey(asPublic)
	if err != nil {
		return nil, fmt.Errorf("aes128gcm: sender key: %w", err)
	}
	secret, err := ua.ECDH(serverKey)
	if err != nil {
		return nil, fmt.Errorf("aes128gcm: ecdh: %w", err)
	}

	// RFC 8291 section 3.3: combine the shared secret with the auth secret.
	keyInfo := append([]byte("WebPush: info\x00"), ua.PublicKey().Bytes()...)
	keyInfo = append(keyInfo, asPublic...)
	ikm, err := expand(hkdf.Extract(sha256.New, secret, auth), keyInfo, 32)
	if err != nil {
		return nil, err
	}

	prk := hkdf.Extract(sha256.New, ikm, salt)
	cek, err := expand(prk, []byte("Content-Encoding: aes128gcm\x00"), 16)
	if err != nil {
		return nil, err
	}
	baseNonce, err := expand(prk, []byte("Content-Encoding: nonce\x00"), 12)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(cek)
	if err != nil {
		return nil, fmt.Errorf("aes128gcm: cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("aes128gcm: gcm: %w", err)
	}

	var out []byte
	for seq := uint64(0); len(ciphertext) > 0; seq++ {
		n := min(rs, len(ciphertext))
		record := ciphertext[:n]
		ciphertext = ciphertext[n:]

		plain, err := gcm.Open(nil, recordNonce(baseNonce, seq), record, nil)
		if err != nil {
			return nil, fmt.Errorf("aes128gcm: record %d: %w", seq, err)
		}
		plain, last, err := unpad(plain)
		if err != nil {
			return nil, err
		}
		out = append(out, plain...)
		if last != (len(ciphertext) == 0) {
			return nil, errBadPadding
		}
	}
	return out, nil
}

func expand(prk, info []byte, n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, prk, info), out); err != nil {
		return nil, fmt.Errorf("aes128gcm: hkdf: %w", err)
	}
	return out, nil
}

// recordNonce XORs the record sequence number into the low bytes of the base nonce.
func recordNonce(base []byte, seq uint64) []byte {
	nonce := make([]byte, len(base))
	copy(nonce, base)
	var s [8]byte
	binary.BigEndian.PutUint64(s[:], seq)
	for i := range s {
		nonce[len(nonce)-8+i] ^= s[i]
	}
	return nonce
}

// unpad strips trailing zero padding and the delimiter, which is 0x02 on the
// last record and 0x01 otherwise.
func unpad(plain []byte) ([]byte, bool, error) {
	i := len(plain) - 1
	for i >= 0 && plain[i] == 0 {
		i--
	}
	if i < 0 {
		return nil, false, errBadPadding
	}
	switch plain[i] {
	case 0x02:
		return plain[:i], true, nil
	case 0x01:
		return plain[:i], false, nil
	}
	return nil, false, errBadPadding
}
