// Package retrytoken implements the Intermediate's QUIC Retry token:
// minted from (source_ip, source_port, odcid, timestamp), sealed with a
// process-scoped AEAD key, and valid for a short window.
package retrytoken

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"net"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

// Validity is the window a minted token remains acceptable for.
const Validity = 10 * time.Second

// ErrExpired is returned by Verify when the token's timestamp is outside
// Validity of now.
var ErrExpired = errors.New("retrytoken: expired")

// ErrInvalid covers every other validation failure: bad AEAD tag, truncated
// ciphertext, or a source address mismatch.
var ErrInvalid = errors.New("retrytoken: invalid")

// Minter seals and opens retry tokens under a single process-scoped AEAD
// key generated at startup from a cryptographically secure source.
type Minter struct {
	aead cipher.AEAD
}

// NewMinter generates a fresh random key and returns a ready Minter. The
// key lives only in memory and is never persisted, matching the source's
// in-memory-only symmetric key.
func NewMinter() (*Minter, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return &Minter{aead: aead}, nil
}

// plaintext layout: odcid_len(1) ‖ odcid ‖ ip_len(1) ‖ ip ‖ port(2 BE) ‖
// unix_millis(8 BE).
func encodePlaintext(srcIP net.IP, srcPort int, odcid []byte, now time.Time) []byte {
	ip := srcIP.To4()
	if ip == nil {
		ip = srcIP.To16()
	}
	out := make([]byte, 0, 1+len(odcid)+1+len(ip)+2+8)
	out = append(out, byte(len(odcid)))
	out = append(out, odcid...)
	out = append(out, byte(len(ip)))
	out = append(out, ip...)
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], uint16(srcPort))
	out = append(out, portBuf[:]...)
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(now.UnixMilli()))
	out = append(out, tsBuf[:]...)
	return out
}

// Mint seals a retry token binding the given source address and original
// destination connection id to the current time.
func (m *Minter) Mint(srcIP net.IP, srcPort int, odcid []byte) ([]byte, error) {
	plaintext := encodePlaintext(srcIP, srcPort, odcid, time.Now())

	nonce := make([]byte, m.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	sealed := m.aead.Seal(nil, nonce, plaintext, nil)
	return append(nonce, sealed...), nil
}

// Verify opens token and checks it was minted for (srcIP, srcPort) within
// Validity of now, and returns the odcid it was bound to. On any failure it
// returns a sentinel error (ErrExpired or ErrInvalid); callers must treat
// both as "drop silently, increment a counter".
func (m *Minter) Verify(token []byte, srcIP net.IP, srcPort int) (odcid []byte, err error) {
	ns := m.aead.NonceSize()
	if len(token) < ns {
		return nil, ErrInvalid
	}
	nonce, ciphertext := token[:ns], token[ns:]
	plaintext, err := m.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrInvalid
	}

	if len(plaintext) < 1 {
		return nil, ErrInvalid
	}
	odcidLen := int(plaintext[0])
	off := 1
	if len(plaintext) < off+odcidLen+1 {
		return nil, ErrInvalid
	}
	odcid = plaintext[off : off+odcidLen]
	off += odcidLen

	ipLen := int(plaintext[off])
	off++
	if len(plaintext) < off+ipLen+2+8 {
		return nil, ErrInvalid
	}
	ip := net.IP(plaintext[off : off+ipLen])
	off += ipLen
	port := int(binary.BigEndian.Uint16(plaintext[off : off+2]))
	off += 2
	mintedAt := time.UnixMilli(int64(binary.BigEndian.Uint64(plaintext[off : off+8])))

	want := srcIP.To4()
	if want == nil {
		want = srcIP.To16()
	}
	if !ip.Equal(want) || port != srcPort {
		return nil, ErrInvalid
	}

	if time.Since(mintedAt) > Validity || mintedAt.After(time.Now().Add(time.Second)) {
		return nil, ErrExpired
	}

	return odcid, nil
}
