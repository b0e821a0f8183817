// Package idtoken 把 12 字节文件标识编码为可逆、URL 安全的短令牌，
// 对外分发文件句柄时无需暴露原始标识。
package idtoken

import (
	"crypto/hmac"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/sha3"
)

// IDSize 是文件标识的字节长度。
const IDSize = 12

const tagSize = 4

// ErrInvalidToken 表示令牌无法解码为合法标识。
var ErrInvalidToken = errors.New("idtoken: invalid token")

// Codec 以种子派生的密钥编码和解码标识。相同种子总是得到相同令牌。
type Codec struct {
	key   [chacha20.KeySize]byte
	nonce [chacha20.NonceSize]byte
}

// New 根据种子创建编解码器。
func New(seed string) *Codec {
	c := &Codec{key: sha3.Sum256([]byte(seed))}
	nonce := sha3.Sum256(append([]byte("nonce:"), c.key[:]...))
	copy(c.nonce[:], nonce[:chacha20.NonceSize])
	return c
}

// Encode 把标识编码为令牌。
func (c *Codec) Encode(id [IDSize]byte) string {
	buf := make([]byte, IDSize+tagSize)
	copy(buf, id[:])
	copy(buf[IDSize:], c.tag(id[:]))
	c.xor(buf)
	return base64.RawURLEncoding.EncodeToString(buf)
}

// Decode 解码令牌；长度不符或校验失败都返回 ErrInvalidToken。
func (c *Codec) Decode(token string) ([IDSize]byte, error) {
	var id [IDSize]byte

	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return id, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if len(raw) != IDSize+tagSize {
		return id, fmt.Errorf("%w: id needs to be %d bytes", ErrInvalidToken, IDSize)
	}

	c.xor(raw)
	if !hmac.Equal(raw[IDSize:], c.tag(raw[:IDSize])) {
		return id, fmt.Errorf("%w: checksum mismatch", ErrInvalidToken)
	}

	copy(id[:], raw[:IDSize])
	return id, nil
}

func (c *Codec) xor(buf []byte) {
	stream, err := chacha20.NewUnauthenticatedCipher(c.key[:], c.nonce[:])
	if err != nil {
		// 密钥与 nonce 长度固定，不会失败。
		panic(err)
	}
	stream.XORKeyStream(buf, buf)
}

func (c *Codec) tag(id []byte) []byte {
	mac := hmac.New(sha3.New256, c.key[:])
	mac.Write(id)
	return mac.Sum(nil)[:tagSize]
}
