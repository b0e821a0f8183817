package fingerprint

import (
	"encoding/binary"
	"fmt"
	"hash"
	"io"
	"strings"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"
)

// DigestSize 是指纹要求的摘要长度（256 bit）。
const DigestSize = 32

// bufferSize 是流式计算摘要时单次读取的缓冲大小。
const bufferSize = 4096

// Key 是摘要拆分后的四个有符号整数，作为去重用的复合索引键。
type Key [4]int64

// Hasher 构造一个新的 256 bit 摘要器。
type Hasher func() hash.Hash

// SHA3_256 是默认摘要算法。
func SHA3_256() hash.Hash {
	return sha3.New256()
}

// BLAKE3 是可选的摘要算法。
func BLAKE3() hash.Hash {
	return blake3.New()
}

// ByName 根据配置名称返回摘要算法。
func ByName(name string) (Hasher, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "sha3-256", "sha3_256", "sha3":
		return SHA3_256, nil
	case "blake3":
		return BLAKE3, nil
	default:
		return nil, fmt.Errorf("unknown hash algorithm %q", name)
	}
}

// Split 将 32 字节摘要按大端序拆分为四个 int64。
func Split(digest []byte) (Key, error) {
	if len(digest) != DigestSize {
		return Key{}, fmt.Errorf("fingerprint: digest must be %d bytes, got %d", DigestSize, len(digest))
	}

	var key Key
	for i := range key {
		key[i] = int64(binary.BigEndian.Uint64(digest[i*8 : (i+1)*8]))
	}
	return key, nil
}

// Finish 取出摘要器的结果并拆分。
func Finish(h hash.Hash) (Key, error) {
	return Split(h.Sum(nil))
}

// SumBytes 计算内存数据的指纹。
func SumBytes(hasher Hasher, data []byte) (Key, error) {
	h := hasher()
	h.Write(data)
	return Finish(h)
}

// SumReader 以有界缓冲读取 r 直到 EOF，返回指纹和读取的字节数。
func SumReader(hasher Hasher, r io.Reader) (Key, int64, error) {
	h := hasher()
	buf := make([]byte, bufferSize)
	n, err := io.CopyBuffer(h, r, buf)
	if err != nil {
		return Key{}, n, err
	}
	key, err := Finish(h)
	return key, n, err
}
