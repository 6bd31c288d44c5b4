package nostd

import (
	"crypto/rand"
	"encoding/hex"
	"io"

	"github.com/google/uuid"
)

// RandomSource 均匀分布的随机字节来源
type RandomSource interface {
	RandomBytes(n int) ([]byte, error)
}

// CryptoRandom 基于操作系统 CSPRNG
type CryptoRandom struct{}

func (CryptoRandom) RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, err
	}
	return b, nil
}

type sourceReader struct {
	src RandomSource
}

func (r sourceReader) Read(p []byte) (int, error) {
	b, err := r.src.RandomBytes(len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, b), nil
}

// Reader 将随机源包装为 io.Reader
func Reader(src RandomSource) io.Reader {
	return sourceReader{src: src}
}

// NewUUID 使用随机源生成 v4 UUID
func NewUUID(src RandomSource) (string, error) {
	id, err := uuid.NewRandomFromReader(Reader(src))
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// RandomHex 生成 n 字节随机数的十六进制表示
func RandomHex(src RandomSource, n int) (string, error) {
	b, err := src.RandomBytes(n)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
