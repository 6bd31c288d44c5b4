package attest

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"io"
)

// Signer 验证节点持有的 ed25519 私钥
type Signer struct {
	privKey ed25519.PrivateKey
	pubKey  ed25519.PublicKey
}

// NewSignerFromSeed 使用十六进制种子恢复私钥
func NewSignerFromSeed(seedHex string) (*Signer, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("invalid seed hex: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid seed size %d", len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Signer{
		privKey: priv,
		pubKey:  priv.Public().(ed25519.PublicKey),
	}, nil
}

// GenerateKey 生成新的密钥对，返回十六进制种子与公钥
func GenerateKey(rand io.Reader) (seedHex, pubHex string, err error) {
	pub, priv, err := ed25519.GenerateKey(rand)
	if err != nil {
		return "", "", fmt.Errorf("key generation failed: %w", err)
	}
	return hex.EncodeToString(priv.Seed()), hex.EncodeToString(pub), nil
}

// Sign 对原始哈希字节签名
func (s *Signer) Sign(hash []byte) string {
	return hex.EncodeToString(ed25519.Sign(s.privKey, hash))
}

func (s *Signer) PublicKey() string {
	return hex.EncodeToString(s.pubKey)
}

// Verify 校验签名，任何解码错误都视为无效
func Verify(hash []byte, sigHex, pubKeyHex string) bool {
	pubKey, err := hex.DecodeString(pubKeyHex)
	if err != nil || len(pubKey) != ed25519.PublicKeySize {
		return false
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pubKey), hash, sig)
}
