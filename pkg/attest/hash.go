package attest

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// CanonicalMarshal 紧凑 JSON，不转义 HTML，去掉结尾换行
func CanonicalMarshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("canonical encoding failed: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}

// Digest 参与签名的决策内容
type Digest struct {
	DecisionID string          `json:"decision_id"`
	OwnerID    string          `json:"owner_id"`
	Type       string          `json:"type"`
	Parameters json.RawMessage `json:"parameters"`
	Rationale  string          `json:"rationale"`
	Nonce      string          `json:"nonce"`
}

// Hash SHA3-256(canonical json)
func Hash(v interface{}) ([]byte, error) {
	data, err := CanonicalMarshal(v)
	if err != nil {
		return nil, err
	}
	sum := sha3.Sum256(data)
	return sum[:], nil
}

// HashHex 十六进制编码的哈希
func HashHex(v interface{}) (string, error) {
	sum, err := Hash(v)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sum), nil
}
