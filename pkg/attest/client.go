package attest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// SignRequest 发往验证节点的签名请求
type SignRequest struct {
	RequestHash string `json:"request_hash" validate:"required,hexadecimal,len=64"`
}

// SignResponse 验证节点的签名
type SignResponse struct {
	NodeID    string `json:"node_id"`
	Signature string `json:"signature"`
}

// NodeClient 向单个验证节点请求签名
type NodeClient interface {
	RequestSignature(ctx context.Context, address string, requestHash string) (SignResponse, error)
}

// HTTPNodeClient 通过 HTTP 调用验证节点的 /sign 接口
type HTTPNodeClient struct {
	client *http.Client
}

func NewHTTPNodeClient(client *http.Client) *HTTPNodeClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPNodeClient{client: client}
}

func (c *HTTPNodeClient) RequestSignature(ctx context.Context, address string, requestHash string) (SignResponse, error) {
	var out SignResponse
	body, err := json.Marshal(SignRequest{RequestHash: requestHash})
	if err != nil {
		return out, err
	}
	url := strings.TrimRight(address, "/") + "/sign"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return out, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return out, fmt.Errorf("node %s answered %d: %s", address, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&out); err != nil {
		return out, fmt.Errorf("decode node response: %w", err)
	}
	return out, nil
}
