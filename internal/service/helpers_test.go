package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dushixiang/aegis/internal/config"
	"github.com/dushixiang/aegis/internal/models"
	"github.com/dushixiang/aegis/pkg/attest"
	"github.com/dushixiang/aegis/pkg/nostd"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "aegis.db") + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Decision{},
		&models.PolicyConfig{},
		&models.VerifierNode{},
		&models.Provider{},
		&models.VerificationLog{},
	))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func newTestConfig() *config.Config {
	conf := &config.Config{}
	conf.Verification.TimeoutMs = 500
	conf.Verification.LateGraceMs = -1
	conf.SetDefaults()
	return conf
}

type nodeMode int

const (
	nodeValid   nodeMode = iota
	nodeInvalid          // 用其他数据签名
	nodeError            // 请求失败
	nodeSilent           // 不响应直到截止时间
)

type fakeNode struct {
	signer *attest.Signer
	mode   nodeMode
	delay  time.Duration
}

type fakeNodeClient struct {
	mu    sync.Mutex
	nodes map[string]*fakeNode
	calls map[string]int
}

func (f *fakeNodeClient) RequestSignature(ctx context.Context, address string, requestHash string) (attest.SignResponse, error) {
	f.mu.Lock()
	node := f.nodes[address]
	f.calls[address]++
	f.mu.Unlock()

	if node.delay > 0 {
		select {
		case <-time.After(node.delay):
		case <-ctx.Done():
			return attest.SignResponse{}, ctx.Err()
		}
	}

	hash, err := hex.DecodeString(requestHash)
	if err != nil {
		return attest.SignResponse{}, err
	}
	switch node.mode {
	case nodeSilent:
		<-ctx.Done()
		return attest.SignResponse{}, ctx.Err()
	case nodeError:
		return attest.SignResponse{}, errors.New("connection refused")
	case nodeInvalid:
		return attest.SignResponse{NodeID: address, Signature: node.signer.Sign([]byte("something else"))}, nil
	}
	return attest.SignResponse{NodeID: address, Signature: node.signer.Sign(hash)}, nil
}

func (f *fakeNodeClient) callCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

// newCommittee 节点地址与ID相同，便于假客户端查找
func newCommittee(t *testing.T, modes ...nodeMode) ([]models.VerifierNode, *fakeNodeClient) {
	t.Helper()
	client := &fakeNodeClient{nodes: make(map[string]*fakeNode), calls: make(map[string]int)}
	committee := make([]models.VerifierNode, 0, len(modes))
	for i, mode := range modes {
		seed, pub, err := attest.GenerateKey(rand.Reader)
		require.NoError(t, err)
		signer, err := attest.NewSignerFromSeed(seed)
		require.NoError(t, err)

		id := fmt.Sprintf("node-%02d", i+1)
		client.nodes[id] = &fakeNode{signer: signer, mode: mode}
		committee = append(committee, models.VerifierNode{
			ID:               id,
			Address:          id,
			PublicKey:        pub,
			IsActive:         true,
			ReliabilityScore: 1,
		})
	}
	return committee, client
}

func repeatMode(mode nodeMode, n int) []nodeMode {
	out := make([]nodeMode, n)
	for i := range out {
		out[i] = mode
	}
	return out
}

func concatModes(groups ...[]nodeMode) []nodeMode {
	var out []nodeMode
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

type outcome struct {
	kind      EntityKind
	id        string
	success   bool
	latencyMs float64
}

type fakeRecorder struct {
	mu       sync.Mutex
	outcomes []outcome
}

func (f *fakeRecorder) RecordOutcome(_ context.Context, kind EntityKind, id string, success bool, latencyMs float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, outcome{kind: kind, id: id, success: success, latencyMs: latencyMs})
	return nil
}

func (f *fakeRecorder) snapshot() []outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]outcome, len(f.outcomes))
	copy(out, f.outcomes)
	return out
}

func (f *fakeRecorder) count(success bool) int {
	n := 0
	for _, o := range f.snapshot() {
		if o.success == success {
			n++
		}
	}
	return n
}

func newTestQuorum(client attest.NodeClient, recorder OutcomeRecorder, conf *config.Config) *QuorumService {
	return NewQuorumService(client, recorder, nostd.CryptoRandom{}, conf, nil, zap.NewNop())
}

func drain(t *testing.T, q *QuorumService) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Drain(ctx))
}

func testHash(t *testing.T) []byte {
	t.Helper()
	hash, err := attest.Hash(map[string]string{"decision": t.Name()})
	require.NoError(t, err)
	return hash
}
