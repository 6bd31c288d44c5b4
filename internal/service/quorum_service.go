package service

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dushixiang/aegis/internal/config"
	"github.com/dushixiang/aegis/internal/models"
	"github.com/dushixiang/aegis/internal/xe"
	"github.com/dushixiang/aegis/pkg/attest"
	"github.com/dushixiang/aegis/pkg/nostd"
	"go.uber.org/zap"
)

// OutcomeRecorder 接收每个节点响应的结果
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, kind EntityKind, id string, success bool, latencyMs float64) error
}

// RoundRequest 一轮签名收集的输入
type RoundRequest struct {
	DecisionID         string
	OwnerID            string
	RequestType        models.DecisionType
	RequestHash        []byte
	RequiredSignatures int
	Committee          []models.VerifierNode
	Timeout            time.Duration
}

type nodeResult struct {
	nodeID     string
	valid      bool
	signature  string
	latencyMs  float64
	receivedAt time.Time
	err        error
}

// QuorumService 并发向委员会请求签名，达到法定数量即结束
type QuorumService struct {
	logger   *zap.Logger
	client   attest.NodeClient
	recorder OutcomeRecorder
	random   nostd.RandomSource
	metrics  *Metrics

	timeout          time.Duration
	lateGrace        time.Duration
	postQuorumWindow time.Duration

	inflight sync.WaitGroup
}

// NewQuorumService 创建签名收集协调器
func NewQuorumService(client attest.NodeClient, recorder OutcomeRecorder, random nostd.RandomSource, conf *config.Config, metrics *Metrics, logger *zap.Logger) *QuorumService {
	return &QuorumService{
		logger:           logger,
		client:           client,
		recorder:         recorder,
		random:           random,
		metrics:          metrics,
		timeout:          conf.Verification.Timeout(),
		lateGrace:        conf.Verification.LateGrace(),
		postQuorumWindow: conf.Verification.PostQuorumWindow(),
	}
}

func distinctCommittee(committee []models.VerifierNode) []models.VerifierNode {
	seen := make(map[string]struct{}, len(committee))
	out := make([]models.VerifierNode, 0, len(committee))
	for _, node := range committee {
		if _, ok := seen[node.ID]; ok {
			continue
		}
		seen[node.ID] = struct{}{}
		out = append(out, node)
	}
	return out
}

func sinceMs(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}

// Verify 执行一轮签名收集，返回的验证记录尚未持久化
func (s *QuorumService) Verify(ctx context.Context, req RoundRequest) (*models.VerificationLog, error) {
	committee := distinctCommittee(req.Committee)
	switch {
	case req.RequiredSignatures <= 0:
		return nil, fmt.Errorf("%w: required signatures must be positive", xe.ErrInvalidParams)
	case len(committee) == 0:
		return nil, xe.ErrEmptyCommittee
	case len(committee) < req.RequiredSignatures:
		return nil, fmt.Errorf("%w: %d members, %d signatures required",
			xe.ErrCommitteeTooSmall, len(committee), req.RequiredSignatures)
	}

	verificationID, err := nostd.NewUUID(s.random)
	if err != nil {
		return nil, fmt.Errorf("generate verification id: %w", err)
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.timeout
	}
	hashHex := hex.EncodeToString(req.RequestHash)

	logger := s.logger.With(
		zap.String("verification_id", verificationID),
		zap.String("decision_id", req.DecisionID),
	)

	// dispatched
	start := time.Now()
	results := make(chan nodeResult, len(committee))
	for _, node := range committee {
		s.inflight.Add(1)
		go s.callNode(ctx, node, req.RequestHash, hashHex, start, timeout+s.lateGrace, results)
	}
	logger.Info("quorum round dispatched",
		zap.Int("committee_size", len(committee)),
		zap.Int("required_signatures", req.RequiredSignatures),
		zap.Duration("timeout", timeout))

	status := models.RoundStatusCollecting
	valid := make(map[string]models.SignatureRecord, len(committee))
	pending := len(committee)
	var latencyMs float64

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	var window <-chan time.Time

collect:
	for {
		select {
		case r := <-results:
			pending--
			switch {
			case r.valid:
				if _, dup := valid[r.nodeID]; dup {
					logger.Warn("duplicate signature ignored", zap.String("node_id", r.nodeID))
					break
				}
				valid[r.nodeID] = models.SignatureRecord{
					NodeID:     r.nodeID,
					Signature:  r.signature,
					LatencyMs:  r.latencyMs,
					ReceivedAt: r.receivedAt,
				}
			default:
				logger.Warn("node response discarded", zap.String("node_id", r.nodeID), zap.Error(r.err))
			}

			if status == models.RoundStatusCollecting {
				switch {
				case len(valid) >= req.RequiredSignatures:
					status = models.RoundStatusQuorumReached
					latencyMs = sinceMs(start)
					if s.postQuorumWindow <= 0 {
						break collect
					}
					window = time.After(s.postQuorumWindow)
				case len(valid)+pending < req.RequiredSignatures:
					status = models.RoundStatusQuorumFailed
					latencyMs = sinceMs(start)
					break collect
				}
			}
			if pending == 0 {
				break collect
			}
		case <-timer.C:
			if status == models.RoundStatusCollecting {
				status = models.RoundStatusTimedOut
				latencyMs = sinceMs(start)
				break collect
			}
		case <-window:
			break collect
		}
	}

	log := buildLog(verificationID, req, committee, hashHex, status, valid, latencyMs)
	s.metrics.RecordRound(ctx, string(status), latencyMs)
	logger.Info("quorum round finished",
		zap.String("round_status", string(status)),
		zap.Int("signature_count", log.SignatureCount),
		zap.Int("required_signatures", log.RequiredSignatures),
		zap.Bool("consensus_reached", log.ConsensusReached),
		zap.Float64("consensus_latency_ms", latencyMs))
	return log, nil
}

func buildLog(verificationID string, req RoundRequest, committee []models.VerifierNode, hashHex string,
	status models.RoundStatus, valid map[string]models.SignatureRecord, latencyMs float64) *models.VerificationLog {

	members := make([]string, 0, len(committee))
	for _, node := range committee {
		members = append(members, node.ID)
	}
	signatures := make([]models.SignatureRecord, 0, len(valid))
	for _, record := range valid {
		signatures = append(signatures, record)
	}
	sort.Slice(signatures, func(i, j int) bool { return signatures[i].NodeID < signatures[j].NodeID })

	return &models.VerificationLog{
		VerificationID:     verificationID,
		DecisionID:         req.DecisionID,
		RequestHash:        hashHex,
		RequestType:        req.RequestType,
		OwnerID:            req.OwnerID,
		RoundStatus:        status,
		SignatureCount:     len(signatures),
		RequiredSignatures: req.RequiredSignatures,
		CommitteeSize:      len(committee),
		ConsensusReached:   len(signatures) >= req.RequiredSignatures,
		ConsensusLatencyMs: latencyMs,
		Committee:          members,
		Signatures:         signatures,
	}
}

// callNode 请求单个节点签名，最长等待 deadline，结果无论是否迟到都计入信誉账本一次
func (s *QuorumService) callNode(ctx context.Context, node models.VerifierNode, hash []byte, hashHex string,
	start time.Time, deadline time.Duration, results chan<- nodeResult) {
	defer s.inflight.Done()

	// 轮次结束后请求继续，直到硬截止时间
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deadline)
	defer cancel()

	resp, err := s.client.RequestSignature(callCtx, node.Address, hashHex)
	r := nodeResult{
		nodeID:     node.ID,
		latencyMs:  sinceMs(start),
		receivedAt: time.Now(),
	}
	switch {
	case err != nil:
		r.err = err
	case resp.NodeID != node.ID:
		r.err = fmt.Errorf("response signed as %q", resp.NodeID)
	case !attest.Verify(hash, resp.Signature, node.PublicKey):
		r.err = fmt.Errorf("invalid signature")
	default:
		r.valid = true
		r.signature = resp.Signature
	}

	if err := s.recorder.RecordOutcome(context.WithoutCancel(ctx), EntityNode, node.ID, r.valid, r.latencyMs); err != nil {
		s.logger.Error("failed to record node outcome", zap.String("node_id", node.ID), zap.Error(err))
	}
	results <- r
}

// Drain 等待仍在进行的节点请求结束
func (s *QuorumService) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
