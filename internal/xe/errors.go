package xe

import "github.com/go-orz/orz"

var (
	ErrInvalidParams = orz.NewError(10400, "参数无效")
	ErrNotFound      = orz.NewError(10404, "数据不存在")

	ErrDecisionNotFound        = orz.NewError(20001, "决策不存在")
	ErrVerificationLogNotFound = orz.NewError(20002, "验证记录不存在")
	ErrNodeNotFound            = orz.NewError(20004, "验证节点不存在")
	ErrProviderNotFound        = orz.NewError(20005, "服务商不存在")
	ErrProviderEndpointUsed    = orz.NewError(20006, "服务商地址已被使用")
	ErrIllegalTransition       = orz.NewError(20007, "决策状态流转非法")

	ErrNoEligibleProvider = orz.NewError(30001, "NO_ELIGIBLE_PROVIDER")
	ErrEmptyCommittee     = orz.NewError(30002, "验证委员会为空")
	ErrCommitteeTooSmall  = orz.NewError(30003, "验证委员会人数不足以达到法定签名数")
)
