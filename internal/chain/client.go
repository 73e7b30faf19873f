package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"defi-aggregator/stable-router/internal/types"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// OP Stack GasPriceOracle 与 Scroll L1GasPriceOracle 共用同一个签名
const gasOracleABI = `[{"inputs":[{"internalType":"bytes","name":"_data","type":"bytes"}],"name":"getL1Fee","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"}]`

var parsedGasOracle = mustParseABI(gasOracleABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("解析ABI失败: %v", err))
	}
	return parsed
}

// EVMBackend 节点RPC中被使用到的子集，*ethclient.Client 满足该接口
type EVMBackend interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
}

// RPCCaller 原始JSON-RPC调用
type RPCCaller interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
}

// Client 单条链的节点客户端
type Client struct {
	info    Info
	backend EVMBackend
	rpc     RPCCaller
	logger  *logrus.Logger
	poll    time.Duration
}

// Dial 连接链节点
func Dial(ctx context.Context, info Info, endpoint string, logger *logrus.Logger) (*Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("链 %s 未配置RPC地址", info.Name)
	}
	rpcClient, err := rpc.DialContext(ctx, trimmed)
	if err != nil {
		return nil, fmt.Errorf("连接链 %s 节点失败: %w", info.Name, err)
	}
	return NewClient(info, ethclient.NewClient(rpcClient), rpcClient, logger), nil
}

// NewClient 使用已有后端构造客户端
func NewClient(info Info, backend EVMBackend, caller RPCCaller, logger *logrus.Logger) *Client {
	return &Client{
		info:    info,
		backend: backend,
		rpc:     caller,
		logger:  logger,
		poll:    2 * time.Second,
	}
}

// Info 链信息
func (c *Client) Info() Info {
	return c.info
}

// GasPrice 当前建议Gas价格（wei）
func (c *Client) GasPrice(ctx context.Context) (decimal.Decimal, error) {
	price, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("查询Gas价格失败: %w", err)
	}
	return decimal.NewFromBigInt(price, 0), nil
}

// L1Fee 通过链上预言机查询交易数据的L1费用，单位为Gas代币（已除以1e18）
// 任意失败都返回 Unknown
func (c *Client) L1Fee(ctx context.Context, txData string) types.Estimate {
	if !c.info.HasL1Fees() {
		return types.KnownEstimate(decimal.Zero)
	}
	data, err := hexutil.Decode(txData)
	if err != nil {
		c.logger.Warnf("[%s] L1费用: 交易数据不是有效的十六进制: %v", c.info.Name, err)
		return types.UnknownEstimate()
	}
	input, err := parsedGasOracle.Pack("getL1Fee", data)
	if err != nil {
		return types.UnknownEstimate()
	}
	oracle := common.HexToAddress(c.info.L1FeeOracle)
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &oracle, Data: input}, nil)
	if err != nil {
		c.logger.Warnf("[%s] 查询L1费用失败: %v", c.info.Name, err)
		return types.UnknownEstimate()
	}
	values, err := parsedGasOracle.Unpack("getL1Fee", out)
	if err != nil || len(values) == 0 {
		return types.UnknownEstimate()
	}
	fee, ok := values[0].(*big.Int)
	if !ok {
		return types.UnknownEstimate()
	}
	return types.KnownEstimate(decimal.NewFromBigInt(fee, -18))
}

// SimulateGas 模拟交易，返回消耗的Gas；执行回滚时 reverted=true
func (c *Client) SimulateGas(ctx context.Context, tx *types.TxRequest) (uint64, bool, error) {
	if tx == nil || tx.To == "" {
		return 0, false, errors.New("缺少交易目标地址")
	}
	data, err := hexutil.Decode(tx.Data)
	if err != nil {
		return 0, false, fmt.Errorf("解析交易数据失败: %w", err)
	}
	to := common.HexToAddress(tx.To)
	msg := ethereum.CallMsg{
		From: common.HexToAddress(tx.From),
		To:   &to,
		Data: data,
	}
	if tx.Value != "" && tx.Value != "0" {
		value, ok := new(big.Int).SetString(strings.TrimPrefix(tx.Value, "0x"), base(tx.Value))
		if !ok {
			return 0, false, fmt.Errorf("解析交易金额失败: %s", tx.Value)
		}
		msg.Value = value
	}
	gas, err := c.backend.EstimateGas(ctx, msg)
	if err != nil {
		if isRevert(err) {
			return 0, true, nil
		}
		return 0, false, fmt.Errorf("模拟交易失败: %w", err)
	}
	return gas, false, nil
}

func base(v string) int {
	if strings.HasPrefix(v, "0x") {
		return 16
	}
	return 10
}

func isRevert(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "revert") || strings.Contains(msg, "insufficient funds") ||
		strings.Contains(msg, "gas required exceeds")
}

// Broadcast 广播已签名的原始交易
func (c *Client) Broadcast(ctx context.Context, rawTx string) (string, error) {
	raw, err := hexutil.Decode(rawTx)
	if err != nil {
		return "", fmt.Errorf("解析签名交易失败: %w", err)
	}
	tx := new(gethtypes.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return "", fmt.Errorf("解码签名交易失败: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, tx); err != nil {
		return "", fmt.Errorf("广播交易失败: %w", err)
	}
	c.logger.Infof("[%s] 📤 交易已广播: %s", c.info.Name, tx.Hash().Hex())
	return tx.Hash().Hex(), nil
}

// WaitReceipt 轮询等待交易回执，成功返回 true
func (c *Client) WaitReceipt(ctx context.Context, txHash string) (bool, error) {
	hash := common.HexToHash(txHash)
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt.Status == gethtypes.ReceiptStatusSuccessful, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return false, fmt.Errorf("查询交易回执失败: %w", err)
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}

// CallsStatus EIP-5792 wallet_getCallsStatus 结果
type CallsStatus struct {
	Status   interface{} `json:"status"` // 旧版为字符串，新版为数字状态码
	Receipts []struct {
		Status          string `json:"status"`
		TransactionHash string `json:"transactionHash"`
	} `json:"receipts"`
}

// Settled 是否到达终态以及是否成功
func (s CallsStatus) Settled() (done bool, success bool) {
	switch v := s.Status.(type) {
	case string:
		if strings.EqualFold(v, "CONFIRMED") {
			return true, s.receiptsSucceeded()
		}
		return false, false
	case float64:
		switch {
		case v >= 100 && v < 200:
			return false, false
		case v == 200:
			return true, true
		default:
			return true, false
		}
	default:
		return false, false
	}
}

func (s CallsStatus) receiptsSucceeded() bool {
	for _, r := range s.Receipts {
		if r.Status != "0x1" && r.Status != "success" {
			return false
		}
	}
	return true
}

// TxHashes 回执中的交易哈希
func (s CallsStatus) TxHashes() []string {
	var out []string
	for _, r := range s.Receipts {
		if r.TransactionHash != "" {
			out = append(out, r.TransactionHash)
		}
	}
	return out
}

// WaitCallsStatus 轮询批量调用状态直到终态
func (c *Client) WaitCallsStatus(ctx context.Context, id string) (CallsStatus, bool, error) {
	if c.rpc == nil {
		return CallsStatus{}, false, errors.New("未配置RPC调用器")
	}
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	for {
		var status CallsStatus
		if err := c.rpc.CallContext(ctx, &status, "wallet_getCallsStatus", id); err != nil {
			return CallsStatus{}, false, fmt.Errorf("查询批量调用状态失败: %w", err)
		}
		if done, ok := status.Settled(); done {
			return status, ok, nil
		}
		select {
		case <-ctx.Done():
			return CallsStatus{}, false, ctx.Err()
		case <-ticker.C:
		}
	}
}
