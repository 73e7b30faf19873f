package chain

import (
	"context"
	"errors"
	"io"
	"math/big"
	"testing"

	"defi-aggregator/stable-router/internal/types"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	gasPrice   *big.Int
	callOut    []byte
	callErr    error
	estimate   uint64
	estimateEr error
	lastCall   ethereum.CallMsg
	receipt    *gethtypes.Receipt
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) { return f.gasPrice, nil }
func (f *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.lastCall = msg
	return f.callOut, f.callErr
}
func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return f.estimate, f.estimateEr
}
func (f *fakeBackend) SendTransaction(context.Context, *gethtypes.Transaction) error { return nil }
func (f *fakeBackend) TransactionReceipt(context.Context, common.Hash) (*gethtypes.Receipt, error) {
	if f.receipt == nil {
		return nil, ethereum.NotFound
	}
	return f.receipt, nil
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestRegistryLookup(t *testing.T) {
	eth, ok := ByName("Ethereum")
	require.True(t, ok)
	require.EqualValues(t, 1, eth.ID)
	require.False(t, eth.HasL1Fees())

	base, ok := ByID(8453)
	require.True(t, ok)
	require.Equal(t, "base", base.Name)
	require.True(t, base.HasL1Fees())

	require.EqualValues(t, 534352, IDOf("scroll"))
	require.Zero(t, IDOf("unknown"))
}

func TestL1Fee(t *testing.T) {
	info, _ := ByName("optimism")
	out, err := parsedGasOracle.Methods["getL1Fee"].Outputs.Pack(big.NewInt(2_500_000_000_000))
	require.NoError(t, err)

	t.Run("known fee in gas token units", func(t *testing.T) {
		backend := &fakeBackend{callOut: out}
		c := NewClient(info, backend, nil, testLogger())
		fee := c.L1Fee(context.Background(), "0xdeadbeef")
		require.True(t, fee.Known)
		require.True(t, fee.Value.Equal(decimal.RequireFromString("0.0000025")))
		require.Equal(t, common.HexToAddress(opStackGasOracle), *backend.lastCall.To)
	})

	t.Run("rpc failure is unknown", func(t *testing.T) {
		c := NewClient(info, &fakeBackend{callErr: errors.New("boom")}, nil, testLogger())
		require.True(t, c.L1Fee(context.Background(), "0xdeadbeef").IsUnknown())
	})

	t.Run("bad hex is unknown", func(t *testing.T) {
		c := NewClient(info, &fakeBackend{callOut: out}, nil, testLogger())
		require.True(t, c.L1Fee(context.Background(), "nothex").IsUnknown())
	})

	t.Run("chain without l1 fees", func(t *testing.T) {
		eth, _ := ByName("ethereum")
		c := NewClient(eth, &fakeBackend{}, nil, testLogger())
		fee := c.L1Fee(context.Background(), "0x")
		require.True(t, fee.Known)
		require.True(t, fee.Value.IsZero())
	})
}

func TestSimulateGas(t *testing.T) {
	info, _ := ByName("ethereum")
	tx := &types.TxRequest{From: "0x1111111111111111111111111111111111111111", To: "0x2222222222222222222222222222222222222222", Data: "0x12", Value: "1000"}

	c := NewClient(info, &fakeBackend{estimate: 150000}, nil, testLogger())
	gas, reverted, err := c.SimulateGas(context.Background(), tx)
	require.NoError(t, err)
	require.False(t, reverted)
	require.EqualValues(t, 150000, gas)

	c = NewClient(info, &fakeBackend{estimateEr: errors.New("execution reverted: TRANSFER_FAILED")}, nil, testLogger())
	_, reverted, err = c.SimulateGas(context.Background(), tx)
	require.NoError(t, err)
	require.True(t, reverted)

	c = NewClient(info, &fakeBackend{estimateEr: errors.New("connection refused")}, nil, testLogger())
	_, _, err = c.SimulateGas(context.Background(), tx)
	require.Error(t, err)
}

func TestWaitReceipt(t *testing.T) {
	info, _ := ByName("ethereum")
	backend := &fakeBackend{receipt: &gethtypes.Receipt{Status: gethtypes.ReceiptStatusSuccessful}}
	c := NewClient(info, backend, nil, testLogger())
	ok, err := c.WaitReceipt(context.Background(), "0xabc")
	require.NoError(t, err)
	require.True(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c = NewClient(info, &fakeBackend{}, nil, testLogger())
	_, err = c.WaitReceipt(ctx, "0xabc")
	require.ErrorIs(t, err, context.Canceled)
}

func TestCallsStatusSettled(t *testing.T) {
	done, ok := CallsStatus{Status: float64(100)}.Settled()
	require.False(t, done)
	require.False(t, ok)

	done, ok = CallsStatus{Status: float64(200)}.Settled()
	require.True(t, done)
	require.True(t, ok)

	done, ok = CallsStatus{Status: float64(500)}.Settled()
	require.True(t, done)
	require.False(t, ok)

	done, _ = CallsStatus{Status: "PENDING"}.Settled()
	require.False(t, done)
}
