package adapters

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"defi-aggregator/stable-router/internal/types"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	usdcMainnet = "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"
	usdtMainnet = "0xdac17f958d2ee523a2206206994597c13d831ec7"
	testUser    = "0x1111111111111111111111111111111111111111"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testConfig(name, baseURL string) *types.ProviderConfig {
	return &types.ProviderConfig{
		Name:            name,
		DisplayName:     name,
		BaseURL:         baseURL,
		APIKey:          "test-key",
		Timeout:         2 * time.Second,
		RetryCount:      2,
		IsActive:        true,
		SupportedChains: []uint{1, 10, 8453},
	}
}

func exactIn(amount int64) *QuoteParams {
	return &QuoteParams{
		Chain:   "ethereum",
		ChainID: 1,
		From:    usdcMainnet,
		To:      usdtMainnet,
		Amount:  decimal.NewFromInt(amount),
		Extra: types.QuoteExtra{
			Slippage:  decimal.RequireFromString("0.5"),
			FromToken: &types.Token{Address: usdcMainnet, Symbol: "USDC", Decimals: 6, ChainID: 1},
			ToToken:   &types.Token{Address: usdtMainnet, Symbol: "USDT", Decimals: 6, ChainID: 1},
		},
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// ========================================
// BaseAdapter
// ========================================

func TestMakeHTTPRequestRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		writeJSON(w, map[string]string{"ok": "yes"})
	}))
	defer srv.Close()

	b := NewBaseAdapter(testConfig("base", srv.URL), quietLogger())
	body, err := b.makeHTTPRequest(context.Background(), http.MethodGet, srv.URL, nil, nil)
	require.NoError(t, err)
	assert.Contains(t, string(body), "yes")
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
	assert.EqualValues(t, 1, b.GetMetrics().SuccessRequests)
}

func TestMakeHTTPRequestDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"description":"bad token"}`))
	}))
	defer srv.Close()

	b := NewBaseAdapter(testConfig("base", srv.URL), quietLogger())
	_, err := b.makeHTTPRequest(context.Background(), http.MethodGet, srv.URL, nil, nil)
	require.Error(t, err)
	statusErr, ok := asStatusError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadRequest, statusErr.StatusCode)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
	assert.EqualValues(t, 1, b.GetMetrics().FailedRequests)
}

// ========================================
// 1inch
// ========================================

func TestOneInchQuote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/1/quote":
			assert.Equal(t, usdcMainnet, r.URL.Query().Get("src"))
			assert.Equal(t, "1000000000", r.URL.Query().Get("amount"))
			writeJSON(w, map[string]interface{}{"dstAmount": "999500000", "gas": 180000})
		case "/1/approve/spender":
			writeJSON(w, map[string]string{"address": "0x111111125421ca6dc452d289314280a0f8842a65"})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	a := NewOneInchAdapter(testConfig(types.Provider1inch, srv.URL), quietLogger())
	quote, err := a.GetQuote(context.Background(), exactIn(1_000_000_000))
	require.NoError(t, err)
	assert.True(t, quote.AmountReturned.Equal(decimal.NewFromInt(999_500_000)))
	assert.True(t, quote.AmountIn.Equal(decimal.NewFromInt(1_000_000_000)))
	assert.True(t, quote.EstimatedGas.Equal(decimal.NewFromInt(180000)))
	require.NotNil(t, quote.TokenApprovalAddress)
	assert.Nil(t, a.(TxBuilder).GetTx(quote))
}

func TestOneInchSwapCarriesTx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/1/swap":
			assert.Equal(t, testUser, r.URL.Query().Get("from"))
			writeJSON(w, map[string]interface{}{
				"dstAmount": "999500000",
				"tx":        map[string]interface{}{"from": testUser, "to": "0xrouter", "data": "0xabcdef", "value": "0", "gas": 210000},
			})
		case "/1/approve/spender":
			writeJSON(w, map[string]string{"address": "0xrouter"})
		}
	}))
	defer srv.Close()

	a := NewOneInchAdapter(testConfig(types.Provider1inch, srv.URL), quietLogger())
	params := exactIn(1_000_000_000)
	params.Extra.UserAddress = testUser
	quote, err := a.GetQuote(context.Background(), params)
	require.NoError(t, err)

	builder := a.(TxBuilder)
	assert.Equal(t, "0xabcdef", builder.GetTxData(quote))
	assert.EqualValues(t, 210000, builder.GetTx(quote).Gas)
	assert.True(t, quote.EstimatedGas.Equal(decimal.NewFromInt(210000)))
}

func TestOneInchRejectsExactOutput(t *testing.T) {
	a := NewOneInchAdapter(testConfig(types.Provider1inch, "http://unused"), quietLogger())
	params := exactIn(0)
	params.Extra.AmountOut = decimal.NewFromInt(5)
	_, err := a.GetQuote(context.Background(), params)
	require.Error(t, err)
	assert.False(t, a.Capabilities().OutputAvailable)
}

func TestUnsupportedChain(t *testing.T) {
	a := NewOneInchAdapter(testConfig(types.Provider1inch, "http://unused"), quietLogger())
	params := exactIn(1)
	params.ChainID = 56
	_, err := a.GetQuote(context.Background(), params)
	var rerr *types.RouterError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, types.ErrCodeUnsupportedChain, rerr.Code)
}

// ========================================
// ParaSwap
// ========================================

func TestParaSwapExactOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/prices", r.URL.Path)
		assert.Equal(t, "BUY", r.URL.Query().Get("side"))
		assert.Equal(t, "500000000", r.URL.Query().Get("amount"))
		assert.Equal(t, "6", r.URL.Query().Get("destDecimals"))
		writeJSON(w, map[string]interface{}{"priceRoute": map[string]interface{}{
			"srcAmount": "500300000", "destAmount": "500000000", "gasCost": "150000",
			"side": "BUY", "tokenTransferProxy": "0x216b4b4ba9f3e719726886d34a177484278bfcae",
		}})
	}))
	defer srv.Close()

	a := NewParaSwapAdapter(testConfig(types.ProviderParaswap, srv.URL), quietLogger())
	params := exactIn(0)
	params.Extra.AmountOut = decimal.NewFromInt(500_000_000)
	quote, err := a.GetQuote(context.Background(), params)
	require.NoError(t, err)
	assert.True(t, a.Capabilities().OutputAvailable)
	assert.True(t, quote.AmountIn.Equal(decimal.NewFromInt(500_300_000)))
	assert.True(t, quote.AmountReturned.Equal(decimal.NewFromInt(500_000_000)))
	assert.True(t, quote.EstimatedGas.Equal(decimal.NewFromInt(150000)))
	assert.Equal(t, "0x216b4b4ba9f3e719726886d34a177484278bfcae", *quote.TokenApprovalAddress)
}

func TestParaSwapBuildsTransactionForUser(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/prices":
			writeJSON(w, map[string]interface{}{"priceRoute": map[string]interface{}{
				"srcAmount": "1000000", "destAmount": "999000", "gasCost": "120000", "side": "SELL",
			}})
		case strings.HasPrefix(r.URL.Path, "/transactions/1"):
			var body map[string]interface{}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "1000000", body["srcAmount"])
			assert.EqualValues(t, 50, body["slippage"])
			writeJSON(w, map[string]string{"from": testUser, "to": "0xaugustus", "data": "0xfeed", "value": "0"})
		}
	}))
	defer srv.Close()

	a := NewParaSwapAdapter(testConfig(types.ProviderParaswap, srv.URL), quietLogger())
	params := exactIn(1_000_000)
	params.Extra.UserAddress = testUser
	quote, err := a.GetQuote(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, "0xfeed", a.(TxBuilder).GetTxData(quote))
}

// ========================================
// 0x
// ========================================

func TestZRXPriceWithoutTaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/swap/permit2/price", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("0x-api-key"))
		assert.Equal(t, "v2", r.Header.Get("0x-version"))
		assert.Equal(t, "50", r.URL.Query().Get("slippageBps"))
		writeJSON(w, map[string]interface{}{
			"buyAmount": "998000", "sellAmount": "1000000", "gas": "160000", "liquidityAvailable": true,
			"issues": map[string]interface{}{"allowance": map[string]string{"actual": "0", "spender": "0x000000000022d473030f116ddee9f6b43ac78ba3"}},
		})
	}))
	defer srv.Close()

	a := NewZRXAdapter(testConfig(types.Provider0x, srv.URL), quietLogger())
	quote, err := a.GetQuote(context.Background(), exactIn(1_000_000))
	require.NoError(t, err)
	assert.True(t, quote.AmountReturned.Equal(decimal.NewFromInt(998000)))
	assert.True(t, quote.EstimatedGas.Equal(decimal.NewFromInt(160000)))
	assert.Equal(t, "0x000000000022d473030f116ddee9f6b43ac78ba3", *quote.TokenApprovalAddress)
	assert.Equal(t, "", a.(TxBuilder).GetTxData(quote))
}

func TestZRXNoLiquidity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{"liquidityAvailable": false})
	}))
	defer srv.Close()

	a := NewZRXAdapter(testConfig(types.Provider0x, srv.URL), quietLogger())
	_, err := a.GetQuote(context.Background(), exactIn(1_000_000))
	require.Error(t, err)
}

func TestZRXRequiresAPIKey(t *testing.T) {
	cfg := testConfig(types.Provider0x, "http://unused")
	cfg.APIKey = ""
	a := NewZRXAdapter(cfg, quietLogger())
	_, err := a.GetQuote(context.Background(), exactIn(1_000_000))
	require.Error(t, err)
}

func TestZRXGaslessSwapPollsStatus(t *testing.T) {
	var statusCalls int32
	sig := "0x" + strings.Repeat("11", 32) + strings.Repeat("22", 32) + "1b"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/gasless/quote":
			assert.Equal(t, testUser, r.URL.Query().Get("taker"))
			writeJSON(w, map[string]interface{}{
				"buyAmount": "997000", "sellAmount": "1000000", "liquidityAvailable": true,
				"trade":    map[string]interface{}{"type": "settler_metatransaction", "hash": "0xaa", "eip712": map[string]string{}},
				"approval": map[string]interface{}{"type": "permit", "hash": "0xbb", "eip712": map[string]string{}},
			})
		case r.URL.Path == "/gasless/submit":
			var body map[string]interface{}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			trade := body["trade"].(map[string]interface{})
			signature := trade["signature"].(map[string]interface{})
			assert.EqualValues(t, 27, signature["v"])
			assert.EqualValues(t, 2, signature["signatureType"])
			writeJSON(w, map[string]string{"tradeHash": "0xtrade"})
		case strings.HasPrefix(r.URL.Path, "/gasless/status/0xtrade"):
			if atomic.AddInt32(&statusCalls, 1) == 1 {
				writeJSON(w, map[string]interface{}{"status": "pending"})
				return
			}
			writeJSON(w, map[string]interface{}{"status": "confirmed", "transactions": []map[string]string{{"hash": "0xmined"}}})
		}
	}))
	defer srv.Close()

	a := NewZRXGaslessAdapter(testConfig(types.Provider0xGasless, srv.URL), quietLogger()).(*ZRXGaslessAdapter)
	a.statusPoll = 10 * time.Millisecond

	params := exactIn(1_000_000)
	params.Extra.UserAddress = testUser
	quote, err := a.GetQuote(context.Background(), params)
	require.NoError(t, err)
	assert.True(t, quote.IsGaslessApproval)
	assert.True(t, quote.EstimatedGas.IsZero())
	assert.True(t, a.Capabilities().Gasless)

	payload, _ := json.Marshal(GaslessSignatures{Trade: sig})
	result, err := a.Swap(context.Background(), &types.ExecutionBundle{ChainID: 1, Quote: *quote, SignedPayload: string(payload)})
	require.NoError(t, err)
	receipt, ok := result.(types.GaslessReceiptResult)
	require.True(t, ok)
	assert.Equal(t, types.GaslessStatusConfirmed, receipt.Status)
	assert.Equal(t, []string{"0xmined"}, receipt.Transactions)
}

func TestZRXGaslessRejectsNativeSell(t *testing.T) {
	a := NewZRXGaslessAdapter(testConfig(types.Provider0xGasless, "http://unused"), quietLogger())
	params := exactIn(1)
	params.From = types.NativeTokenAddress
	params.Extra.UserAddress = testUser
	_, err := a.GetQuote(context.Background(), params)
	require.Error(t, err)
}

// ========================================
// CoW
// ========================================

func TestCowQuoteAndOrderLifecycle(t *testing.T) {
	var orderPolls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/mainnet/api/v1/quote":
			var body map[string]interface{}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "sell", body["kind"])
			assert.Equal(t, crypto.Keccak256Hash([]byte(cowAppData)).Hex(), body["appDataHash"])
			writeJSON(w, map[string]interface{}{
				"quote": map[string]interface{}{
					"sellToken": usdcMainnet, "buyToken": usdtMainnet, "sellAmount": "999000000",
					"buyAmount": "998000000", "feeAmount": "1000000", "kind": "sell", "validTo": 1900000000,
				},
				"id": 42, "verified": true,
			})
		case "/mainnet/api/v1/orders":
			var body map[string]interface{}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "1000000000", body["sellAmount"])
			assert.Equal(t, "993010000", body["buyAmount"]) // 998000000 * 0.995
			assert.Equal(t, "0xsig", body["signature"])
			writeJSON(w, "0xorderuid")
		case "/mainnet/api/v1/orders/0xorderuid":
			if atomic.AddInt32(&orderPolls, 1) == 1 {
				writeJSON(w, map[string]string{"status": "open"})
				return
			}
			writeJSON(w, map[string]string{"status": "fulfilled"})
		case "/mainnet/api/v1/trades":
			writeJSON(w, []map[string]string{{"txHash": "0xsettled"}})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	a := NewCowAdapter(testConfig(types.ProviderCowswap, srv.URL), quietLogger()).(*CowAdapter)
	a.orderPoll = 10 * time.Millisecond
	caps := a.Capabilities()
	assert.True(t, caps.EmbedsFeeInOutput)
	assert.True(t, caps.OutputAvailable)

	quote, err := a.GetQuote(context.Background(), exactIn(1_000_000_000))
	require.NoError(t, err)
	assert.True(t, quote.AmountIn.Equal(decimal.NewFromInt(1_000_000_000)))
	assert.True(t, quote.AmountReturned.Equal(decimal.NewFromInt(998_000_000)))
	require.NotNil(t, quote.FeeAmount)
	assert.True(t, quote.FeeAmount.Equal(decimal.NewFromInt(1_000_000)))
	assert.Equal(t, cowVaultRelayer, *quote.TokenApprovalAddress)

	result, err := a.Swap(context.Background(), &types.ExecutionBundle{
		ChainID: 1, UserAddress: testUser, Slippage: decimal.RequireFromString("0.5"),
		Quote: *quote, SignedPayload: "0xsig",
	})
	require.NoError(t, err)
	order, ok := result.(types.OffchainOrderResult)
	require.True(t, ok)
	assert.Equal(t, "0xorderuid", order.ID)

	status, err := order.Awaiter.WaitForOrder(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Fulfilled)
	assert.Equal(t, "0xsettled", status.TxHash)
}

func TestCowUnsupportedNetwork(t *testing.T) {
	cfg := testConfig(types.ProviderCowswap, "http://unused")
	cfg.SupportedChains = []uint{1, 10}
	a := NewCowAdapter(cfg, quietLogger())
	assert.True(t, a.IsSupported(1))
	assert.False(t, a.IsSupported(10))
}
