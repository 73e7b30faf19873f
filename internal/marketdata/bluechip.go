package marketdata

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"defi-aggregator/stable-router/internal/types"
)

// bluechipCoins Bluechip 已覆盖评级的币种
var bluechipCoins = []string{
	"RLUSD", "LUSD", "GUSD", "PAXG", "PYUSD", "USDP", "CETES", "USDC",
	"XSGD", "DAI", "RAI", "USDGLO", "FDUSD", "FRAX", "XAUT", "USDT",
	"GHO", "TUSD", "USDD", "BEAN", "sEUR", "sUSD",
}

var symbolPattern = regexp.MustCompile(`^[A-Za-z]+$`)

// RiskGrade Bluechip 风险评级
type RiskGrade struct {
	Symbol string `json:"symbol"`
	Name   string `json:"name,omitempty"`
	Grade  string `json:"grade"`
	URL    string `json:"url"`
}

type bluechipResponse struct {
	Name   string `json:"name"`
	Symbol string `json:"symbol"`
	Grade  string `json:"grade"`
	URL    string `json:"url"`
	Error  string `json:"error"`
}

// BluechipSupported 是否在 Bluechip 覆盖列表中（不区分大小写）
func BluechipSupported(symbol string) bool {
	for _, c := range bluechipCoins {
		if strings.EqualFold(c, symbol) {
			return true
		}
	}
	return false
}

// Grade 查询风险评级，不在覆盖列表或上游无评级时返回 nil, nil
func (s *Service) Grade(ctx context.Context, symbol string) (*RiskGrade, error) {
	if !symbolPattern.MatchString(symbol) {
		return nil, types.NewRouterError(types.ErrCodeInvalidRequest, fmt.Sprintf("无效的币种符号: %q", symbol))
	}
	if !BluechipSupported(symbol) {
		return nil, nil
	}
	upper := strings.ToUpper(symbol)

	grade, err := remember(ctx, s, cacheKey(SourceBluechip, upper), func(ctx context.Context) (*RiskGrade, error) {
		url := fmt.Sprintf("%s/coins/%s/grade", strings.TrimRight(s.cfg.BluechipURL, "/"), upper)
		var resp bluechipResponse
		if err := s.doJSON(ctx, http.MethodGet, url, nil, map[string]string{"Accept": "*/*"}, &resp); err != nil {
			return nil, err
		}
		if resp.Error != "" {
			return nil, fmt.Errorf("Bluechip返回错误(%s): %s: %w", upper, resp.Error, errNotFound)
		}
		if resp.Grade == "" || resp.Symbol == "" {
			return nil, fmt.Errorf("Bluechip响应缺少评级字段(%s)", upper)
		}
		if resp.URL == "" {
			resp.URL = "https://bluechip.org/coins/" + strings.ToLower(upper)
		}
		return &RiskGrade{Symbol: symbol, Name: resp.Name, Grade: resp.Grade, URL: resp.URL}, nil
	})
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("获取Bluechip评级失败(%s): %w", upper, err)
	}
	return grade, nil
}
