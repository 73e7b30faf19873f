package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"defi-aggregator/stable-router/internal/handlers"
	"defi-aggregator/stable-router/internal/marketdata"
	"defi-aggregator/stable-router/internal/services"
	"defi-aggregator/stable-router/internal/types"

	"github.com/fatih/color"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

// quoteFlags 路由请求参数
type quoteFlags struct {
	chain     string
	from      string
	to        string
	amount    string
	amountOut string
	user      string
	slippage  string
	disabled  []string
}

func (f *quoteFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.chain, "chain", "ethereum", "链名称")
	cmd.Flags().StringVar(&f.from, "from", "", "输入代币地址")
	cmd.Flags().StringVar(&f.to, "to", "USD", "目标代币地址或法币代码")
	cmd.Flags().StringVar(&f.amount, "amount", "", "精确输入数量（最小单位）")
	cmd.Flags().StringVar(&f.amountOut, "amount-out", "", "精确输出数量（最小单位）")
	cmd.Flags().StringVar(&f.user, "user", "", "用户地址，开启模拟")
	cmd.Flags().StringVar(&f.slippage, "slippage", "0.5", "滑点（百分比）")
	cmd.Flags().StringSliceVar(&f.disabled, "disable", nil, "禁用的聚合器")
	_ = cmd.MarkFlagRequired("from")
}

func (f *quoteFlags) request() (*types.RoutesRequest, error) {
	req := &types.RoutesRequest{
		Chain:            f.chain,
		From:             f.from,
		To:               f.to,
		DisabledAdapters: f.disabled,
		Extra:            types.QuoteExtra{UserAddress: f.user},
	}
	var err error
	if f.amount != "" {
		if req.Amount, err = decimal.NewFromString(f.amount); err != nil {
			return nil, fmt.Errorf("无效的数量 %q: %w", f.amount, err)
		}
	}
	if f.amountOut != "" {
		if req.Extra.AmountOut, err = decimal.NewFromString(f.amountOut); err != nil {
			return nil, fmt.Errorf("无效的输出数量 %q: %w", f.amountOut, err)
		}
	}
	if req.Extra.Slippage, err = decimal.NewFromString(f.slippage); err != nil {
		return nil, fmt.Errorf("无效的滑点 %q: %w", f.slippage, err)
	}
	if err := services.ValidateRoutesRequest(req); err != nil {
		return nil, err
	}
	return req, nil
}

// ========================================
// routes
// ========================================

func newRoutesCmd(opts *options) *cobra.Command {
	flags := &quoteFlags{}
	cmd := &cobra.Command{
		Use:   "routes",
		Short: "一次性查询并排序所有聚合器的路由",
		Example: "  routerctl routes --chain ethereum --from 0xa0b8...eb48 --to USD --amount 1000000000\n" +
			"  routerctl routes --chain base --from 0x8335...2913 --to EUR --amount-out 500000000",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := flags.request()
			if err != nil {
				return err
			}
			var resp handlers.RoutesResponse
			meta, err := newAPIClient(opts).do(cmd.Context(), http.MethodPost, "/api/v1/routes", req, &resp)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			rows := resp.Rows
			renderRoutes(out, rows, resp.IsFiat)
			if len(resp.Failed) > 0 {
				names := make([]string, 0, len(resp.Failed))
				for _, f := range resp.Failed {
					names = append(names, f.Name)
				}
				fmt.Fprintln(out, color.YellowString("报价失败: %s", strings.Join(names, ", ")))
			}
			if ms, ok := meta["processing_time"]; ok {
				fmt.Fprintf(out, "耗时 %vms\n", ms)
			}
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

// ========================================
// session
// ========================================

func newSessionCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "报价会话",
	}

	flags := &quoteFlags{}
	create := &cobra.Command{
		Use:   "create",
		Short: "创建会话并输出会话ID",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := flags.request()
			if err != nil {
				return err
			}
			var snap services.Snapshot
			if _, err := newAPIClient(opts).do(cmd.Context(), http.MethodPost, "/api/v1/sessions", req, &snap); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), snap.SessionID)
			return nil
		},
	}
	flags.register(create)

	watch := &cobra.Command{
		Use:   "watch <session-id>",
		Short: "跟踪会话事件流，Ctrl+C 退出",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return watchSession(ctx, newAPIClient(opts), args[0], cmd)
		},
	}

	var selectToken string
	selectCmd := &cobra.Command{
		Use:   "select <session-id> <adapter>",
		Short: "选择路由",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var snap services.Snapshot
			path := "/api/v1/sessions/" + url.PathEscape(args[0]) + "/select"
			body := map[string]string{"adapter_name": args[1]}
			if selectToken != "" {
				body["token_address"] = selectToken
			}
			if _, err := newAPIClient(opts).do(cmd.Context(), http.MethodPost, path, body, &snap); err != nil {
				return err
			}
			renderRoutes(cmd.OutOrStdout(), snap.Rows, snap.IsFiat)
			return nil
		},
	}
	selectCmd.Flags().StringVar(&selectToken, "token", "", "法币视图中选中的稳定币地址")

	closeCmd := &cobra.Command{
		Use:   "close <session-id>",
		Short: "关闭会话",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := newAPIClient(opts).do(cmd.Context(), http.MethodDelete, "/api/v1/sessions/"+url.PathEscape(args[0]), nil, nil)
			if err == nil {
				fmt.Fprintln(cmd.OutOrStdout(), color.GreenString("会话已关闭"))
			}
			return err
		},
	}

	cmd.AddCommand(create, watch, selectCmd, closeCmd)
	return cmd
}

// watchSession 打印会话事件直到会话关闭或 ctx 取消
func watchSession(ctx context.Context, client *apiClient, id string, cmd *cobra.Command) error {
	out := cmd.OutOrStdout()
	var decodeErr error
	err := client.stream(ctx, "/api/v1/sessions/"+url.PathEscape(id)+"/stream", func(ev sseEvent) bool {
		switch ev.Name {
		case "ping":
			return true
		case "closed":
			fmt.Fprintln(out, color.YellowString("会话已关闭: %s", id))
			return false
		}
		var event services.SessionEvent
		if err := json.Unmarshal(ev.Data, &event); err != nil {
			decodeErr = fmt.Errorf("解析事件 %s 失败: %w", ev.Name, err)
			return false
		}
		renderEvent(out, event)
		return true
	})
	if err != nil && ctx.Err() == nil {
		return err
	}
	return decodeErr
}

// ========================================
// market
// ========================================

func newMarketCmd(opts *options) *cobra.Command {
	var (
		chart    bool
		interval string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "market <SYMBOL>...",
		Short: "稳定币市场数据：波动率、交易量、稳定性评分与风险评级",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(opts)
			out := cmd.OutOrStdout()

			if chart {
				symbol := strings.ToUpper(args[0])
				var data marketdata.PriceChart
				path := fmt.Sprintf("/api/v1/market/%s/chart?interval=%s&limit=%d",
					url.PathEscape(symbol), url.QueryEscape(interval), limit)
				if _, err := client.do(cmd.Context(), http.MethodGet, path, nil, &data); err != nil {
					return err
				}
				renderChart(out, symbol, data)
				return nil
			}

			symbols := make([]string, 0, len(args))
			for _, s := range args {
				symbols = append(symbols, strings.ToUpper(s))
			}
			var rows []marketdata.MarketRow
			path := "/api/v1/market?symbols=" + url.QueryEscape(strings.Join(symbols, ","))
			if _, err := client.do(cmd.Context(), http.MethodGet, path, nil, &rows); err != nil {
				return err
			}
			renderMarket(out, rows)
			return nil
		},
	}
	cmd.Flags().BoolVar(&chart, "chart", false, "显示第一个代币的K线行情")
	cmd.Flags().StringVar(&interval, "interval", "1h", "K线周期")
	cmd.Flags().IntVar(&limit, "limit", 24, "K线数量")
	return cmd
}

// ========================================
// providers
// ========================================

func newProvidersCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "聚合器健康状态",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(opts)
			out := cmd.OutOrStdout()

			var status map[string]types.ProviderHealth
			meta, err := client.do(cmd.Context(), http.MethodGet, "/api/v1/providers/status", nil, &status)
			if err != nil {
				return err
			}
			renderProviders(out, status)
			fmt.Fprintf(out, "健康: %v / %v\n", meta["healthy"], meta["total"])

			var health types.HealthCheckResponse
			if code, err := client.getRaw(cmd.Context(), "/health", &health); err == nil {
				fmt.Fprintf(out, "服务: %s (HTTP %d) 版本 %s 运行 %s 缓存 %s/%s 会话 %d\n",
					colorStatus(health.Status), code, health.Version, health.Uptime,
					health.Cache.Backend, colorStatus(health.Cache.Status), health.Sessions)
			}
			return nil
		},
	}
}
