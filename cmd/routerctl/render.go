package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"defi-aggregator/stable-router/internal/marketdata"
	"defi-aggregator/stable-router/internal/services"
	"defi-aggregator/stable-router/internal/types"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"
)

// impactAlert 价格冲击高亮阈值（百分比）
var impactAlert = decimal.NewFromInt(3)

func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_RIGHT)
	return table
}

// renderRoutes 路由排序表，选中行标 ★，参考路由标 ref
func renderRoutes(w io.Writer, rows []services.RouteRow, isFiat bool) {
	if len(rows) == 0 {
		fmt.Fprintln(w, color.YellowString("没有可用路由"))
		return
	}

	header := []string{"#", "聚合器", "输出", "Gas(USD)", "净输出", "损耗", "价格冲击", ""}
	if isFiat {
		header = append(header[:2], append([]string{"稳定币"}, header[2:]...)...)
	}
	table := newTable(w, header)

	for _, row := range rows {
		mark := ""
		switch {
		case row.IsSelected:
			mark = "★"
		case row.IsReference:
			mark = "ref"
		}

		gas := row.GasUSD.String()
		if row.GasUSD.IsUnknown() {
			gas = color.YellowString(gas)
		} else {
			gas = "$" + row.GasUSD.Value.StringFixed(4)
		}

		impact := formatPercent(row.PriceImpact)
		if row.PriceImpact.Known && row.PriceImpact.Value.Abs().GreaterThanOrEqual(impactAlert) {
			impact = color.RedString(impact)
		}

		name := row.Name
		if row.Rank == 1 {
			name = color.GreenString(name)
		}

		line := []string{
			strconv.Itoa(row.Rank),
			name,
			row.Amount.StringFixed(6),
			gas,
			netOut(row.RankedRoute),
			formatPercent(row.LossPercent),
			impact,
			mark,
		}
		if isFiat {
			symbol := row.ActualToToken.Symbol
			if symbol == "" {
				symbol = shortAddress(row.ActualToToken.Address)
			}
			line = append(line[:2], append([]string{symbol}, line[2:]...)...)
		}
		table.Append(line)
	}
	table.Render()
}

func netOut(r types.RankedRoute) string {
	if r.NetOutUnit == types.NetOutUnitUSD {
		return "$" + r.NetOut.StringFixed(4)
	}
	return r.NetOut.StringFixed(6) + " " + r.ActualToToken.Symbol
}

func formatPercent(e types.Estimate) string {
	if e.IsUnknown() {
		return types.UnknownLiteral
	}
	return e.Value.StringFixed(2) + "%"
}

// renderMarket 市场数据表
func renderMarket(w io.Writer, rows []marketdata.MarketRow) {
	table := newTable(w, []string{"代币", "30日最大偏离", "交易量", "稳定性评分", "风险评级"})
	for _, row := range rows {
		grade := row.Grade
		switch {
		case strings.HasPrefix(grade, "A"):
			grade = color.GreenString(grade)
		case strings.HasPrefix(grade, "D"), strings.HasPrefix(grade, "F"):
			grade = color.RedString(grade)
		}
		table.Append([]string{row.Symbol, row.Volatility, row.Volume, row.Score, grade})
	}
	table.Render()
}

// renderProviders 聚合器健康状态表，按名称排序
func renderProviders(w io.Writer, status map[string]types.ProviderHealth) {
	names := make([]string, 0, len(status))
	for name := range status {
		names = append(names, name)
	}
	sort.Strings(names)

	table := newTable(w, []string{"聚合器", "状态", "响应时间", "错误"})
	for _, name := range names {
		h := status[name]
		table.Append([]string{name, colorStatus(h.Status), h.ResponseTime.Round(time.Millisecond).String(), h.ErrorMessage})
	}
	table.Render()
}

func colorStatus(status string) string {
	switch status {
	case types.StatusHealthy:
		return color.GreenString(status)
	case types.StatusDegraded:
		return color.YellowString(status)
	default:
		return color.RedString(status)
	}
}

// renderEvent 打印一条会话事件
func renderEvent(w io.Writer, ev services.SessionEvent) {
	ts := ev.Timestamp.Local().Format("15:04:05")
	switch ev.Type {
	case services.EventRoutes:
		if ev.Snapshot == nil {
			return
		}
		snap := ev.Snapshot
		state := color.GreenString("完成")
		if snap.IsLoading {
			state = color.YellowString("加载中 %v", snap.LoadingRoutes)
		}
		fmt.Fprintf(w, "%s %s %s\n", color.CyanString("[%s]", ts), color.New(color.Bold).Sprint("路由更新"), state)
		renderRoutes(w, snap.Rows, snap.IsFiat)
		if len(snap.HiddenAdapters) > 0 {
			fmt.Fprintf(w, "  隐藏: %s\n", strings.Join(snap.HiddenAdapters, ", "))
		}
	case services.EventSelection:
		if ev.Selection == nil {
			return
		}
		selected := ev.Selection.State.SelectedAdapter
		if selected == "" {
			selected = "-"
		}
		msg := fmt.Sprintf("选择变化: %s -> %s", ev.Selection.Event, selected)
		if ev.Selection.Event == services.SelectionDrifted || ev.Selection.Event == services.SelectionVanished {
			msg = color.YellowString(msg)
		}
		fmt.Fprintf(w, "%s %s\n", color.CyanString("[%s]", ts), msg)
	case services.EventExecution:
		if ev.Execution == nil {
			return
		}
		out := ev.Execution
		status := out.Status
		if status == types.ExecutionStatusFailed {
			status = color.RedString(status)
		} else {
			status = color.GreenString(status)
		}
		fmt.Fprintf(w, "%s 执行 %s: %s %s %s\n", color.CyanString("[%s]", ts), out.AdapterName, out.Kind, status,
			strings.Join(out.TxHashes, ","))
	}
}

func shortAddress(addr string) string {
	if len(addr) <= 10 {
		return addr
	}
	return addr[:6] + "…" + addr[len(addr)-4:]
}

// renderChart 24小时行情与K线收盘价
func renderChart(w io.Writer, symbol string, chart marketdata.PriceChart) {
	if chart.Ticker != nil {
		change := chart.Ticker.PriceChange24h.StringFixed(4) + "%"
		if chart.Ticker.PriceChange24h.IsNegative() {
			change = color.RedString(change)
		} else {
			change = color.GreenString(change)
		}
		fmt.Fprintf(w, "%s (%s) 价格 %s  24h %s  成交量 %s\n", symbol, chart.Market,
			chart.Ticker.Price.StringFixed(6), change, chart.Ticker.Volume24h.StringFixed(0))
	}
	table := newTable(w, []string{"时间", "收盘价", "成交量"})
	for _, p := range chart.Points {
		table.Append([]string{
			time.UnixMilli(p.Timestamp).Local().Format("01-02 15:04"),
			p.Price.StringFixed(6),
			p.Volume.StringFixed(0),
		})
	}
	table.Render()
}
