package market

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/nachoal/stock-agent-go/llm"
	"github.com/nachoal/stock-agent-go/tools"
	"github.com/nachoal/stock-agent-go/tools/base"
)

// IndicatorParams selects technical indicators for one security.
type IndicatorParams struct {
	Code       string   `json:"code" schema:"required,pattern:^[A-Za-z0-9.]+$" description:"Stock code"`
	Indicators []string `json:"indicators,omitempty" description:"Subset of ma, macd, rsi, kdj, boll; all when empty"`
	Period     string   `json:"period,omitempty" schema:"enum:day|week|month,default:day" description:"Bar period"`
}

// NewsParams filters market news.
type NewsParams struct {
	Code  string `json:"code,omitempty" description:"Stock code; market-wide news when empty"`
	Limit int    `json:"limit,omitempty" schema:"min:1,max:20,default:5" description:"Maximum number of headlines"`
}

// SearchParams looks a security up by name or code fragment.
type SearchParams struct {
	Keyword string `json:"keyword" schema:"required" description:"Company name, pinyin or code fragment"`
}

// SignalParams asks for historical strategy signals.
type SignalParams struct {
	Code     string `json:"code" schema:"required,pattern:^[A-Za-z0-9.]+$" description:"Stock code"`
	Strategy string `json:"strategy" schema:"required,enum:ma_cross|macd|rsi|breakout" description:"Signal strategy"`
	Days     int    `json:"days,omitempty" schema:"min:20,max:1000,default:250" description:"Lookback window in trading days"`
}

// endpointTool maps one tool onto one GET endpoint. Arguments become query
// parameters; slices are comma joined.
type endpointTool struct {
	base.BaseTool
	client    *Client
	path      string
	newParams func() interface{}
}

func (t *endpointTool) Parameters() interface{} {
	return t.newParams()
}

func (t *endpointTool) Execute(ctx context.Context, params json.RawMessage) (string, error) {
	args, _ := llm.NormalizeToolArguments(params)
	return t.client.Get(ctx, t.path, toQuery(args))
}

func toQuery(args map[string]interface{}) url.Values {
	q := url.Values{}
	for k, v := range args {
		switch val := v.(type) {
		case nil:
		case []interface{}:
			parts := make([]string, 0, len(val))
			for _, p := range val {
				parts = append(parts, fmt.Sprint(p))
			}
			if len(parts) > 0 {
				q.Set(k, strings.Join(parts, ","))
			}
		case float64:
			q.Set(k, fmt.Sprintf("%g", val))
		default:
			q.Set(k, fmt.Sprint(val))
		}
	}
	return q
}

// Tool names.
const (
	ToolQuote      = "get_stock_quote"
	ToolKline      = "get_kline"
	ToolIndicators = "get_technical_indicators"
	ToolFundFlow   = "get_fund_flow"
	ToolNews       = "get_market_news"
	ToolSearch     = "search_stock"
	ToolSignals    = "get_historical_signals"
)

// Tools returns every market tool bound to c.
func Tools(c *Client) []tools.Tool {
	mk := func(name, desc string, cat base.Category, path string, params func() interface{}) tools.Tool {
		return &endpointTool{
			BaseTool:  base.BaseTool{ToolName: name, ToolDesc: desc, ToolCategory: cat},
			client:    c,
			path:      path,
			newParams: params,
		}
	}

	return []tools.Tool{
		mk(ToolQuote, "Get the real-time quote of a stock: price, change, volume, turnover, valuation.",
			base.CategoryMarket, "/api/quote", func() interface{} { return &base.CodeParams{} }),
		mk(ToolKline, "Get recent OHLCV bars (K-line) of a stock.",
			base.CategoryMarket, "/api/kline", func() interface{} { return &base.SeriesParams{} }),
		mk(ToolIndicators, "Compute technical indicators (MA, MACD, RSI, KDJ, BOLL) for a stock.",
			base.CategoryTechnical, "/api/indicators", func() interface{} { return &IndicatorParams{} }),
		mk(ToolFundFlow, "Get main-force and retail capital flow of a stock for recent sessions.",
			base.CategoryMarket, "/api/fundflow", func() interface{} { return &base.CodeParams{} }),
		mk(ToolNews, "Get recent news headlines for a stock or the whole market.",
			base.CategoryNews, "/api/news", func() interface{} { return &NewsParams{} }),
		mk(ToolSearch, "Find stock codes by company name or keyword.",
			base.CategoryMarket, "/api/search", func() interface{} { return &SearchParams{} }),
		mk(ToolSignals, "List historical buy/sell signals of a strategy on a stock with forward returns, for backtesting.",
			base.CategoryBacktest, "/api/signals", func() interface{} { return &SignalParams{} }),
	}
}
