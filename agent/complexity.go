package agent

import (
	"regexp"
	"strings"
)

type complexityRule struct {
	pattern    *regexp.Regexp
	complexity Complexity
}

// complexityRules is evaluated in order; the first match wins.
var complexityRules = []complexityRule{
	{regexp.MustCompile(`(?i)回测|backtest|历史信号|胜率|win rate`), ComplexityComplex},
	{regexp.MustCompile(`(?i)对比|比较|compare|comparison|versus|\bvs\.?\b|哪个更好`), ComplexityComplex},
	{regexp.MustCompile(`(?i)全面|深度|深入|详细分析|综合分析|comprehensive|in[- ]depth|deep dive|thorough`), ComplexityComplex},
	{regexp.MustCompile(`(?i)策略|仓位|组合|portfolio|strategy|allocation|多只|several stocks`), ComplexityComplex},
	{regexp.MustCompile(`(?i)现价|股价|价格|多少钱|涨跌|quote|price|how much`), ComplexitySimple},
	{regexp.MustCompile(`(?i)新闻|消息|news|headline`), ComplexitySimple},
}

// ClassifyComplexity maps user text to a complexity class. Text matching
// no rule is simple.
func ClassifyComplexity(text string) Complexity {
	text = strings.TrimSpace(text)
	for _, rule := range complexityRules {
		if rule.pattern.MatchString(text) {
			return rule.complexity
		}
	}
	return ComplexitySimple
}
