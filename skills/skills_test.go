package skills

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	doc := "---\nname: momentum\ndescription: |\n  Momentum check.\nkeywords: [Momentum, 动量]\nsteps:\n  - title: Indicators\n    tool: get_technical_indicators\n  - title: Conclude\n---\nUse RSI.\n"

	s, err := Parse([]byte(doc), "fallback")
	require.NoError(t, err)
	assert.Equal(t, "momentum", s.Name)
	assert.Equal(t, "Momentum check.", s.Description)
	assert.Equal(t, []string{"momentum", "动量"}, s.Keywords)
	require.Len(t, s.Steps, 2)
	assert.Equal(t, "get_technical_indicators", s.Steps[0].Tool)
	assert.Empty(t, s.Steps[1].Tool)
	assert.Equal(t, "Use RSI.", s.Body)
}

func TestParse_FallbackNameAndErrors(t *testing.T) {
	s, err := Parse([]byte("---\nkeywords: [a]\n---\nbody"), "from-file")
	require.NoError(t, err)
	assert.Equal(t, "from-file", s.Name)

	_, err = Parse([]byte("no frontmatter"), "x")
	assert.Error(t, err)
	_, err = Parse([]byte("---\nkeywords: [unclosed\n---\n"), "x")
	assert.Error(t, err)
}

func TestDefault(t *testing.T) {
	c := Default()
	names := map[string]bool{}
	for _, s := range c.Skills() {
		names[s.Name] = true
		assert.NotEmpty(t, s.Body, s.Name)
		assert.NotEmpty(t, s.Steps, s.Name)
	}
	for _, want := range []string{"technical-analysis", "capital-flow", "strategy-backtest", "stock-comparison", "news-digest"} {
		assert.True(t, names[want], want)
	}
}

func TestMatch(t *testing.T) {
	c := Default()

	cases := []struct {
		query string
		want  string
	}{
		{"Show the MACD and RSI trend for 600519", "technical-analysis"},
		{"分析一下贵州茅台的均线和支撑位", "technical-analysis"},
		{"回测一下MACD金叉策略的胜率", "strategy-backtest"},
		{"Is northbound money flowing into CATL?", "capital-flow"},
		{"Compare 600519 vs 000858", "stock-comparison"},
		{"最新公告有哪些", "news-digest"},
	}
	for _, tc := range cases {
		t.Run(tc.query, func(t *testing.T) {
			s, ok := c.Match(tc.query)
			require.True(t, ok)
			assert.Equal(t, tc.want, s.Name)
		})
	}

	_, ok := c.Match("hello there")
	assert.False(t, ok)
}

func TestMatch_TieGoesToFirst(t *testing.T) {
	c := NewCatalog(
		Skill{Name: "a", Keywords: []string{"price"}},
		Skill{Name: "b", Keywords: []string{"price"}},
	)
	s, ok := c.Match("price please")
	require.True(t, ok)
	assert.Equal(t, "a", s.Name)
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nested", "dividend.md"),
		[]byte("---\nkeywords: [dividend, 分红]\nsteps:\n  - title: Quote\n    tool: get_stock_quote\n---\nCheck the payout ratio.\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "news-digest.md"),
		[]byte("---\nname: news-digest\nkeywords: [headline]\n---\nOverride.\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.txt"), []byte("ignored"), 0644))

	c, err := LoadDir(dir)
	require.NoError(t, err)

	s, ok := c.Match("what is the dividend policy")
	require.True(t, ok)
	assert.Equal(t, "dividend", s.Name)
	assert.Equal(t, filepath.Join(dir, "nested", "dividend.md"), s.Path)

	news, ok := c.Get("news-digest")
	require.True(t, ok)
	assert.Equal(t, "Override.", news.Body)

	_, err = LoadDir(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}
