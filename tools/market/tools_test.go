package market

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nachoal/stock-agent-go/tools"
	"github.com/nachoal/stock-agent-go/tools/registry"
)

func newRegistry(t *testing.T, h http.HandlerFunc) *registry.Registry {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	r := registry.New()
	require.NoError(t, r.Add(Tools(NewClient(srv.URL, time.Second))...))
	return r
}

func TestQuoteToolHitsEndpoint(t *testing.T) {
	r := newRegistry(t, func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "/api/quote", req.URL.Path)
		assert.Equal(t, "600519", req.URL.Query().Get("code"))
		_, _ = io.WriteString(w, `{"code":"600519","price":1688.5}`)
	})

	out, err := r.Execute(context.Background(), ToolQuote, json.RawMessage(`{"code":"600519"}`))
	require.NoError(t, err)
	assert.Contains(t, out, `"price": 1688.5`)
}

func TestIndicatorsJoinSliceArguments(t *testing.T) {
	r := newRegistry(t, func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "macd,rsi", req.URL.Query().Get("indicators"))
		_, _ = io.WriteString(w, `{}`)
	})

	_, err := r.Execute(context.Background(), ToolIndicators, json.RawMessage(`{"code":"000001","indicators":["macd","rsi"]}`))
	require.NoError(t, err)
}

func TestNonOKStatusIsToolError(t *testing.T) {
	r := newRegistry(t, func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := r.Execute(context.Background(), ToolFundFlow, json.RawMessage(`{"code":"000001"}`))
	var te *tools.ToolError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, tools.CodeHTTPStatus, te.Code)
	assert.True(t, tools.IsRetryable(err))
}

func TestSignalsRejectsUnknownStrategy(t *testing.T) {
	r := newRegistry(t, func(w http.ResponseWriter, req *http.Request) {
		t.Error("request must not be sent")
	})

	_, err := r.Execute(context.Background(), ToolSignals, json.RawMessage(`{"code":"000001","strategy":"astrology"}`))
	var te *tools.ToolError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, tools.CodeValidationFailed, te.Code)
}

func TestLongBodiesAreTruncated(t *testing.T) {
	r := newRegistry(t, func(w http.ResponseWriter, req *http.Request) {
		_, _ = io.WriteString(w, strings.Repeat("x", maxResultBytes*2))
	})

	out, err := r.Execute(context.Background(), ToolNews, json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(out, "(truncated)"))
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	s := strings.Repeat("贵州茅台", 10) // 3 bytes per rune
	for n := 1; n < 12; n++ {
		out := truncate(s, n)
		assert.True(t, utf8.ValidString(out), "cut at %d", n)
		assert.LessOrEqual(t, len(strings.TrimSuffix(out, "\n...(truncated)")), n)
	}
	assert.Equal(t, "贵州\n...(truncated)", truncate(s, 7))
	assert.Equal(t, "short", truncate("short", 10))
}
