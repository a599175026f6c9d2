package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/charmap"
)

const dailyXML = `<?xml version="1.0" encoding="windows-1251"?>
<ValCurs Date="19.10.2026" name="Foreign Currency Market">
<Valute ID="R01010"><NumCode>036</NumCode><CharCode>AUD</CharCode><Nominal>1</Nominal><Name>Австралийский доллар</Name><Value>52,1234</Value></Valute>
<Valute ID="R01235"><NumCode>840</NumCode><CharCode>USD</CharCode><Nominal>1</Nominal><Name>Доллар США</Name><Value>81,5032</Value></Valute>
<Valute ID="R01375"><NumCode>156</NumCode><CharCode>CNY</CharCode><Nominal>10</Nominal><Name>Китайский юань</Name><Value>113,4500</Value></Valute>
</ValCurs>`

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func encode1251(t *testing.T, s string) []byte {
	t.Helper()
	out, err := charmap.Windows1251.NewEncoder().String(s)
	require.NoError(t, err)
	return []byte(out)
}

func TestCBRFetchRate(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/scripts/XML_daily.asp", r.URL.Path)
		gotQuery = r.URL.Query().Get("date_req")
		w.Header().Set("Content-Type", "application/xml; charset=windows-1251")
		_, _ = w.Write(encode1251(t, dailyXML))
	}))
	defer srv.Close()

	cbr := NewCBR(CBROptions{BaseURL: srv.URL, CurrencyID: "R01235", Timeout: time.Second}, noopLogger())
	rate, err := cbr.FetchRate(context.Background(), time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	assert.Equal(t, "19/10/2026", gotQuery)
	assert.True(t, rate.Equal(decimal.RequireFromString("81.5032")), "rate %s", rate)
}

func TestCBRFetchRateDividesByNominal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(encode1251(t, dailyXML))
	}))
	defer srv.Close()

	cbr := NewCBR(CBROptions{BaseURL: srv.URL, CurrencyID: "R01375"}, noopLogger())
	rate, err := cbr.FetchRate(context.Background(), time.Now())
	require.NoError(t, err)
	assert.True(t, rate.Equal(decimal.RequireFromString("11.345")), "rate %s", rate)
}

func TestCBRFetchRateMissingCurrency(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(encode1251(t, dailyXML))
	}))
	defer srv.Close()

	cbr := NewCBR(CBROptions{BaseURL: srv.URL, CurrencyID: "R99999"}, noopLogger())
	_, err := cbr.FetchRate(context.Background(), time.Now())
	require.ErrorIs(t, err, ErrRateNotFound)
}

func TestCBRFetchRateHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cbr := NewCBR(CBROptions{BaseURL: srv.URL}, noopLogger())
	_, err := cbr.FetchRate(context.Background(), time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestCBRFetchRateMalformedXML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<ValCurs><Valute ID="))
	}))
	defer srv.Close()

	cbr := NewCBR(CBROptions{BaseURL: srv.URL}, noopLogger())
	_, err := cbr.FetchRate(context.Background(), time.Now())
	require.Error(t, err)
}

func TestCBRFetchRateBadValue(t *testing.T) {
	body := strings.Replace(dailyXML, "81,5032", "n/a", 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(encode1251(t, body))
	}))
	defer srv.Close()

	cbr := NewCBR(CBROptions{BaseURL: srv.URL}, noopLogger())
	_, err := cbr.FetchRate(context.Background(), time.Now())
	require.Error(t, err)
}

func TestCBRFetchRateHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	cbr := NewCBR(CBROptions{BaseURL: srv.URL, Timeout: 5 * time.Second}, noopLogger())
	_, err := cbr.FetchRate(ctx, time.Now())
	require.Error(t, err)
}
