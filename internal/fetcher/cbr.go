package fetcher

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/text/encoding/htmlindex"
)

const cbrDailyPath = "/scripts/XML_daily.asp"

// ErrRateNotFound is returned when the feed lacks the requested currency.
var ErrRateNotFound = errors.New("currency rate not found in feed")

// CBROptions parameterise the central bank fetcher.
type CBROptions struct {
	BaseURL    string
	CurrencyID string
	Timeout    time.Duration
	UserAgent  string
}

// CBR reads daily rates from the Central Bank of Russia XML feed.
type CBR struct {
	opts    CBROptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewCBR constructs a central bank rate fetcher.
func NewCBR(opts CBROptions, logger zerolog.Logger) *CBR {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://www.cbr.ru"
	}
	if opts.CurrencyID == "" {
		opts.CurrencyID = "R01235"
	}

	return &CBR{
		opts:    opts,
		logger:  logger.With().Str("component", "cbr_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// FetchRate retrieves the rouble rate of the configured currency for date.
func (c *CBR) FetchRate(ctx context.Context, date time.Time) (decimal.Decimal, error) {
	query := url.Values{}
	query.Set("date_req", date.Format("02/01/2006"))
	endpoint := c.baseURL + cbrDailyPath + "?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Decimal{}, err
	}
	req.Header.Set("Accept", "application/xml")
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("request cbr rates: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return decimal.Decimal{}, fmt.Errorf("cbr api error (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	rate, err := parseDailyRates(resp.Body, c.opts.CurrencyID)
	if err != nil {
		return decimal.Decimal{}, err
	}

	c.logger.Debug().
		Str("date", date.Format("2006-01-02")).
		Str("currency_id", c.opts.CurrencyID).
		Str("rate", rate.String()).
		Msg("rate fetched")
	return rate, nil
}

type valCurs struct {
	XMLName xml.Name `xml:"ValCurs"`
	Date    string   `xml:"Date,attr"`
	Valutes []valute `xml:"Valute"`
}

type valute struct {
	ID       string `xml:"ID,attr"`
	CharCode string `xml:"CharCode"`
	Nominal  string `xml:"Nominal"`
	Value    string `xml:"Value"`
}

func parseDailyRates(r io.Reader, currencyID string) (decimal.Decimal, error) {
	decoder := xml.NewDecoder(r)
	decoder.CharsetReader = charsetReader

	var doc valCurs
	if err := decoder.Decode(&doc); err != nil {
		return decimal.Decimal{}, fmt.Errorf("decode cbr xml: %w", err)
	}

	for _, v := range doc.Valutes {
		if v.ID != currencyID {
			continue
		}
		value, err := parseCommaDecimal(v.Value)
		if err != nil {
			return decimal.Decimal{}, fmt.Errorf("parse %s value: %w", currencyID, err)
		}
		nominal := decimal.NewFromInt(1)
		if strings.TrimSpace(v.Nominal) != "" {
			nominal, err = parseCommaDecimal(v.Nominal)
			if err != nil {
				return decimal.Decimal{}, fmt.Errorf("parse %s nominal: %w", currencyID, err)
			}
		}
		if !nominal.IsPositive() || !value.IsPositive() {
			return decimal.Decimal{}, fmt.Errorf("non-positive %s rate %s/%s", currencyID, v.Value, v.Nominal)
		}
		return value.Div(nominal), nil
	}

	return decimal.Decimal{}, fmt.Errorf("%w: %s", ErrRateNotFound, currencyID)
}

func charsetReader(label string, input io.Reader) (io.Reader, error) {
	enc, err := htmlindex.Get(label)
	if err != nil {
		return nil, fmt.Errorf("unsupported charset %q: %w", label, err)
	}
	return enc.NewDecoder().Reader(input), nil
}

func parseCommaDecimal(s string) (decimal.Decimal, error) {
	return decimal.NewFromString(strings.ReplaceAll(strings.TrimSpace(s), ",", "."))
}

var _ RateProvider = (*CBR)(nil)
