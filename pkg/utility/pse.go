package utility

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/shopspring/decimal"

	"github.com/raterudder/optimshine/pkg/common"
	"github.com/raterudder/optimshine/pkg/log"
	"github.com/raterudder/optimshine/pkg/types"
)

// PSE publishes quarter-hour prices in Polish local time.
var plLocation = func() *time.Location {
	loc, err := time.LoadLocation("Europe/Warsaw")
	if err != nil {
		panic(fmt.Errorf("failed to load warsaw location: %w", err))
	}
	return loc
}()

const pseProvider = "pse_rce"

// PSE implements the Provider interface for the PSE (Polskie Sieci
// Elektroenergetyczne) RCE market price report.
type PSE struct {
	apiURL string
	client *http.Client
}

// configuredPSE sets up flags for PSE and returns the instance.
func configuredPSE() *PSE {
	p := &PSE{
		client: common.HTTPClient(30 * time.Second),
	}
	apiURL := lflag.String("pse-api-url", "https://api.raporty.pse.pl/api/rce-pln", "URL for the PSE RCE price API")

	lflag.Do(func() {
		p.apiURL = *apiURL
	})

	return p
}

type pseResponse struct {
	Value []pseEntry `json:"value"`
}

type pseEntry struct {
	// Udtczas is the local timestamp of the quarter hour.
	Udtczas string          `json:"udtczas"`
	RCEPLN  decimal.Decimal `json:"rce_pln"`
}

func parsePSETime(s string) (time.Time, error) {
	for _, layout := range []string{time.DateTime, "2006-01-02 15:04"} {
		if t, err := time.ParseInLocation(layout, s, plLocation); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid pse timestamp: %q", s)
}

// FetchPrices implements Provider.
func (p *PSE) FetchPrices(ctx context.Context, date string) (types.PriceCurve, error) {
	if _, err := time.Parse(time.DateOnly, date); err != nil {
		return types.PriceCurve{}, fmt.Errorf("invalid business date %q: %w", date, err)
	}
	log.Ctx(ctx).InfoContext(ctx, "getting pse rce prices", slog.String("date", date))

	u, err := url.Parse(p.apiURL)
	if err != nil {
		return types.PriceCurve{}, fmt.Errorf("invalid api url: %w", err)
	}
	u.RawQuery = "$filter=" + url.PathEscape(fmt.Sprintf("business_date eq '%s'", date))

	var res pseResponse
	if err := common.GetJSON(ctx, p.client, "pse", u.String(), &res); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "getting pse data failed", slog.Any("error", err))
		return types.PriceCurve{}, fmt.Errorf("getting pse data failed: %w", err)
	}
	if len(res.Value) == 0 {
		log.Ctx(ctx).ErrorContext(ctx, "no rce values available", slog.String("date", date))
		return types.PriceCurve{}, ErrNoPrices
	}

	curve := types.PriceCurve{
		Date:   date,
		Prices: make([]types.Price, 0, len(res.Value)),
	}
	for _, e := range res.Value {
		ts, err := parsePSETime(e.Udtczas)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "getting rce values failed", slog.Any("error", err))
			return types.PriceCurve{}, err
		}
		curve.Prices = append(curve.Prices, types.Price{
			Provider: pseProvider,
			TSStart:  ts,
			PerMWh:   e.RCEPLN,
		})
	}
	slices.SortStableFunc(curve.Prices, func(a, b types.Price) int {
		return a.TSStart.Compare(b.TSStart)
	})

	log.Ctx(ctx).InfoContext(
		ctx,
		"successfully obtained rce data",
		slog.String("date", date),
		slog.Int("count", len(curve.Prices)),
	)
	return curve, nil
}
