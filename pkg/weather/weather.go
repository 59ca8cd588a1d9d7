package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/raterudder/optimshine/pkg/common"
	"github.com/raterudder/optimshine/pkg/log"
	"github.com/raterudder/optimshine/pkg/types"
)

// ErrInvalidWindow is returned when the forecast can't be aligned with the
// daylight hours of the requested date.
var ErrInvalidWindow = errors.New("invalid weather window")

// polarSamples is how many samples are kept when there is no sunrise or
// sunset to slice by.
const polarSamples = 24

// Provider fetches the daylight low cloud forecast for a location.
type Provider interface {
	FetchWindow(ctx context.Context, lat, lon float64, date string) (types.WeatherWindow, error)
}

// Client combines the sunrise-sunset.org API with the ICM meteorogram
// forecast.
type Client struct {
	sunriseURL  string
	forecastURL string
	client      *http.Client
}

// Configured sets up flags for the weather client and returns the instance.
func Configured() *Client {
	c := &Client{
		client: common.HTTPClient(30 * time.Second),
	}
	sunriseURL := lflag.String("sunrise-api-url", "https://api.sunrise-sunset.org/json", "URL for the sunrise-sunset API")
	forecastURL := lflag.String("forecast-api-url", "https://devmgramapi.meteo.pl/meteorograms/um4_60", "URL for the meteorogram forecast API")

	lflag.Do(func() {
		c.sunriseURL = *sunriseURL
		c.forecastURL = *forecastURL
	})

	return c
}

type sunriseResponse struct {
	Results struct {
		Sunrise string `json:"sunrise"`
		Sunset  string `json:"sunset"`
	} `json:"results"`
	Status string `json:"status"`
}

type forecastRequest struct {
	Date  int64         `json:"date"`
	Point forecastPoint `json:"point"`
}

type forecastPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type forecastResponse struct {
	LowClouds *struct {
		FirstTimestamp json.Number `json:"first_timestamp"`
		Interval       int64       `json:"interval"`
		Data           []float64   `json:"data"`
	} `json:"cldlow_aver"`
}

// hourTimestamp parses a sunrise-sunset.org 12 hour UTC clock time on the
// given date and truncates it to the hour.
func hourTimestamp(date, clock string) (time.Time, error) {
	t, err := time.ParseInLocation("2006-01-02 3:04:05 PM", date+" "+clock, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: %w", clock, err)
	}
	return t.Truncate(time.Hour), nil
}

func (c *Client) sunriseSunset(ctx context.Context, lat, lon float64, date string) (time.Time, time.Time, error) {
	u, err := url.Parse(c.sunriseURL)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid sunrise url: %w", err)
	}
	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	q.Set("lng", strconv.FormatFloat(lon, 'f', -1, 64))
	q.Set("date", date)
	u.RawQuery = q.Encode()

	log.Ctx(ctx).DebugContext(ctx, "sending sunrise/sunset request", slog.String("url", u.String()))
	var res sunriseResponse
	if err := common.GetJSON(ctx, c.client, "sunrise", u.String(), &res); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "getting sunrise/sunset data failed", slog.Any("error", err))
		return time.Time{}, time.Time{}, err
	}
	if res.Results.Sunrise == "" || res.Results.Sunset == "" {
		log.Ctx(ctx).ErrorContext(ctx, "getting sunrise or sunset time failed", slog.String("status", res.Status))
		return time.Time{}, time.Time{}, fmt.Errorf("sunrise/sunset missing (status %q)", res.Status)
	}

	sunrise, err := hourTimestamp(date, res.Results.Sunrise)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	sunset, err := hourTimestamp(date, res.Results.Sunset)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	log.Ctx(ctx).InfoContext(ctx, "sunrise/sunset time obtained successfully", slog.Time("sunrise", sunrise), slog.Time("sunset", sunset))
	return sunrise, sunset, nil
}

// FetchWindow implements Provider.
func (c *Client) FetchWindow(ctx context.Context, lat, lon float64, date string) (types.WeatherWindow, error) {
	day, err := time.ParseInLocation(time.DateOnly, date, time.UTC)
	if err != nil {
		return types.WeatherWindow{}, fmt.Errorf("invalid date %q: %w", date, err)
	}

	sunrise, sunset, err := c.sunriseSunset(ctx, lat, lon, date)
	if err != nil {
		return types.WeatherWindow{}, err
	}

	req := forecastRequest{
		Date:  day.Unix(),
		Point: forecastPoint{Lat: lat, Lon: lon},
	}
	log.Ctx(ctx).DebugContext(ctx, "sending weather request", slog.String("url", c.forecastURL))
	var res forecastResponse
	if err := common.PostJSON(ctx, c.client, "forecast", c.forecastURL, req, "", &res); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "getting weather forecast failed", slog.Any("error", err))
		return types.WeatherWindow{}, err
	}
	if res.LowClouds == nil {
		log.Ctx(ctx).ErrorContext(ctx, "weather forecast has no low cloud data")
		return types.WeatherWindow{}, fmt.Errorf("%w: missing cldlow_aver", ErrInvalidWindow)
	}
	first, err := res.LowClouds.FirstTimestamp.Int64()
	if err != nil {
		return types.WeatherWindow{}, fmt.Errorf("%w: first_timestamp: %w", ErrInvalidWindow, err)
	}

	w, err := Slice(
		date,
		sunrise,
		sunset,
		time.Unix(first, 0).UTC(),
		time.Duration(res.LowClouds.Interval)*time.Second,
		res.LowClouds.Data,
	)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "weather window is invalid", slog.Any("error", err))
		return types.WeatherWindow{}, err
	}
	log.Ctx(ctx).InfoContext(ctx, "weather data obtained successfully", slog.Int("samples", len(w.LowClouds)))
	return w, nil
}

// Slice cuts the raw forecast down to daylight hours, from the sunrise hour
// up to and including the first full hour after sunset. When sunset falls
// before sunrise the day wraps past midnight and sunset is moved to the next
// day. A polar day or night keeps the first 24 samples.
func Slice(date string, sunrise, sunset, first time.Time, interval time.Duration, data []float64) (types.WeatherWindow, error) {
	if interval < time.Second {
		return types.WeatherWindow{}, fmt.Errorf("%w: interval %s", ErrInvalidWindow, interval)
	}
	if len(data) == 0 {
		return types.WeatherWindow{}, fmt.Errorf("%w: no cloud data available", ErrInvalidWindow)
	}
	for _, ts := range []time.Time{sunrise, sunset, first} {
		if ts.Unix()%int64(interval/time.Second) != 0 {
			return types.WeatherWindow{}, fmt.Errorf("%w: %s not aligned to %s", ErrInvalidWindow, ts.UTC(), interval)
		}
	}

	w := types.WeatherWindow{
		Date:            date,
		SunriseTime:     sunrise,
		SunsetTime:      sunset,
		FirstSampleTime: first,
		Interval:        interval,
	}

	if sunrise.Equal(sunset) {
		n := min(polarSamples, len(data))
		w.LowClouds = append([]float64(nil), data[:n]...)
		return w, nil
	}

	if sunrise.Before(first) {
		return types.WeatherWindow{}, fmt.Errorf("%w: wrong sunrise time %s before first sample %s", ErrInvalidWindow, sunrise, first)
	}

	end := sunset
	if sunrise.After(sunset) {
		end = end.Add(24 * time.Hour)
	}
	end = end.Add(time.Hour)
	if end.Sub(first)%interval != 0 {
		return types.WeatherWindow{}, fmt.Errorf("%w: window end %s not aligned to %s", ErrInvalidWindow, end, interval)
	}

	start := int(sunrise.Sub(first) / interval)
	stop := min(int(end.Sub(first)/interval), len(data))
	if start >= stop {
		return types.WeatherWindow{}, fmt.Errorf("%w: forecast ends before sunrise", ErrInvalidWindow)
	}

	w.FirstSampleTime = sunrise
	w.LowClouds = append([]float64(nil), data[start:stop]...)
	return w, nil
}
