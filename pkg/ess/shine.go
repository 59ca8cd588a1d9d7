package ess

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/levenlabs/go-lflag"

	"github.com/raterudder/optimshine/pkg/common"
	"github.com/raterudder/optimshine/pkg/log"
	"github.com/raterudder/optimshine/pkg/types"
)

const (
	shineLoginPath         = "/userlogin"
	shinePlantListPath     = "/plant/list_plant"
	shineDeviceListPath    = "/device/list_device_all_type"
	shineDeviceValuesPath  = "/device/get_device_snapshot"
	shineSettingValuesPath = "/deviceCommand/get_command_setting_original_value"
	shineSettingCmdPath    = "/deviceCommand/create_setting_command"
	shineCommandStatusPath = "/deviceCommand/get_device_command_status"

	// shineMaxTokenTTL caps the session lifetime regardless of what the
	// token claims.
	shineMaxTokenTTL = 24 * time.Hour

	shineTokenPrefix = "Bearer_"
)

var shineSettingFields = map[types.SettingName]string{
	types.SettingBatteryChargeCurrent:    "bmchc",
	types.SettingBatteryDischargeCurrent: "bmdcu",
}

var shineDeviceValueFields = map[types.DeviceValueName]string{
	types.DeviceValueBatterySOC: "emsSoc",
}

var errCommandPending = errors.New("command pending")

// Shine implements the System interface for the FelicitySolar Shine cloud.
type Shine struct {
	client       *http.Client
	baseURL      string
	username     string
	password     string
	timeZone     string
	pollInterval time.Duration
	pollTimeout  time.Duration
	now          func() time.Time

	mu      sync.Mutex
	session *types.Session
}

func newShine() *Shine {
	return &Shine{
		client:       common.HTTPClient(time.Minute),
		baseURL:      "https://shine-api.felicitysolar.com",
		timeZone:     "Europe/Warsaw",
		pollInterval: 2 * time.Second,
		pollTimeout:  10 * time.Second,
		now:          time.Now,
	}
}

// configuredShine sets up flags for Shine and returns the instance.
// Credentials default to the SHINE_USER and SHINE_PASSWORD environment
// variables.
func configuredShine() *Shine {
	s := newShine()
	baseURL := lflag.String("shine-api-url", s.baseURL, "URL for the FelicitySolar Shine API")
	username := lflag.String("shine-user", os.Getenv("SHINE_USER"), "Shine account user name")
	password := lflag.String("shine-password", os.Getenv("SHINE_PASSWORD"), "Shine account password")
	timeZone := lflag.String("shine-timezone", s.timeZone, "Time zone sent with setting commands")
	pollInterval := lflag.Duration("shine-command-poll-interval", s.pollInterval, "How often to poll a setting command's status")
	pollTimeout := lflag.Duration("shine-command-timeout", s.pollTimeout, "How long to wait for a setting command to be acknowledged")

	lflag.Do(func() {
		s.baseURL = *baseURL
		s.username = *username
		s.password = *password
		s.timeZone = *timeZone
		s.pollInterval = *pollInterval
		s.pollTimeout = *pollTimeout
	})

	return s
}

type shineResponse struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Session implements System.
func (s *Shine) Session() *types.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil
	}
	sess := *s.session
	return &sess
}

func (s *Shine) endpoint(path string) (string, error) {
	u, err := url.Parse(s.baseURL)
	if err != nil {
		return "", err
	}
	u.Path, err = url.JoinPath(u.Path, path)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

// post sends a JSON request and decodes the response's data field into dest.
func (s *Shine) post(ctx context.Context, path string, body any, dest any) error {
	var token string
	if path != shineLoginPath {
		sess := s.Session()
		if sess == nil {
			log.Ctx(ctx).ErrorContext(ctx, "session is not authorized", slog.String("path", path))
			return ErrUnauthorized
		}
		token = sess.Token
	}

	u, err := s.endpoint(path)
	if err != nil {
		return fmt.Errorf("invalid shine url: %w", err)
	}

	log.Ctx(ctx).DebugContext(ctx, "sending shine request", slog.String("url", u))
	var res shineResponse
	if err := common.PostJSON(ctx, s.client, "shine", u, body, token, &res); err != nil {
		return err
	}
	if dest == nil {
		return nil
	}
	if len(res.Data) == 0 || string(res.Data) == "null" {
		return fmt.Errorf("shine %s returned no data (code %d: %s)", path, res.Code, res.Message)
	}
	if err := json.Unmarshal(res.Data, dest); err != nil {
		return fmt.Errorf("shine %s returned unexpected data %s: %w", path, string(res.Data), err)
	}
	return nil
}

type shineLoginResult struct {
	Token string `json:"token"`
}

// tokenExpiry reads the exp claim of the vendor's bearer token. The token is
// only inspected, its signature can't be verified by us.
func tokenExpiry(token string) (time.Time, error) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(strings.TrimPrefix(token, shineTokenPrefix), &claims); err != nil {
		return time.Time{}, fmt.Errorf("failed to decode token: %w", err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, errors.New("token has no expiry")
	}
	return claims.ExpiresAt.Time, nil
}

// Login implements System.
func (s *Shine) Login(ctx context.Context) (types.Session, error) {
	log.Ctx(ctx).InfoContext(ctx, "trying to log in to shine api")
	if s.username == "" || s.password == "" {
		log.Ctx(ctx).ErrorContext(ctx, "shine api user or password not set")
		return types.Session{}, errors.New("missing shine credentials")
	}

	credentials := map[string]string{
		"userName": s.username,
		"password": s.password,
		"lang":     "en_US",
	}
	var res shineLoginResult
	if err := s.post(ctx, shineLoginPath, credentials, &res); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "login attempt failed", slog.Any("error", err))
		return types.Session{}, fmt.Errorf("login failed: %w", err)
	}
	if res.Token == "" {
		log.Ctx(ctx).ErrorContext(ctx, "login attempt failed, login token not acquired")
		return types.Session{}, errors.New("login failed: empty token")
	}

	exp, err := tokenExpiry(res.Token)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "login attempt failed, invalid token", slog.Any("error", err))
		return types.Session{}, fmt.Errorf("login failed: %w", err)
	}
	if maxExp := s.now().Add(shineMaxTokenTTL); exp.After(maxExp) {
		exp = maxExp
	}

	sess := types.Session{Token: res.Token, ExpiresAt: exp}
	s.mu.Lock()
	s.session = &sess
	s.mu.Unlock()

	log.Ctx(ctx).InfoContext(ctx, "login attempt was successful", slog.Time("expiresAt", exp))
	return sess, nil
}

type shinePlantList struct {
	DataList []struct {
		ID        flexString `json:"id"`
		PlantName string     `json:"plantName"`
		Longitude flexFloat  `json:"longitude"`
		Latitude  flexFloat  `json:"latitude"`
		TimeZone  string     `json:"timeZone"`
	} `json:"dataList"`
}

// ListPlants implements System.
func (s *Shine) ListPlants(ctx context.Context) (map[string]types.Plant, error) {
	req := map[string]any{
		"pageNum":     1,
		"pageSize":    10,
		"plantName":   "",
		"deviceSn":    "",
		"status":      "",
		"isCollected": "",
		"plantType":   "",
		"onGridType":  "",
		"tagName":     "",
		"realName":    "",
		"orgCode":     "",
		"authorized":  "",
		"cityId":      "",
		"countryId":   "",
		"provinceId":  "",
	}
	var res shinePlantList
	if err := s.post(ctx, shinePlantListPath, req, &res); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "getting plant list failed", slog.Any("error", err))
		return nil, fmt.Errorf("getting plant list failed: %w", err)
	}
	if len(res.DataList) == 0 {
		log.Ctx(ctx).ErrorContext(ctx, "no plants available")
		return nil, errors.New("no plants available")
	}

	plants := make(map[string]types.Plant, len(res.DataList))
	for _, p := range res.DataList {
		log.Ctx(ctx).DebugContext(ctx, "found plant", slog.String("name", p.PlantName), slog.String("id", string(p.ID)))
		plants[p.PlantName] = types.Plant{
			ID:        string(p.ID),
			Name:      p.PlantName,
			Latitude:  float64(p.Latitude),
			Longitude: float64(p.Longitude),
			TimeZone:  p.TimeZone,
		}
	}
	log.Ctx(ctx).InfoContext(ctx, "plant list successfully obtained", slog.Int("count", len(plants)))
	return plants, nil
}

type shineDeviceList struct {
	DataList []struct {
		DeviceSn string `json:"deviceSn"`
	} `json:"dataList"`
}

// ListDevices implements System.
func (s *Shine) ListDevices(ctx context.Context, plantID string, deviceType types.DeviceType) ([]string, error) {
	req := map[string]any{
		"pageNum":    1,
		"pageSize":   10,
		"deviceType": deviceType,
		"plantId":    plantID,
		"scope":      0,
	}
	var res shineDeviceList
	if err := s.post(ctx, shineDeviceListPath, req, &res); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "getting device list failed", slog.Any("error", err))
		return nil, fmt.Errorf("getting device list failed: %w", err)
	}
	if len(res.DataList) == 0 {
		log.Ctx(ctx).ErrorContext(ctx, "no devices available", slog.String("type", string(deviceType)))
		return nil, errors.New("no devices available")
	}

	serials := make([]string, 0, len(res.DataList))
	for _, d := range res.DataList {
		log.Ctx(ctx).DebugContext(ctx, "found device", slog.String("type", string(deviceType)), slog.String("serial", d.DeviceSn))
		serials = append(serials, d.DeviceSn)
	}
	log.Ctx(ctx).InfoContext(ctx, "device list successfully obtained", slog.String("type", string(deviceType)), slog.Int("count", len(serials)))
	return serials, nil
}

func readField(data map[string]json.RawMessage, field string) (float64, error) {
	raw, ok := data[field]
	if !ok {
		return 0, fmt.Errorf("field %s missing", field)
	}
	var v flexFloat
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, fmt.Errorf("field %s: %w", field, err)
	}
	return float64(v), nil
}

// GetSetting implements System.
func (s *Shine) GetSetting(ctx context.Context, serial string, name types.SettingName) (float64, error) {
	field, ok := shineSettingFields[name]
	if !ok {
		log.Ctx(ctx).ErrorContext(ctx, "setting is not supported", slog.String("name", string(name)))
		return 0, fmt.Errorf("%s is not supported", name)
	}

	req := map[string]any{
		"deviceSn":   serial,
		"oldVersion": 1,
	}
	var data map[string]json.RawMessage
	if err := s.post(ctx, shineSettingValuesPath, req, &data); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "getting setting values failed", slog.Any("error", err))
		return 0, fmt.Errorf("getting setting values failed: %w", err)
	}
	v, err := readField(data, field)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "getting setting value failed", slog.String("name", string(name)), slog.Any("error", err))
		return 0, fmt.Errorf("getting %s value failed: %w", name, err)
	}
	log.Ctx(ctx).DebugContext(ctx, "setting value successfully obtained", slog.String("name", string(name)), slog.Float64("value", v))
	return v, nil
}

// GetDeviceValue implements System.
func (s *Shine) GetDeviceValue(ctx context.Context, serial string, name types.DeviceValueName) (float64, error) {
	field, ok := shineDeviceValueFields[name]
	if !ok {
		log.Ctx(ctx).ErrorContext(ctx, "device value is not supported", slog.String("name", string(name)))
		return 0, fmt.Errorf("%s is not supported", name)
	}

	req := map[string]any{
		"deviceSn":   serial,
		"deviceType": "OC",
		"dateStr":    s.now().Format(time.DateTime),
	}
	var data map[string]json.RawMessage
	if err := s.post(ctx, shineDeviceValuesPath, req, &data); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "getting device values failed", slog.Any("error", err))
		return 0, fmt.Errorf("getting device values failed: %w", err)
	}
	v, err := readField(data, field)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "getting device value failed", slog.String("name", string(name)), slog.Any("error", err))
		return 0, fmt.Errorf("getting %s value failed: %w", name, err)
	}
	log.Ctx(ctx).DebugContext(ctx, "device value successfully obtained", slog.String("name", string(name)), slog.Float64("value", v))
	return v, nil
}

type shineCommand struct {
	ID json.RawMessage `json:"id"`
}

type shineCommandStatus struct {
	Result int `json:"result"`
}

// SetChargeCurrent implements System.
func (s *Shine) SetChargeCurrent(ctx context.Context, serial string, amps int) error {
	value := strconv.FormatFloat(float64(amps), 'f', 1, 64)
	field := shineSettingFields[types.SettingBatteryChargeCurrent]
	req := map[string]any{
		"deviceSn":   serial,
		"timeZone":   s.timeZone,
		"timestamp":  s.now().UnixMilli(),
		"oldVersion": 1,
		"useType":    5,
		"groupId":    1,
		"deviceCommands": []map[string]any{
			{
				"dataHandlerType": 0,
				"fieldName":       field,
				"groupId":         0,
				"paramType":       0,
				"useType":         3,
				"fieldValue":      value,
			},
		},
		"realContentParam": []string{field},
	}

	log.Ctx(ctx).DebugContext(ctx, "sending setting command", slog.String("serial", serial), slog.String("value", value))
	var cmds []shineCommand
	if err := s.post(ctx, shineSettingCmdPath, req, &cmds); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "setting charge current failed", slog.Any("error", err))
		return fmt.Errorf("setting charge current failed: %w", err)
	}
	if len(cmds) == 0 || len(cmds[0].ID) == 0 {
		log.Ctx(ctx).ErrorContext(ctx, "sending setting command failed, no command id")
		return errors.New("setting charge current failed: no command id")
	}

	if err := s.waitCommand(ctx, cmds[0].ID); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "wrong command status, setting charge current failed", slog.Any("error", err))
		return err
	}
	log.Ctx(ctx).InfoContext(ctx, "charge current successfully set", slog.String("serial", serial), slog.Int("amps", amps))
	return nil
}

// waitCommand polls the command status every pollInterval until the device
// acknowledges it or pollTimeout elapses.
func (s *Shine) waitCommand(ctx context.Context, id json.RawMessage) error {
	attempts := max(int(s.pollTimeout/s.pollInterval), 1)
	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.pollInterval), uint64(attempts-1)),
		ctx,
	)

	operation := func() error {
		var res shineCommandStatus
		if err := s.post(ctx, shineCommandStatusPath, map[string]any{"id": id}, &res); err != nil {
			return backoff.Permanent(fmt.Errorf("checking command status failed: %w", err))
		}
		if res.Result != 1 {
			return errCommandPending
		}
		return nil
	}

	if err := backoff.Retry(operation, bo); err != nil {
		if errors.Is(err, errCommandPending) {
			log.Ctx(ctx).ErrorContext(ctx, "command timeout", slog.Duration("timeout", s.pollTimeout))
			return ErrCommandTimeout
		}
		return err
	}
	return nil
}
