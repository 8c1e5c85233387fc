// Package identity は外部IdPのアクセストークンからプロフィールを取得し、
// ExternalIdentityに正規化する。
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"

	"github.com/hitoshi/storeauth/internal/model"
)

const maxProfileBytes = 1 << 20

var (
	// ErrNotFound はプロバイダがトークンを拒否した、または必須項目が欠落していることを表す。
	ErrNotFound = errors.New("provider identity not found")
	// ErrUnavailable は通信エラー・タイムアウト・プロバイダの5xxを表す。
	ErrUnavailable = errors.New("identity provider unavailable")
	// ErrUnknownProvider は未登録のプロバイダを表す。
	ErrUnknownProvider = errors.New("unknown identity provider")
)

// ClientConfig はClientの設定。
type ClientConfig struct {
	// Timeout はプロバイダ呼び出し1回あたりの上限時間。
	Timeout time.Duration
	// Transport はテスト用に差し替え可能なベーストランスポート。
	Transport http.RoundTripper
	// Descriptors が空の場合はDefaultDescriptorsを使用する。
	Descriptors map[model.Provider]Descriptor
}

// Client は記述子に従って任意のプロバイダからプロフィールを取得する汎用クライアント。
type Client struct {
	timeout     time.Duration
	transport   http.RoundTripper
	descriptors map[model.Provider]Descriptor
	logger      *slog.Logger
}

// NewClient はClientを生成する。
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Transport == nil {
		cfg.Transport = http.DefaultTransport
	}
	if len(cfg.Descriptors) == 0 {
		cfg.Descriptors = DefaultDescriptors()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		timeout:     cfg.Timeout,
		transport:   cfg.Transport,
		descriptors: cfg.Descriptors,
		logger:      logger,
	}
}

// FetchIdentity はアクセストークンでプロバイダのプロフィールを取得する。
// 返すエラーはErrNotFound、ErrUnavailable、ErrUnknownProviderのいずれかをラップする。
func (c *Client) FetchIdentity(ctx context.Context, provider model.Provider, accessToken string) (*model.ExternalIdentity, error) {
	desc, ok := c.descriptors[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	if strings.TrimSpace(accessToken) == "" {
		return nil, fmt.Errorf("%w: empty access token", ErrNotFound)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.buildRequest(ctx, desc, accessToken)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient(desc, accessToken).Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s request failed: %v", ErrUnavailable, provider, err)
	}
	defer resp.Body.Close()

	if err := googleapi.CheckResponse(resp); err != nil {
		return nil, c.statusError(provider, err)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProfileBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read %s response: %v", ErrUnavailable, provider, err)
	}

	// 数値IDを丸めないようjson.Numberで受ける
	var profile map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&profile); err != nil {
		return nil, fmt.Errorf("%w: failed to parse %s response: %v", ErrNotFound, provider, err)
	}

	return normalize(desc, profile)
}

// statusError は非2xxレスポンスをErrUnavailableまたはErrNotFoundに振り分ける。
// プロバイダが返したエラーメッセージはログにのみ残す。
func (c *Client) statusError(provider model.Provider, err error) error {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %s response check failed: %v", ErrUnavailable, provider, err)
	}
	if apiErr.Code >= 500 {
		return fmt.Errorf("%w: %s returned status %d", ErrUnavailable, provider, apiErr.Code)
	}
	c.logger.Info("プロバイダがトークンを拒否しました",
		slog.String("provider", string(provider)),
		slog.Int("status", apiErr.Code),
		slog.String("provider_message", apiErr.Message),
	)
	return fmt.Errorf("%w: %s returned status %d", ErrNotFound, provider, apiErr.Code)
}

func (c *Client) buildRequest(ctx context.Context, desc Descriptor, accessToken string) (*http.Request, error) {
	u, err := url.Parse(desc.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint for %s: %w", desc.Provider, err)
	}

	q := u.Query()
	for k, v := range desc.Query {
		q.Set(k, v)
	}
	if desc.Placement == TokenInQuery {
		q.Set(desc.TokenParam, accessToken)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", desc.Provider, err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// httpClient はトークンをヘッダで渡すプロバイダにはoauth2.Transportを使用する。
func (c *Client) httpClient(desc Descriptor, accessToken string) *http.Client {
	if desc.Placement != TokenInHeader {
		return &http.Client{Transport: c.transport, Timeout: c.timeout}
	}
	return &http.Client{
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}),
			Base:   c.transport,
		},
		Timeout: c.timeout,
	}
}

func normalize(desc Descriptor, profile map[string]interface{}) (*model.ExternalIdentity, error) {
	identity := &model.ExternalIdentity{
		Provider:  desc.Provider,
		SubjectID: stringField(profile, desc.Fields.SubjectID),
		Email:     model.NormalizeEmail(stringField(profile, desc.Fields.Email)),
		FirstName: stringField(profile, desc.Fields.FirstName),
		LastName:  stringField(profile, desc.Fields.LastName),
	}

	var missing []string
	if identity.SubjectID == "" {
		missing = append(missing, desc.Fields.SubjectID)
	}
	if utf8.RuneCountInString(identity.SubjectID) > model.MaxSubjectIDLength {
		return nil, fmt.Errorf("%w: %s subject id exceeds %d characters", ErrNotFound, desc.Provider, model.MaxSubjectIDLength)
	}
	if identity.FirstName == "" {
		missing = append(missing, desc.Fields.FirstName)
	}
	if identity.LastName == "" {
		missing = append(missing, desc.Fields.LastName)
	}
	if desc.RequireEmail && identity.Email == "" {
		missing = append(missing, desc.Fields.Email)
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s response missing %s", ErrNotFound, desc.Provider, strings.Join(missing, ", "))
	}

	return identity, nil
}

func stringField(profile map[string]interface{}, key string) string {
	switch v := profile[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	default:
		return ""
	}
}
