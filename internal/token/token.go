// Package token はアカウントに対する署名付きベアラートークンの発行と検証を行う。
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/storeauth/internal/model"
)

// DefaultTTL はトークンの有効期間。
const DefaultTTL = 24 * time.Hour

// ErrInvalidToken はトークンの署名・期限・発行者・対象者のいずれかが不正であることを表す。
var ErrInvalidToken = errors.New("invalid token")

// Config はトークン発行の設定。構築時に明示的に渡す。
type Config struct {
	SigningKey []byte
	Issuer     string
	Audience   string
	TTL        time.Duration
}

// Claims はトークンに含めるクレーム。
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// Token は発行済みトークン。
type Token struct {
	Value     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Issuer はHS256でトークンに署名する。共有の可変状態を持たない。
type Issuer struct {
	config Config
	now    func() time.Time
}

// NewIssuer はIssuerを生成する。
func NewIssuer(cfg Config) (*Issuer, error) {
	if len(cfg.SigningKey) < 32 {
		return nil, fmt.Errorf("token signing key must be at least 32 bytes, got %d", len(cfg.SigningKey))
	}
	if cfg.Issuer == "" || cfg.Audience == "" {
		return nil, errors.New("token issuer and audience are required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	return &Issuer{config: cfg, now: time.Now}, nil
}

// WithClock はテスト用に時刻取得関数を差し替えたIssuerを返す。
func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	return &Issuer{config: i.config, now: now}
}

// Issue はアカウントIDとメールアドレスをクレームに持つトークンを発行する。
func (i *Issuer) Issue(account *model.Account) (*Token, error) {
	issuedAt := i.now().UTC().Truncate(time.Second)
	expiresAt := issuedAt.Add(i.config.TTL)

	claims := Claims{
		Email: account.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   account.ID,
			Issuer:    i.config.Issuer,
			Audience:  jwt.ClaimStrings{i.config.Audience},
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.config.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	return &Token{Value: signed, IssuedAt: issuedAt, ExpiresAt: expiresAt}, nil
}

// Parse はトークンを検証し、クレームを返す。
func (i *Issuer) Parse(tokenString string) (*Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.config.Issuer),
		jwt.WithAudience(i.config.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)

	claims := &Claims{}
	_, err := parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return i.config.SigningKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	return claims, nil
}
