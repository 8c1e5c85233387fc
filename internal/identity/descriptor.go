package identity

import "github.com/hitoshi/storeauth/internal/model"

// TokenPlacement はアクセストークンをプロバイダへ渡す方法。
type TokenPlacement int

const (
	// TokenInQuery はクエリパラメータでトークンを渡す。
	TokenInQuery TokenPlacement = iota
	// TokenInHeader はAuthorizationヘッダでトークンを渡す。
	TokenInHeader
)

// FieldMap はプロバイダのレスポンスJSONのキーとExternalIdentityの対応表。
type FieldMap struct {
	SubjectID string
	Email     string
	FirstName string
	LastName  string
}

// Descriptor はプロバイダごとのプロフィール取得方法を表す。
type Descriptor struct {
	Provider     model.Provider
	Endpoint     string
	Placement    TokenPlacement
	TokenParam   string
	Query        map[string]string
	Fields       FieldMap
	RequireEmail bool
}

// DefaultDescriptors は対応プロバイダの記述子を返す。
// メールアドレスはGoogleのみ必須で、Microsoft/Facebookでは欠落を許容する。
func DefaultDescriptors() map[model.Provider]Descriptor {
	return map[model.Provider]Descriptor{
		model.ProviderGoogle: {
			Provider:   model.ProviderGoogle,
			Endpoint:   "https://www.googleapis.com/oauth2/v2/userinfo",
			Placement:  TokenInQuery,
			TokenParam: "access_token",
			Fields: FieldMap{
				SubjectID: "id",
				Email:     "email",
				FirstName: "given_name",
				LastName:  "family_name",
			},
			RequireEmail: true,
		},
		model.ProviderMicrosoft: {
			Provider:  model.ProviderMicrosoft,
			Endpoint:  "https://graph.microsoft.com/v1.0/me",
			Placement: TokenInHeader,
			Fields: FieldMap{
				SubjectID: "id",
				Email:     "userPrincipalName",
				FirstName: "givenName",
				LastName:  "surname",
			},
		},
		model.ProviderFacebook: {
			Provider:   model.ProviderFacebook,
			Endpoint:   "https://graph.facebook.com/me",
			Placement:  TokenInQuery,
			TokenParam: "access_token",
			Query:      map[string]string{"fields": "id,email,first_name,last_name"},
			Fields: FieldMap{
				SubjectID: "id",
				Email:     "email",
				FirstName: "first_name",
				LastName:  "last_name",
			},
		},
	}
}
