// 參考https://auth0.com/docs/get-started/apis/scopes/openid-connect-scopes
package oidc

type OpenID struct {
	Sub string `json:"sub"`
	Iss string `json:"iss"`
	Exp int64  `json:"exp"`
	Iat int64  `json:"iat"`
}

type Email struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
}

type Profile struct {
	Name              string `json:"name"`
	Nickname          string `json:"nickname"`
	PreferredUsername string `json:"preferred_username"`
}

// IDToken 是驗證後的 ID token 內容
type IDToken struct {
	OpenID
	Email
	Profile
}
