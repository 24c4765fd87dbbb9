package oidc

import (
	"context"
	"crypto"
	"errors"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
)

var ErrEmptySubject = errors.New("token has no subject")

// Verifier 以外部 OIDC 提供者簽發的 ID token 驗證呼叫者身分
type Verifier struct {
	idTokenVerifier *oidc.IDTokenVerifier
}

// NewVerifier 透過 discovery 取得提供者的公鑰，clientID 必須出現在 token 的 aud 中
func NewVerifier(ctx context.Context, issuerURL, clientID string) (*Verifier, error) {
	const op = "NewVerifier"
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create provider, err=%w", op, err)
	}
	return &Verifier{
		idTokenVerifier: provider.Verifier(&oidc.Config{
			ClientID:             clientID,
			SupportedSigningAlgs: []string{oidc.RS256, oidc.ES256, oidc.EdDSA},
		}),
	}, nil
}

// NewStaticVerifier 使用固定的公鑰驗證，不需要連線到提供者
func NewStaticVerifier(issuer, clientID string, keys ...crypto.PublicKey) *Verifier {
	keySet := &oidc.StaticKeySet{PublicKeys: keys}
	return &Verifier{
		idTokenVerifier: oidc.NewVerifier(issuer, keySet, &oidc.Config{
			ClientID:             clientID,
			SupportedSigningAlgs: []string{oidc.RS256, oidc.ES256, oidc.EdDSA},
		}),
	}
}

// VerifyIDToken 驗證 ID 令牌的有效性並解析其中的聲明
func (v *Verifier) VerifyIDToken(ctx context.Context, rawIDToken string) (*IDToken, error) {
	const op = "VerifyIDToken"
	idToken, err := v.idTokenVerifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("[%s] err=%w", op, err)
	}
	var token IDToken
	if err := idToken.Claims(&token); err != nil {
		return nil, fmt.Errorf("[%s] Failed to parse ID Token claims, err=%w", op, err)
	}
	if token.Sub == "" {
		return nil, fmt.Errorf("[%s] %w", op, ErrEmptySubject)
	}
	return &token, nil
}

// VerifySubject 回傳 token 的 subject，用來作為呼叫者的身分
func (v *Verifier) VerifySubject(ctx context.Context, rawIDToken string) (string, error) {
	token, err := v.VerifyIDToken(ctx, rawIDToken)
	if err != nil {
		return "", err
	}
	return token.Sub, nil
}
