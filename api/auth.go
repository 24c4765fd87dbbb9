package api

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"lastbid/auction"
)

const (
	// AccessTokenCookie 沒有 Authorization header 時改從這個 cookie 讀取 token
	AccessTokenCookie = "access_token"

	identityKey = "identity"
)

var ErrMissingToken = errors.New("missing access token")

type JWT struct {
	jwt.RegisteredClaims
}

// ParseAndValidateJWT 以 EdDSA 公鑰驗證 token，issuer 與 audience 為空時不檢查
func ParseAndValidateJWT(tokenString string, publicKey ed25519.PublicKey, issuer, audience string) (*JWT, error) {
	const op = "ParseJWT"
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	token, err := jwt.ParseWithClaims(tokenString, &JWT{}, func(token *jwt.Token) (interface{}, error) {
		return publicKey, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("%s: token is invalid", op)
	}
	claims, ok := token.Claims.(*JWT)
	if !ok {
		return nil, fmt.Errorf("%s: token claims are invalid", op)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%s: token has no subject", op)
	}
	return claims, nil
}

// IssueToken 簽發 subject 的 access token
func IssueToken(privateKey ed25519.PrivateKey, subject, issuer, audience string, ttl time.Duration) (string, error) {
	const op = "IssueToken"
	now := time.Now()
	claims := JWT{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   subject,
			ID:        uuid.NewString(),
		},
	}
	if audience != "" {
		claims.Audience = jwt.ClaimStrings{audience}
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(privateKey)
	if err != nil {
		return "", fmt.Errorf("[%s] Fail to sign JWT, err=%w", op, err)
	}
	return token, nil
}

// IdentityVerifier 驗證 access token 並回傳其中的 subject
type IdentityVerifier interface {
	VerifySubject(ctx context.Context, token string) (string, error)
}

// keyVerifier 以本服務的 EdDSA 公鑰驗證自行簽發的 token
type keyVerifier struct {
	publicKey ed25519.PublicKey
	issuer    string
	audience  string
}

func (v keyVerifier) VerifySubject(_ context.Context, token string) (string, error) {
	claims, err := ParseAndValidateJWT(token, v.publicKey, v.issuer, v.audience)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// RequireIdentity 驗證 access token，並把 token 的 subject 作為呼叫者的身分
func (impl *ServerImpl) RequireIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := bearerToken(c)
		if tokenString == "" {
			abortWithError(c, http.StatusUnauthorized, "UNAUTHORIZED", ErrMissingToken.Error())
			return
		}
		subject, err := impl.verifier.VerifySubject(c.Request.Context(), tokenString)
		if err != nil {
			impl.logger.Debug("Fail to verify access token", slog.Any("error", err))
			abortWithError(c, http.StatusUnauthorized, "UNAUTHORIZED", "invalid access token")
			return
		}
		c.Set(identityKey, auction.Identity(subject))
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if scheme, token, ok := strings.Cut(header, " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	if cookie, err := c.Cookie(AccessTokenCookie); err == nil {
		return cookie
	}
	return ""
}

// caller 回傳 RequireIdentity 寫入的身分
func caller(c *gin.Context) auction.Identity {
	identity, _ := c.Get(identityKey)
	who, _ := identity.(auction.Identity)
	return who
}
