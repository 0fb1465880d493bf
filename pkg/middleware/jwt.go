package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Issuer はdocnotifyが発行・受理するトークンのiss。
const Issuer = "docnotify"

// ServiceSubjectPrefix はサービス用トークンのsubjectの接頭辞。
// 接頭辞付きのsubjectは、ユーザーではなく内部サービスからの呼び出しとして扱う。
const ServiceSubjectPrefix = "service:"

// ctxKeyUserID はGinコンテキストに認証済みsubjectを格納するキー。
const ctxKeyUserID = "user_id"

// ServiceSubject はサービス名からサービス用トークンのsubjectを返す。
func ServiceSubject(name string) string {
	return ServiceSubjectPrefix + name
}

// GenerateJWT はsubjectを持つHS256署名のトークンを生成する。
// ttlが0以下の場合は24時間とする。
func GenerateJWT(secret, subject string, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", errors.New("subjectが空です")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// JWTAuth はBearerトークンを検証するGinミドルウェアを返す。
// HS256以外のアルゴリズム、発行者の異なるトークン、有効期限のないトークンは拒否する。
// 検証に成功した場合、トークンのsubjectをユーザーIDとしてコンテキストに設定する。
func JWTAuth(secret string) gin.HandlerFunc {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
	)
	keyFunc := func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	}

	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authorizationヘッダーが必要です",
			})
			return
		}

		tokenString, found := strings.CutPrefix(authHeader, "Bearer ")
		if !found || strings.TrimSpace(tokenString) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Bearer トークン形式が不正です",
			})
			return
		}

		claims := &jwt.RegisteredClaims{}
		if _, err := parser.ParseWithClaims(tokenString, claims, keyFunc); err != nil || claims.Subject == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "トークンが無効です",
			})
			return
		}

		c.Set(ctxKeyUserID, claims.Subject)
		c.Next()
	}
}

// RequireService はサービス用トークンでの呼び出しだけを通すGinミドルウェアを返す。
// JWTAuth の後に適用する。
func RequireService() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsService(c) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "内部サービスからの呼び出しのみ許可されています",
			})
			return
		}
		c.Next()
	}
}

// GetUserID はGinコンテキストから認証済みのユーザーIDを取得する。
// JWTAuthミドルウェアが事前に適用されている必要がある。
func GetUserID(c *gin.Context) string {
	return c.GetString(ctxKeyUserID)
}

// IsService は呼び出し元がサービス用トークンで認証されているかどうかを返す。
func IsService(c *gin.Context) bool {
	return strings.HasPrefix(GetUserID(c), ServiceSubjectPrefix)
}
