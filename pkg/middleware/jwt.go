package middleware

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// JWTClaims はスタッフ用JWTトークンのクレーム（ペイロード）を表す。
type JWTClaims struct {
	jwt.RegisteredClaims
	// UserID は認証済みスタッフの一意識別子。紛争解決者（resolved_by）として記録される。
	UserID string `json:"user_id"`
	// Scope はスタッフが購読する通知スコープ（例: "staff"）。
	Scope string `json:"scope"`
}

// tokenIssuer はトークンの発行者名。
const tokenIssuer = "dealerhub-notification"

// tokenQueryKey はWebSocket接続時にトークンを渡すクエリパラメータ名。
// ブラウザのWebSocket APIはヘッダーを設定できないため、クエリでも受け付ける。
const tokenQueryKey = "token"

// GenerateJWT はスタッフ情報からJWTトークンを生成する。
// 開発用トークン発行エンドポイントとテストから呼び出す。
func GenerateJWT(secret, userID, scope string) (string, error) {
	claims := JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    tokenIssuer,
		},
		UserID: userID,
		Scope:  scope,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// JWTAuth はJWTトークンを検証するGinミドルウェアを返す。
// 検証に成功した場合、コンテキストに "user_id" と "scope" を設定する。
func JWTAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, errMsg := extractToken(c)
		if errMsg != "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errMsg})
			return
		}

		claims := &JWTClaims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
			return []byte(secret), nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "トークンが無効です",
			})
			return
		}

		c.Set("user_id", claims.UserID)
		c.Set("scope", claims.Scope)
		c.Next()
	}
}

// extractToken はAuthorizationヘッダーまたはtokenクエリからトークン文字列を取り出す。
// 取り出せない場合はエラーメッセージを返す。
func extractToken(c *gin.Context) (string, string) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		if q := c.Query(tokenQueryKey); q != "" {
			return q, ""
		}
		return "", "Authorizationヘッダーが必要です"
	}

	tokenString, found := strings.CutPrefix(authHeader, "Bearer ")
	if !found {
		return "", "Bearer トークン形式が不正です"
	}
	return tokenString, ""
}

// GetUserID はGinコンテキストからスタッフIDを取得する。
// JWTAuthミドルウェアが事前に適用されている必要がある。
func GetUserID(c *gin.Context) string {
	userID, _ := c.Get("user_id")
	if id, ok := userID.(string); ok {
		return id
	}
	return ""
}

// GetScope はGinコンテキストからトークンの通知スコープを取得する。
func GetScope(c *gin.Context) string {
	scope, _ := c.Get("scope")
	if s, ok := scope.(string); ok {
		return s
	}
	return ""
}

// RequireScope はパスパラメータのスコープがトークンのスコープと一致することを要求する
// Ginミドルウェアを返す。トークンにスコープが無い場合は全スコープを許可する。
func RequireScope(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenScope := GetScope(c)
		if tokenScope != "" && tokenScope != c.Param(param) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "このスコープの通知を参照する権限がありません",
			})
			return
		}
		c.Next()
	}
}
