package middleware

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// PhoneClaims は電話番号認証セッショントークンのクレーム（ペイロード）を表す。
// 認証開始時にgatewayが発行し、確認・ハンドシェイク時に検証される。
type PhoneClaims struct {
	jwt.RegisteredClaims
	// Phone は認証対象の電話番号。アイデンティティのキーとなる。
	Phone string `json:"phone"`
	// Label はアカウントラベル（例: "comet"）。
	Label string `json:"label"`
	// DisplayName は表示名。
	DisplayName string `json:"display_name"`
}

// GeneratePhoneToken は電話番号認証セッション用のJWTトークンを生成する。
// gatewayサービスが /auth/phone/start で呼び出す。
func GeneratePhoneToken(secret, phone, label, displayName string, ttl time.Duration) (string, error) {
	claims := PhoneClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "omega-gateway",
		},
		Phone:       phone,
		Label:       label,
		DisplayName: displayName,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// ParsePhoneToken は電話番号認証セッショントークンを検証し、クレームを返す。
// 署名の不一致・有効期限切れはエラーとなる。
func ParsePhoneToken(secret, tokenString string) (*PhoneClaims, error) {
	claims := &PhoneClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("JWTトークンの検証に失敗: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("JWTトークンが無効")
	}
	return claims, nil
}
