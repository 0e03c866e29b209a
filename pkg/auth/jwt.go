package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultDeviceID 凭证未携带设备号时使用
const DefaultDeviceID = "default"

var (
	ErrMissingToken = errors.New("auth: missing token")
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrTokenExpired = errors.New("auth: token expired")
	ErrMissingUser  = errors.New("auth: token has no user identity")
)

// JWTConfig JWT配置
type JWTConfig struct {
	Secret     string
	ExpireTime time.Duration
	// Leeway 允许的时钟偏差
	Leeway time.Duration
}

// Identity 握手凭证中解析出的身份
type Identity struct {
	UserID    string
	DeviceID  string
	ExpiresAt time.Time
}

// ParseTokenWithConfig 使用指定配置解析 JWT token
func ParseTokenWithConfig(tokenString string, config *JWTConfig) (jwt.MapClaims, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}

	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if config.Leeway > 0 {
		opts = append(opts, jwt.WithLeeway(config.Leeway))
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		// 校验签名算法
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(config.Secret), nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims, ok := token.Claims.(jwt.MapClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, ErrInvalidToken
}

// VerifyIdentity 校验凭证并提取 {userId, deviceId}
// 用户ID取 sub，兼容旧令牌的 userId / user_id
func VerifyIdentity(tokenString string, config *JWTConfig) (*Identity, error) {
	claims, err := ParseTokenWithConfig(tokenString, config)
	if err != nil {
		return nil, err
	}

	userID := claimString(claims, "sub", "userId", "user_id")
	if userID == "" {
		return nil, ErrMissingUser
	}

	id := &Identity{
		UserID:   userID,
		DeviceID: claimString(claims, "deviceId", "device_id"),
	}
	if id.DeviceID == "" {
		id.DeviceID = DefaultDeviceID
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		id.ExpiresAt = exp.Time
	}
	return id, nil
}

func claimString(claims jwt.MapClaims, keys ...string) string {
	for _, k := range keys {
		switch v := claims[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			// 数字类型的用户ID
			return fmt.Sprintf("%.0f", v)
		}
	}
	return ""
}

// GenerateJWTWithConfig 使用指定配置生成 JWT token
func GenerateJWTWithConfig(claims map[string]any, config *JWTConfig) (string, error) {
	jwtClaims := jwt.MapClaims{}
	for k, v := range claims {
		jwtClaims[k] = v
	}

	// 如果没有设置过期时间，使用默认过期时间
	if _, exists := claims["exp"]; !exists {
		jwtClaims["exp"] = time.Now().Add(config.ExpireTime).Unix()
	}
	if _, exists := claims["iat"]; !exists {
		jwtClaims["iat"] = time.Now().Unix()
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwtClaims)
	return token.SignedString([]byte(config.Secret))
}

// IssueToken 签发握手令牌（调试客户端与测试使用）
func IssueToken(config *JWTConfig, userID, deviceID string) (string, error) {
	claims := map[string]any{"sub": userID}
	if deviceID != "" {
		claims["deviceId"] = deviceID
	}
	return GenerateJWTWithConfig(claims, config)
}
