package token

import "campus_connect/pkg/config"

// 這個變數會在測試時被覆蓋
var (
	GenerateJWTFunc = GenerateJWT
	ParseJWTFunc    = ParseJWT
)

// GenerateJWTWrapper 讓 auth repository test mock使用這個包裝函數
func GenerateJWTWrapper(userID, role string) (string, error) {
	return GenerateJWTFunc(userID, role, config.EnvConfig.MessagingService)
}

// ParseJWTWrapper 讓 auth repository test mock使用這個包裝函數
func ParseJWTWrapper(t string) (*Claims, error) {
	return ParseJWTFunc(t)
}
