package encrypt

import (
	"errors"
	"fmt"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

// 定義密碼加密的強度，bcrypt.DefaultCost = 10
const bcryptCost = bcrypt.DefaultCost

const minPasswordLen = 8

// 定義錯誤信息
var (
	ErrWeakPassword     = errors.New("password does not meet strength requirements")
	ErrPasswordMismatch = errors.New("password does not match")
)

// ValidatePasswordStrength 至少 8 碼，需含大寫字母、數字與特殊字元
func ValidatePasswordStrength(password string) error {
	if len(password) < minPasswordLen {
		return fmt.Errorf("%w: at least %d characters", ErrWeakPassword, minPasswordLen)
	}

	var upper, digit, special bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			special = true
		}
	}
	switch {
	case !upper:
		return fmt.Errorf("%w: needs an uppercase letter", ErrWeakPassword)
	case !digit:
		return fmt.Errorf("%w: needs a digit", ErrWeakPassword)
	case !special:
		return fmt.Errorf("%w: needs a special character", ErrWeakPassword)
	}
	return nil
}

// HashPassword 將密碼進行加密
func HashPassword(password string) (string, error) {
	if err := ValidatePasswordStrength(password); err != nil {
		return "", err
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}

	return string(hashedPassword), nil
}

// CheckPassword 驗證密碼是否匹配
func CheckPassword(hashedPassword, password string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(password)); err != nil {
		return ErrPasswordMismatch
	}
	return nil
}
