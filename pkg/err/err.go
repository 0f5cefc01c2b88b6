package errprocess

import (
	"errors"
	"fmt"

	"campus_connect/pkg/logger"

	"go.uber.org/zap"
)

// Set logs errMsg and returns it as an error
func Set(errMsg string, fields ...zap.Field) error {
	logger.Log.Error(errMsg, fields...)
	return errors.New(errMsg)
}

// Wrap logs msg with err and returns err wrapped, so errors.Is still matches
func Wrap(msg string, err error, fields ...zap.Field) error {
	logger.Log.Error(msg, append(fields, zap.Error(err))...)
	return fmt.Errorf("%s: %w", msg, err)
}
