package utils

import (
	"go.uber.org/zap"
)

var Logger *zap.Logger

// InitLogger builds the process logger. Development output is used when dev is set.
func InitLogger(dev bool) {
	var err error
	if dev {
		Logger, err = zap.NewDevelopment()
	} else {
		Logger, err = zap.NewProduction()
	}
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
}

func GetLogger() *zap.Logger {
	if Logger == nil {
		InitLogger(false)
	}
	return Logger
}
