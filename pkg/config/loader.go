package config

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvInfo service name and file locations from .env
type EnvInfo struct {
	MessagingService         string
	MessagingServiceYAMLPath string
	MessagingServiceLogPath  string
}

// EnvConfig 集合服務設定 from .env
var (
	EnvConfig = initEnv()
	envConfig EnvInfo
	once      sync.Once
	env       string
)

func initEnv() EnvInfo {
	once.Do(func() {
		path, err := GetPath(".env", 5)
		if err != nil {
			log.Printf("Warning: Could not get .env path: %v", err)
		} else if err := godotenv.Load(path); err != nil {
			log.Printf("Warning: Could not load .env file: %v", err)
		}

		env = os.Getenv("ENV")

		envConfig = EnvInfo{
			MessagingService:         getenvDefault("MESSAGING_SERVICE", "messaging_service"),
			MessagingServiceYAMLPath: getenvDefault("MESSAGING_SERVICE_YAML", "./config"),
			MessagingServiceLogPath:  getenvDefault("MESSAGING_SERVICE_LOG", "./logs"),
		}
	})

	return envConfig
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// IsProduction check run env
func IsProduction() bool {
	return env == "production"
}

// SetDefaults registers the fallback values for Messaging
func SetDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("grpc_port", "9090")
	v.SetDefault("store.driver", "memory")
	v.SetDefault("feed.driver", "memory")
	v.SetDefault("presence.debounce", 100*time.Millisecond)
	v.SetDefault("presence.heartbeat", 30*time.Second)
	v.SetDefault("presence.ttl", 90*time.Second)
	v.SetDefault("presence.reap_interval", 30*time.Second)
	v.SetDefault("typing.idle", time.Second)
	v.SetDefault("auth.session_ttl", time.Hour)
	v.SetDefault("backend.timeout", 10*time.Second)
	v.SetDefault("kafka.topic_prefix", "campus")
}

// LoadConfig reads <serviceName>.yaml from configPath, expanding ${VAR} placeholders
func LoadConfig[T any](serviceName string, configPath string) (T, error) {
	var cfg T
	v := viper.New()
	v.SetConfigName(serviceName)
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return cfg, fmt.Errorf("loading config file: %w", err)
	}

	rawConfig, err := os.ReadFile(v.ConfigFileUsed())
	if err != nil {
		return cfg, fmt.Errorf("reading raw config file: %w", err)
	}

	// 替換 ${} 占位符為環境變數的值
	if err := v.ReadConfig(bytes.NewBufferString(os.ExpandEnv(string(rawConfig)))); err != nil {
		return cfg, fmt.Errorf("reading expanded config: %w", err)
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("unmarshaling config: %w", err)
	}
	return cfg, nil
}

// GetPath use fileName loop maxCount find file path
func GetPath(fileName string, maxCount int) (string, error) {
	path := "./" + fileName

	for i := 0; i < maxCount; i++ {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		path = "../" + path
	}
	return "", errors.New(fileName + " can't find path")
}
