// Package config предоставляет управление конфигурацией приложения
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// ErrConfigNotFound возвращается, если явно указанный файл конфигурации не найден
var ErrConfigNotFound = errors.New("config file not found")

// Telegram содержит параметры сессии Telegram
type Telegram struct {
	APIID              int           `yaml:"api_id" env:"API_ID" validate:"gt=0"`
	APIHash            string        `yaml:"api_hash" env:"API_HASH" validate:"required"`
	PhoneNumber        string        `yaml:"phone_number" env:"PHONE_NUMBER"`
	DatabaseDirectory  string        `yaml:"database_directory" env:"TDLIB_DIR" validate:"notblank"`
	SystemLanguageCode string        `yaml:"system_language_code" env:"SYSTEM_LANGUAGE_CODE"`
	DeviceModel        string        `yaml:"device_model" env:"DEVICE_MODEL"`
	ApplicationVersion string        `yaml:"application_version" env:"APPLICATION_VERSION"`
	RequestTimeout     time.Duration `yaml:"request_timeout" env:"TELEGRAM_REQUEST_TIMEOUT" validate:"gt=0"`
}

// LookupService описывает один сервис поиска профилей
type LookupService struct {
	Name string `yaml:"name" validate:"notblank"`
	// URL - шаблон адреса профиля с подстановкой {username}
	URL string `yaml:"url" validate:"contains={username}"`
	// Selector - необязательный CSS-селектор, который должен найтись на странице профиля
	Selector string `yaml:"selector"`
}

// Lookup содержит конфигурацию проверки профилей
type Lookup struct {
	Timeout   time.Duration   `yaml:"timeout" env:"LOOKUP_TIMEOUT" validate:"gt=0"`
	UserAgent string          `yaml:"user_agent" env:"LOOKUP_USER_AGENT"`
	CacheTTL  time.Duration   `yaml:"cache_ttl" env:"LOOKUP_CACHE_TTL" validate:"gte=0"`
	Services  []LookupService `yaml:"services" validate:"min=1,unique=Name,dive"`
}

// Checkpoint содержит конфигурацию базы контрольных точек
type Checkpoint struct {
	Path string `yaml:"path" env:"CHECKPOINT_PATH"` // пусто - отключено
}

// Logging содержит конфигурацию логирования
type Logging struct {
	Level  string `yaml:"level" env:"LOG_LEVEL" validate:"oneof=debug info warn error"` // debug, info, warn, error
	Format string `yaml:"format" env:"LOG_FORMAT" validate:"oneof=text json"` // text, json
}

// Config содержит конфигурацию приложения
type Config struct {
	Telegram   Telegram   `yaml:"telegram"`
	Lookup     Lookup     `yaml:"lookup"`
	Checkpoint Checkpoint `yaml:"checkpoint"`
	Logging    Logging    `yaml:"logging"`
}

// defaultConfig возвращает конфигурацию со значениями по умолчанию
func defaultConfig() *Config {
	return &Config{
		Telegram: Telegram{
			DatabaseDirectory:  DefaultDatabaseDirectory,
			SystemLanguageCode: DefaultLanguageCode,
			DeviceModel:        DefaultDeviceModel,
			ApplicationVersion: DefaultApplicationVersion,
			RequestTimeout:     DefaultRequestTimeout,
		},
		Lookup: Lookup{
			Timeout:   DefaultLookupTimeout,
			UserAgent: DefaultUserAgent,
			CacheTTL:  DefaultCacheTTL,
		},
		Logging: Logging{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}

// LoadConfig загружает конфигурацию: значения по умолчанию, затем YAML-файл,
// затем переменные окружения (включая .env файл)
func LoadConfig(path string) (*Config, error) {
	// .env необязателен, переменные окружения могут быть заданы напрямую
	_ = godotenv.Load()

	explicit := path != ""
	if !explicit {
		path = DefaultConfigFile
	}

	cfg := defaultConfig()
	if err := loadFromYAML(path, cfg); err != nil {
		// файл по умолчанию необязателен
		if explicit || !errors.Is(err, ErrConfigNotFound) {
			return nil, err
		}
	}
	if err := loadFromEnv(cfg); err != nil {
		return nil, err
	}

	if len(cfg.Lookup.Services) == 0 {
		cfg.Lookup.Services = []LookupService{{Name: DefaultServiceName, URL: DefaultServiceURL}}
	}

	return cfg, nil
}

// loadFromYAML накладывает YAML-файл на cfg
func loadFromYAML(filename string, cfg *Config) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, filename)
		}
		return fmt.Errorf("failed to read config file %s: %w", filename, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}
	return nil
}

// loadFromEnv накладывает заданные переменные окружения на cfg
func loadFromEnv(cfg *Config) error {
	if _, err := env.UnmarshalFromEnviron(cfg); err != nil {
		return fmt.Errorf("failed to load config from env: %w", err)
	}
	return nil
}

// Validate проверяет, являются ли значения конфигурации допустимыми
func (c *Config) Validate() error {
	if err := validateSection("telegram", c.Telegram); err != nil {
		return err
	}
	return c.ValidateOffline()
}

// ValidateOffline проверяет все, кроме учетных данных Telegram.
// Используется при воспроизведении снимка, когда сеть Telegram не нужна.
func (c *Config) ValidateOffline() error {
	if err := validateSection("lookup", c.Lookup); err != nil {
		return err
	}
	return validateSection("logging", c.Logging)
}
