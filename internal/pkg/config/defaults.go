package config

import "time"

// Default values for configuration.
const (
	DefaultConfigFile = "config.yml"

	// Telegram defaults
	DefaultDatabaseDirectory  = "tdlib"
	DefaultLanguageCode       = "en"
	DefaultDeviceModel        = "Desktop"
	DefaultApplicationVersion = "1.0"
	DefaultRequestTimeout     = 30 * time.Second

	// Lookup defaults
	DefaultLookupTimeout = 10 * time.Second
	DefaultUserAgent     = "fetch-tg-links/1.0"
	DefaultCacheTTL      = 60 * time.Minute
	DefaultServiceName   = "github"
	DefaultServiceURL    = "https://www.github.com/{username}"

	// Logging defaults
	DefaultLogLevel  = "info"
	DefaultLogFormat = "text"
)
