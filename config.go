package dsnode

import (
	"github.com/spf13/viper"
)

// DefaultMaxMessageSize is the default limit on gRPC message sizes, in bytes.
const DefaultMaxMessageSize = 20 * 1024 * 1024

// LoadConfig reads the settings file(s) and environment into viper.
// NewServer calls it; programs reading settings before that call it first.
func LoadConfig() {
	viper.SetConfigName("dsnoderc")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.dsnode")

	setupDefaults()

	viper.ReadInConfig()

	viper.SetEnvPrefix("dsnode")
	viper.AutomaticEnv()
}

func setupDefaults() {
	defaultSettings := map[string]interface{}{
		"memoize":           true,
		"worker_pool_size":  5,
		"max_message_size":  DefaultMaxMessageSize,
		"listen_address":    "127.0.0.1:3569",
		"metrics_address":   "",                // Metrics endpoint is disabled by default
		"decode_cache_size": 256,               // Number of decoded operations kept
		"split_size":        64 * 1024 * 1024,  // Default input split size is 64Mb
		"partition_size":    256 * 1024 * 1024, // Default partition size is 256Mb
		"parallelism":       8,                 // Children of a dataset processed at once
		"verbose":           false,
	}
	for key, value := range defaultSettings {
		viper.SetDefault(key, value)
	}

	aliases := map[string]string{
		"verbose":        "v",
		"listen_address": "address",
	}
	for key, alias := range aliases {
		viper.RegisterAlias(alias, key)
	}
}
