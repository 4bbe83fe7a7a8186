package config

import "time"

// DefaultConfig returns the gateway defaults. Values mirror what the
// service assumes when run with no config file at all.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:        8080,
			MetricsPort:     9090,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:          "sqlite",
			Name:            "modelgate.db",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			DB:           0,
			PoolSize:     10,
			MinIdleConns: 2,
		},
		Gateway: GatewayConfig{
			RequestTimeout:       30 * time.Second,
			MaxRetries:           3,
			HealthCheckInterval:  300 * time.Second,
			HealthCheckMaxErrors: 5,
			CandidateCacheTTL:    30 * time.Second,
			LogRetention:         0,
		},
		Auth: AuthConfig{
			RateLimitRPS:   0,
			RateLimitBurst: 0,
		},
		Log: LogConfig{
			Level:        "info",
			Format:       "json",
			OutputPaths:  []string{"stdout"},
			EnableCaller: true,
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			OTLPEndpoint: "localhost:4317",
			ServiceName:  "modelgate",
			SampleRate:   1.0,
		},
	}
}
