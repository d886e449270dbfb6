package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:            "info",
			MaxConcurrentCopies: 4,
		},
		Telegram: TelegramConfig{
			Enabled:     false,
			Mode:        "polling",
			WebhookPath: "/telegram/webhook",
			PollTimeout: 60,
		},
		Store: StoreConfig{
			DBPath: "~/.copybot/copybot.db",
		},
		Server: ServerConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    8080,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Endpoint:    "localhost:4318",
			Insecure:    true,
			ServiceName: "copybot",
		},
		Maintenance: MaintenanceConfig{
			Enabled:  true,
			Schedule: "0 * * * *",
		},
	}
}
