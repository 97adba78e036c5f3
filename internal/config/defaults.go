package config

func Defaults() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			DBPath: "~/.outreach/outreach.db",
		},
		Transport: TransportConfig{
			Kind:           "whatsapp",
			TimeoutSeconds: 30,
			WhatsApp: WhatsAppConfig{
				BaseURL:          "http://localhost:3000",
				MaxMessageLength: 4096,
			},
		},
		Monitor: MonitorConfig{
			IntervalSeconds:     30,
			ProbeTimeoutSeconds: 10,
		},
		Tracker: TrackerConfig{
			IntervalSeconds:     60,
			CheckTimeoutSeconds: 10,
			MaxAgeHours:         48,
			MaxAttempts:         100,
		},
		Delivery: DeliveryConfig{
			DrainBatchSize:       10,
			DrainWorkers:         1,
			DrainIntervalSeconds: 60,
			SendIntervalSeconds:  5,
			SendTimeoutSeconds:   30,
			EventBufferSize:      100,
		},
		CRM: CRMConfig{
			Kind:           "none",
			TimeoutSeconds: 15,
			Monday: MondayConfig{
				StatusColumn:           "lead_status",
				MaxRetries:             3,
				BreakerFailures:        5,
				BreakerCooldownSeconds: 30,
			},
		},
		HTTP: HTTPConfig{
			Enabled: true,
			Addr:    "127.0.0.1:9464",
		},
	}
}
