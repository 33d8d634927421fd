package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
		},
		Server: ServerConfig{
			Host:               "localhost",
			Port:               7777,
			DialTimeoutSeconds: 10,
		},
		Pipeline: PipelineConfig{
			IdleMillis:           300,
			BurstLimit:           4096,
			StopTimeoutSeconds:   5,
			PromptTimeoutSeconds: 30,
			LookaheadMillis:      3000,
		},
		Scheduler: SchedulerConfig{
			Workers: 4,
		},
		Transcript: TranscriptConfig{
			Enabled:       true,
			DBPath:        "~/.chatwire/transcript.db",
			RetentionDays: 90,
		},
		Relay: RelayConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    8765,
			Path:    "/ws",
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Host:     "127.0.0.1",
			Port:     9464,
			Endpoint: "/metrics",
		},
	}
}
