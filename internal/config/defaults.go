package config

import "time"

func DefaultConfig() *Config {
	return &Config{
		Cache: CacheConfig{
			L1MaxEntries:  10_000,
			DefaultTTL:    Duration(5 * time.Minute),
			SweepInterval: Duration(30 * time.Second),
			BatchFanout:   4,
			OpTimeout:     Duration(2 * time.Second),
		},
		Guard: GuardConfig{
			Enabled:                     true,
			Mode:                        "warn",
			HotOnlyFastBackend:          true,
			WarmOnlyFastBackend:         true,
			ColdAllowsRelationalBackend: true,
			EphemeralAllowsMemory:       true,
			MaxOpsPerMinute:             600,
			MaxLatencyMs:                500,
			HistorySize:                 1000,
		},
		Health: HealthScoringConfig{
			Weights: HealthWeights{
				L1Hit:     40,
				L2Hit:     30,
				ErrorRate: 20,
				Promotion: 10,
			},
			Thresholds: HealthThresholds{
				L1HitRate:         0.7,
				L2HitRate:         0.5,
				SuccessRate:       0.95,
				PromotionRate:     0.3,
				CriticalErrorRate: 0.1,
				HealthyScore:      85,
				DegradedScore:     70,
				UnhealthyScore:    50,
			},
			RingSize: 10_000,
		},
		Fallback: FallbackConfig{
			Class:            "warm",
			MaxLookbackDays:  7,
			RepopulateOnlyIf: "fresh",
		},
		API: APIConfig{
			Enabled: true,
			Listen:  ":8080",
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				Listen:  ":9090",
				Path:    "/metrics",
			},
			Health: HealthConfig{
				Enabled:       true,
				Listen:        ":8081",
				LivenessPath:  "/healthz",
				ReadinessPath: "/readyz",
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
				Output: "stderr",
			},
		},
	}
}
