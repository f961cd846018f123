package config

import "testing"

func TestLoadFromEnvDefaults(t *testing.T) {
	t.Setenv("UPSCALED_MODELS_DIR", "")
	t.Setenv("UPSCALED_LOW_MEMORY_FLOOR_MB", "")

	cfg := LoadFromEnv()
	if cfg.Models.Dir != "./models" {
		t.Errorf("Models.Dir = %q, want ./models", cfg.Models.Dir)
	}
	if cfg.Runtime.LowMemoryFloorMB != 2048 {
		t.Errorf("LowMemoryFloorMB = %d, want 2048", cfg.Runtime.LowMemoryFloorMB)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("UPSCALED_MODELS_DIR", "/srv/models")
	t.Setenv("UPSCALED_LOW_MEMORY_FLOOR_MB", "4096")
	t.Setenv("UPSCALED_PREFER_NPU", "false")

	cfg := LoadFromEnv()
	if cfg.Models.Dir != "/srv/models" {
		t.Errorf("Models.Dir = %q, want /srv/models", cfg.Models.Dir)
	}
	if cfg.Runtime.LowMemoryFloorMB != 4096 {
		t.Errorf("LowMemoryFloorMB = %d, want 4096", cfg.Runtime.LowMemoryFloorMB)
	}
	if cfg.Runtime.PreferNPU {
		t.Error("PreferNPU = true, want false")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty models dir", func(c *Config) { c.Models.Dir = "" }},
		{"zero memory floor", func(c *Config) { c.Runtime.LowMemoryFloorMB = 0 }},
		{"bad compression", func(c *Config) { c.Output.Compression = "tight" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "chatty" }},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := LoadFromEnv()
			c.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected Validate to fail")
			}
		})
	}
}
