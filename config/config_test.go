package config

import (
	"testing"
	"time"
)

func validConfig() *Config {
	cfg := Default()
	cfg.SourceBackend = "s3"
	cfg.DestBackend = "azure"
	cfg.Region = "us-west-2"
	cfg.Buckets = []BucketMapping{{Src: "src-bucket", Dst: "dst-container"}}
	return cfg
}

func TestValidConfig(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config to pass validation, got: %v", err)
	}
}

func TestInvalidSourceBackend(t *testing.T) {
	for _, backend := range []string{"", "ftp", "S3", "FS"} {
		t.Run(backend, func(t *testing.T) {
			cfg := validConfig()
			cfg.SourceBackend = backend
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected error for invalid source backend: %q", backend)
			}
		})
	}
}

func TestValidSourceBackends(t *testing.T) {
	for _, backend := range []string{"s3", "azure", "fs"} {
		t.Run(backend, func(t *testing.T) {
			cfg := validConfig()
			cfg.SourceBackend = backend
			if backend == "fs" {
				cfg.SourceRoot = "/tmp/src"
			}
			if err := cfg.Validate(); err != nil {
				t.Errorf("expected valid source backend %q to pass, got: %v", backend, err)
			}
		})
	}
}

func TestFSBackendRequiresRoot(t *testing.T) {
	cfg := validConfig()
	cfg.SourceBackend = "fs"
	cfg.SourceRoot = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for missing fs source root")
	}

	cfg2 := validConfig()
	cfg2.DestBackend = "fs"
	cfg2.DestRoot = ""
	if err := cfg2.Validate(); err == nil {
		t.Error("expected error for missing fs dest root")
	}
}

func TestMissingBuckets(t *testing.T) {
	cfg := validConfig()
	cfg.Buckets = nil
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for missing bucket mappings")
	}
}

func TestBucketMappingMissingFields(t *testing.T) {
	testCases := []struct {
		name string
		m    BucketMapping
	}{
		{"missing src", BucketMapping{Dst: "dst"}},
		{"missing dst", BucketMapping{Src: "src"}},
		{"missing both", BucketMapping{}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Buckets = []BucketMapping{tc.m}
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected error for %s", tc.name)
			}
		})
	}
}

func TestInvalidNBThreads(t *testing.T) {
	for _, n := range []int{0, -1, -100} {
		t.Run("threads", func(t *testing.T) {
			cfg := validConfig()
			cfg.NBThreads = n
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected error for invalid nb threads: %d", n)
			}
		})
	}
}

func TestInvalidBlockSize(t *testing.T) {
	for _, n := range []int64{0, -1} {
		t.Run("blocksize", func(t *testing.T) {
			cfg := validConfig()
			cfg.BlockSize = n
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected error for invalid block size: %d", n)
			}
		})
	}
}

func TestInvalidRetryLimit(t *testing.T) {
	cfg := validConfig()
	cfg.RetryLimit = -1
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for negative retry limit")
	}
}

func TestZeroRetryLimitIsValid(t *testing.T) {
	cfg := validConfig()
	cfg.RetryLimit = 0
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected zero retry limit (no retries) to pass, got: %v", err)
	}
}

func TestInvalidDigestRefreshFrequency(t *testing.T) {
	for _, n := range []int{0, -1} {
		t.Run("refresh", func(t *testing.T) {
			cfg := validConfig()
			cfg.DigestRefreshFrequency = n
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected error for invalid digest refresh frequency: %d", n)
			}
		})
	}
}

func TestInvalidShutdownTimeout(t *testing.T) {
	for _, timeout := range []time.Duration{0, 500 * time.Millisecond, -time.Second} {
		t.Run("timeout", func(t *testing.T) {
			cfg := validConfig()
			cfg.ShutdownTimeout = timeout
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected error for invalid shutdown timeout: %v", timeout)
			}
		})
	}
}

func TestInvalidLoggingLevel(t *testing.T) {
	for _, level := range []string{"", "verbose", "TRACE"} {
		t.Run(level, func(t *testing.T) {
			cfg := validConfig()
			cfg.Logging.Level = level
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected error for invalid logging level: %q", level)
			}
		})
	}
}

func TestValidLoggingLevelsAreCaseInsensitive(t *testing.T) {
	for _, level := range []string{"debug", "INFO", "Warn", "error"} {
		t.Run(level, func(t *testing.T) {
			cfg := validConfig()
			cfg.Logging.Level = level
			if err := cfg.Validate(); err != nil {
				t.Errorf("expected valid logging level %q to pass, got: %v", level, err)
			}
		})
	}
}

func TestInvalidLoggingFormat(t *testing.T) {
	for _, format := range []string{"", "xml", "yaml"} {
		t.Run(format, func(t *testing.T) {
			cfg := validConfig()
			cfg.Logging.Format = format
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected error for invalid logging format: %q", format)
			}
		})
	}
}

func TestMetricsPortValidatedOnlyWhenEnabled(t *testing.T) {
	cfg := validConfig()
	cfg.Metrics.Enabled = false
	cfg.Metrics.Port = 0
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected disabled metrics to skip port validation, got: %v", err)
	}

	cfg.Metrics.Enabled = true
	cfg.Metrics.Port = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for invalid metrics port when enabled")
	}

	cfg.Metrics.Port = 9090
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid metrics port to pass, got: %v", err)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load("/nonexistent/path/cloudmig.yaml")
	if err != nil {
		t.Fatalf("expected missing config file to fall back to defaults, got: %v", err)
	}
	if cfg.NBThreads != Default().NBThreads {
		t.Errorf("expected default nb threads, got %d", cfg.NBThreads)
	}
}
