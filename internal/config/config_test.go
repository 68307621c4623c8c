package config

import (
	"errors"
	"testing"
	"time"
)

func TestValidateFillsDefaults(test *testing.T) {
	test.Parallel()
	cfg := Config{SessionSigningKey: "secret"}
	if err := cfg.Validate(); err != nil {
		test.Fatalf("validate: %v", err)
	}
	if cfg.HTTPListenAddr != ":8080" || cfg.LedgerBackend != LedgerBackendGorm || cfg.SocketSigningKey != "secret" {
		test.Fatalf("unexpected defaults %+v", cfg)
	}
	timings := cfg.Timings()
	if timings.ResponseTimeout != 5*time.Minute || timings.RingTimeout != 30*time.Second || timings.BillingUnit != time.Minute || timings.LowBalanceMultiplier != 3 || timings.DisconnectGrace != 2*time.Minute {
		test.Fatalf("unexpected timings %+v", timings)
	}
	if cfg.RedisEnabled() || cfg.PushEnabled() {
		test.Fatalf("redis and push must be off by default")
	}
}

func TestValidateRejects(test *testing.T) {
	test.Parallel()

	const (
		caseMissingKey  = "missing signing key"
		caseBadBackend  = "unknown ledger backend"
		casePGXOnSQLite = "pgx backend on sqlite"
		caseShortUnit   = "sub-second billing unit"
		caseNegativeDB  = "negative redis db"
	)

	testCases := []struct {
		name string
		cfg  Config
	}{
		{name: caseMissingKey, cfg: Config{}},
		{name: caseBadBackend, cfg: Config{SessionSigningKey: "k", LedgerBackend: "mongo"}},
		{name: casePGXOnSQLite, cfg: Config{SessionSigningKey: "k", LedgerBackend: "pgx"}},
		{name: caseShortUnit, cfg: Config{SessionSigningKey: "k", BillingUnit: 500 * time.Millisecond}},
		{name: caseNegativeDB, cfg: Config{SessionSigningKey: "k", RedisDB: -1}},
	}

	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			if err := testCase.cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
				test.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestParseList(test *testing.T) {
	test.Parallel()
	parsed := ParseList(" https://a.example , ,https://b.example")
	if len(parsed) != 2 || parsed[0] != "https://a.example" || parsed[1] != "https://b.example" {
		test.Fatalf("unexpected list %v", parsed)
	}
	if len(ParseList("  ")) != 0 {
		test.Fatalf("blank input must give an empty list")
	}
}
