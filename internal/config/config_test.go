package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const validSecret = "0123456789abcdef0123456789abcdef"

func TestParseDefaults(t *testing.T) {
	t.Setenv("CONSORTIUM_MASTER_SECRET", validSecret)

	cfg, err := Parse()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, "./consortium.db", cfg.DatabaseURL)
	require.Equal(t, "sqlite", cfg.DBDriver)
	require.Equal(t, 3005, cfg.Port)
	require.Equal(t, "info", cfg.LogLevel)
}

func TestParseOverrides(t *testing.T) {
	t.Setenv("CONSORTIUM_MASTER_SECRET", validSecret)
	t.Setenv("DATABASE_URL", "postgres://localhost/consortium")
	t.Setenv("DB_DRIVER", "postgres")
	t.Setenv("PORT", "8080")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Parse()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, "postgres://localhost/consortium", cfg.DatabaseURL)
	require.Equal(t, "postgres", cfg.DBDriver)
	require.Equal(t, 8080, cfg.Port)
	require.Equal(t, "debug", cfg.LogLevel)
}

func TestValidateRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"short master secret", Config{MasterSecret: "short", DBDriver: "sqlite", Port: 3005}},
		{"unknown driver", Config{MasterSecret: validSecret, DBDriver: "oracle", Port: 3005}},
		{"zero port", Config{MasterSecret: validSecret, DBDriver: "sqlite", Port: 0}},
		{"port out of range", Config{MasterSecret: validSecret, DBDriver: "sqlite", Port: 70000}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Error(t, tt.cfg.Validate())
		})
	}
}
