package db

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	t.Run("returns default configuration", func(t *testing.T) {
		config := DefaultConfig()

		assert.Equal(t, "localhost", config.Host)
		assert.Equal(t, 5432, config.Port)
		assert.Empty(t, config.Database)
		assert.Empty(t, config.Username)
		assert.Empty(t, config.Password)
		assert.Equal(t, "disable", config.SSLMode)
		assert.Equal(t, 4, config.MaxOpenConns)
		assert.Equal(t, 2, config.MaxIdleConns)
		assert.Equal(t, 5*time.Minute, config.ConnMaxLifetime)
		assert.Equal(t, 5*time.Minute, config.ConnMaxIdleTime)
	})
}

func TestConfigDSN(t *testing.T) {
	t.Run("builds key value dsn", func(t *testing.T) {
		config := DefaultConfig()
		config.Database = "freeip"
		config.Username = "freeip"
		config.Password = "secret"

		assert.Equal(t,
			"host=localhost port=5432 dbname=freeip user=freeip password=secret sslmode=disable",
			config.DSN())
	})

	t.Run("respects ssl mode", func(t *testing.T) {
		for _, mode := range []string{"disable", "require", "verify-ca", "verify-full"} {
			config := DefaultConfig()
			config.SSLMode = mode

			assert.Contains(t, config.DSN(), "sslmode="+mode)
		}
	})
}
