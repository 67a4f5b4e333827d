package config_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolscribe/toolscribe/pkg/config"
)

func TestLoad_AppliesDefaultsWithNoEnvFile(t *testing.T) {
	cfg, err := config.Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, ":8787", cfg.HTTPAddr)
	assert.Equal(t, "./toolscribe.db", cfg.StorePath)
	assert.Equal(t, 100, cfg.CleanupKeepLast)
	assert.Equal(t, 8, cfg.ReadDBConns)
	assert.False(t, cfg.VectorSyncEnabled())
}

func TestLoad_ReadsDotEnvFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(dir+"/.env", []byte("TOOLSCRIBE_HTTP_ADDR=:9999\nTOOLSCRIBE_VECTOR_HOST=localhost\n"), 0o644))

	cfg, err := config.Load(dir)
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.HTTPAddr)
	assert.True(t, cfg.VectorSyncEnabled())
}

func TestValidate_RejectsZeroVectorDimensionWhenEnabled(t *testing.T) {
	cfg := config.Config{
		StorePath:       "./x.db",
		AnalyzerPath:    "./analyzer",
		ReadDBConns:     1,
		VectorHost:      "localhost",
		VectorDimension: 0,
	}
	err := cfg.Validate()
	assert.Error(t, err)
}

func TestValidate_RejectsEmptyStorePath(t *testing.T) {
	cfg := config.Config{AnalyzerPath: "./analyzer", ReadDBConns: 1}
	err := cfg.Validate()
	assert.Error(t, err)
}
