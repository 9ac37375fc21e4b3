package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	commonconfig "github.com/armadaproject/jobadmit/internal/common/config"
)

type testConfig struct {
	Name     string        `validate:"required"`
	Interval time.Duration `validate:"gt=0"`
	Tags     []string
}

func (c testConfig) Validate() error {
	return commonconfig.Validate(c)
}

func writeFile(t *testing.T, dir, name, contents string) string {
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadConfigMergesOverridesAndEnv(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "config.yaml", "name: base\ninterval: 5s\ntags: a,b\n")
	override := writeFile(t, t.TempDir(), "override.yaml", "interval: 1m\n")
	t.Setenv("JOBADMIT_NAME", "from-env")

	var config testConfig
	_, err := LoadConfig(&config, dir, []string{override})
	require.NoError(t, err)
	assert.Equal(t, "from-env", config.Name)
	assert.Equal(t, time.Minute, config.Interval)
	assert.Equal(t, []string{"a", "b"}, config.Tags)
}

func TestLoadConfigValidates(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "config.yaml", "name: base\ninterval: 0s\n")

	var config testConfig
	_, err := LoadConfig(&config, dir, nil)
	assert.Error(t, err)
}

func TestLoadConfigMissingFile(t *testing.T) {
	var config testConfig
	_, err := LoadConfig(&config, t.TempDir(), nil)
	assert.Error(t, err)
}
