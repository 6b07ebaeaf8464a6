package pgmosaic

import (
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	cfg.setDefaults()

	assert.Equal(t, ResolutionAverageApprox, cfg.Policy)
	assert.Equal(t, OutDbServerSide, cfg.OutDb)
	assert.Equal(t, DefaultMinFetchPixels, cfg.MinFetchPixels)
	assert.Equal(t, int64(DefaultCacheBudget), cfg.CacheBudget)
	assert.NotNil(t, cfg.Logger)
	assert.NoError(t, cfg.Validate())
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"zero value", Config{}, true},
		{"user policy with scales", Config{Policy: ResolutionUser, UserScaleX: 1, UserScaleY: -1}, true},
		{"user policy without scales", Config{Policy: ResolutionUser}, false},
		{"user policy negative x", Config{Policy: ResolutionUser, UserScaleX: -1, UserScaleY: -1}, false},
		{"unknown policy", Config{Policy: "median"}, false},
		{"unknown outdb mode", Config{OutDb: "sometimes"}, false},
		{"negative fetch floor", Config{MinFetchPixels: -1}, false},
		{"negative cache budget", Config{CacheBudget: -1}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := c.cfg.Validate()
			if c.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	body := `resolution_policy: highest
outdb_resolution: auto
single_mosaic: true
min_fetch_pixels: 4096
cache_budget: 1048576
memcached:
  - 127.0.0.1:11211
`
	path := filepath.Join(t.TempDir(), "mosaic.yaml")
	require.NoError(t, ioutil.WriteFile(path, []byte(body), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ResolutionHighest, cfg.Policy)
	assert.Equal(t, OutDbAuto, cfg.OutDb)
	assert.True(t, cfg.SingleMosaic)
	assert.Equal(t, 4096, cfg.MinFetchPixels)
	assert.Equal(t, int64(1048576), cfg.CacheBudget)
	assert.Equal(t, []string{"127.0.0.1:11211"}, cfg.Memcached)
	assert.NotNil(t, cfg.Logger)
}

func TestLoadConfigRejectsBadPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mosaic.yaml")
	require.NoError(t, ioutil.WriteFile(path, []byte("resolution_policy: median\n"), 0644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
