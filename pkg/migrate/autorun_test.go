package migrate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/angelmondragon/billing-reconciler/pkg/config"
)

func TestAutoRunOnlyInDevWithFlag(t *testing.T) {
	cases := map[string]struct {
		env  string
		flag bool
		want bool
	}{
		"dev with flag":    {env: config.AppEnvDev, flag: true, want: true},
		"DEV is dev":       {env: "DEV", flag: true, want: true},
		"dev without flag": {env: config.AppEnvDev},
		"prod with flag":   {env: config.AppEnvProd, flag: true},
	}
	for name, tc := range cases {
		cfg := &config.Config{
			App:          config.AppConfig{Env: tc.env},
			FeatureFlags: config.FeatureFlagsConfig{AutoMigrate: tc.flag},
		}
		assert.Equal(t, tc.want, autoRunEnabled(cfg), name)
	}
}

func TestMaybeRunDevSkipsWithoutTouchingDB(t *testing.T) {
	cfg := &config.Config{App: config.AppConfig{Env: config.AppEnvProd}}
	assert.NoError(t, MaybeRunDev(context.Background(), cfg, nil, nil))
}
