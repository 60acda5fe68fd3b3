package linkedin_ads

import (
	"github.com/ajitpratap0/nebula-connectors/pkg/config"
	"github.com/ajitpratap0/nebula-connectors/pkg/connector/core"
	"github.com/ajitpratap0/nebula-connectors/pkg/connector/registry"
)

func init() {
	registry.RegisterSource("linkedin_ads", "LinkedIn Ads accounts, campaigns and daily analytics",
		func(cfg *config.SourceConfig, rc *core.RunContext) (core.Source, error) {
			return NewSource(cfg, rc)
		})
}
