package kafka

import (
	"github.com/ajitpratap0/nebula-connectors/pkg/config"
	"github.com/ajitpratap0/nebula-connectors/pkg/connector/core"
	"github.com/ajitpratap0/nebula-connectors/pkg/connector/registry"
)

func init() {
	registry.RegisterSource("kafka", "Bounded reads of Kafka topics with per-partition offsets",
		func(cfg *config.SourceConfig, rc *core.RunContext) (core.Source, error) {
			return NewSource(cfg, rc)
		})
}
