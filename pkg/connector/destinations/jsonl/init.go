package jsonl

import (
	"github.com/ajitpratap0/nebula-connectors/pkg/config"
	"github.com/ajitpratap0/nebula-connectors/pkg/connector/core"
	"github.com/ajitpratap0/nebula-connectors/pkg/connector/registry"
)

func init() {
	registry.RegisterDestination("jsonl", "Line-delimited JSON files, one per table",
		func(cfg config.DestinationConfig) (core.Destination, error) {
			return New(cfg)
		})
}
