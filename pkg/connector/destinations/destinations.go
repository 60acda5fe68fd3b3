// Package destinations registers every destination connector. Import it for
// side effects.
package destinations

import (
	_ "github.com/ajitpratap0/nebula-connectors/pkg/connector/destinations/jsonl"
)
