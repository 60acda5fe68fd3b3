// Package sources registers every source connector. Import it for side
// effects.
package sources

import (
	_ "github.com/ajitpratap0/nebula-connectors/pkg/connector/sources/appstore"
	_ "github.com/ajitpratap0/nebula-connectors/pkg/connector/sources/github"
	_ "github.com/ajitpratap0/nebula-connectors/pkg/connector/sources/kafka"
	_ "github.com/ajitpratap0/nebula-connectors/pkg/connector/sources/klaviyo"
	_ "github.com/ajitpratap0/nebula-connectors/pkg/connector/sources/linkedin_ads"
	_ "github.com/ajitpratap0/nebula-connectors/pkg/connector/sources/mailchimp"
	_ "github.com/ajitpratap0/nebula-connectors/pkg/connector/sources/mixpanel"
	_ "github.com/ajitpratap0/nebula-connectors/pkg/connector/sources/pipedrive"
	_ "github.com/ajitpratap0/nebula-connectors/pkg/connector/sources/revenuecat"
	_ "github.com/ajitpratap0/nebula-connectors/pkg/connector/sources/slack"
)
