// Package config provides configuration for the connectors and the pipeline
// that drives them.
//
// A pipeline file lists one or more sources, the state store that keeps
// their cursors and the destination the records are written to:
//
//	name: marketing
//	state:
//	  driver: bolt
//	  path: ./state.db
//	destination:
//	  type: jsonl
//	  path: ./out
//	sources:
//	  - name: slack
//	    type: slack
//	    streams: [channels, messages]
//	    security:
//	      credentials:
//	        access_token: ${SLACK_TOKEN}
//	    incremental:
//	      start_date: 2024-01-01
//
// Values of the form ${VAR_NAME} are substituted from the environment before
// the YAML is parsed. Every source embeds BaseConfig, so page sizes, retry
// policy and rate limits are configured the same way for every connector.
package config
