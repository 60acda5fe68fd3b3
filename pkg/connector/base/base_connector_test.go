package base

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/nebula-connectors/pkg/config"
	"github.com/ajitpratap0/nebula-connectors/pkg/connector/core"
	"github.com/ajitpratap0/nebula-connectors/pkg/errors"
)

func TestNewBaseConnector(t *testing.T) {
	cfg := config.NewSourceConfig("crm", "pipedrive")
	cfg.Incremental.StartDate = "2024-01-01"

	rc := core.NewRunContext(nil, nil)
	fixed := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	rc.Now = func() time.Time { return fixed }

	b, err := NewBaseConnector(cfg, rc, nil)
	require.NoError(t, err)
	defer b.Close()

	assert.Equal(t, "crm", b.Name())
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), b.StartDate(time.Time{}))
	assert.True(t, b.EndDate().IsZero())
	assert.Equal(t, fixed, b.EndOrNow())
	assert.Equal(t, core.Append, b.Disposition(core.Append))
	assert.NotNil(t, b.Client())
	assert.NoError(t, b.Close())
}

func TestBoundedRunMerges(t *testing.T) {
	cfg := config.NewSourceConfig("crm", "pipedrive")
	cfg.Incremental.StartDate = "2024-01-01"
	cfg.Incremental.EndDate = "2024-02-01"

	b, err := NewBaseConnector(cfg, core.NewRunContext(nil, nil), nil)
	require.NoError(t, err)
	assert.Equal(t, core.Merge, b.Disposition(core.Append))
	assert.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), b.EndOrNow())
}

func TestNewBaseConnectorRejectsBadConfig(t *testing.T) {
	_, err := NewBaseConnector(nil, nil, nil)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	cfg := config.NewSourceConfig("crm", "pipedrive")
	cfg.Incremental.StartDate = "yesterday"
	_, err = NewBaseConnector(cfg, nil, nil)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}
