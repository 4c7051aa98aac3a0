package module_test

import (
	"context"
	"testing"

	"github.com/opx-labs/opx/internal/module"
	opxerrors "github.com/opx-labs/opx/pkg/opx/v1/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubHandler struct{}

func (stubHandler) Execute(_ context.Context, _ string, params map[string]interface{}) (map[string]interface{}, error) {
	return params, nil
}

func TestStaticRegistry_RegisterAndGet(t *testing.T) {
	reg := module.NewStaticRegistry()
	require.NoError(t, reg.Register("browser", stubHandler{}))

	h, err := reg.Get("browser")
	require.NoError(t, err)
	assert.NotNil(t, h)
}

func TestStaticRegistry_GetUnknownNamespace(t *testing.T) {
	reg := module.NewStaticRegistry()

	_, err := reg.Get("desktop")
	require.Error(t, err)
	var notFound *opxerrors.HandlerNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Contains(t, err.Error(), "desktop")
}

func TestStaticRegistry_RejectsInvalidRegistrations(t *testing.T) {
	reg := module.NewStaticRegistry()

	assert.Error(t, reg.Register("", stubHandler{}))
	assert.Error(t, reg.Register("browser", nil))

	require.NoError(t, reg.Register("browser", stubHandler{}))
	assert.Error(t, reg.Register("browser", stubHandler{}), "duplicate namespace must be rejected")
}

func TestStaticRegistry_List(t *testing.T) {
	reg := module.NewStaticRegistry()
	require.NoError(t, reg.Register("browser", stubHandler{}))
	require.NoError(t, reg.Register("utility", stubHandler{}))

	names := reg.List()
	assert.ElementsMatch(t, []string{"browser", "utility"}, names)
}
