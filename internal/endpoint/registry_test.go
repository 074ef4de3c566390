package endpoint

import (
	"errors"
	"testing"

	"courier/internal/config"
	"courier/internal/region"

	"github.com/stretchr/testify/require"
)

func TestRegistryResolve(t *testing.T) {
	t.Parallel()

	r, err := New([]config.EndpointConfig{
		{ID: "b", X: 0, Y: 0, Width: 300, Height: 200},
		{ID: "a", X: 300, Y: 0, Width: 300, Height: 200},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"b", "a"}, r.IDs())
	require.Equal(t, 2, r.Len())

	ep, err := r.Resolve("a")
	require.NoError(t, err)
	require.Equal(t, region.Point{X: 300, Y: 0}, ep.Anchor)
	require.Equal(t, 300+300-region.ResetWidth, ep.Regions.Reset.X)

	_, err = r.Resolve("nope")
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestRegistryRejectsBadEntries(t *testing.T) {
	t.Parallel()

	_, err := New([]config.EndpointConfig{{ID: "a", Width: 10, Height: 10}})
	var ge *region.InvalidGeometryError
	require.True(t, errors.As(err, &ge))

	_, err = New([]config.EndpointConfig{
		{ID: "a", Width: 300, Height: 200},
		{ID: "a", Width: 300, Height: 200},
	})
	require.ErrorContains(t, err, "registered twice")
}
