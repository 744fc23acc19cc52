package connection

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/chguard/testutil/mocks"
)

func TestGlobal_InitDefaultTeardown(t *testing.T) {
	t.Cleanup(func() { _ = Teardown(context.Background()) })
	require.Nil(t, Default())

	first := Init(testConfig(), mocks.NewMockDialer())
	require.NotNil(t, first)
	assert.Same(t, first, Default())

	other := testConfig()
	other.Host = "ch-replica"
	second := Init(other, mocks.NewMockDialer())
	assert.Same(t, first, second, "second Init returns the existing instance")
	assert.Equal(t, "localhost", second.Config().Host)

	require.NoError(t, Teardown(context.Background()))
	assert.Nil(t, Default())
	assert.Equal(t, StateDisconnected, first.State())

	assert.NoError(t, Teardown(context.Background()), "teardown without instance is a no-op")
}
