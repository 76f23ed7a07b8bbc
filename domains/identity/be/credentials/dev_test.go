package credentials

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDevProviderLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := NewDevProvider()

	uid, err := p.Create(ctx, Input{Email: "Owner@Farm.test", Password: "longenough"})
	require.NoError(t, err)
	require.True(t, p.Registered("owner@farm.test"))

	_, err = p.Create(ctx, Input{Email: "owner@farm.test", Password: "longenough"})
	require.ErrorIs(t, err, ErrEmailExists)

	tenantID := "green-acres"
	require.NoError(t, p.SetClaims(ctx, uid, Claims{Roles: []string{"admin"}, TenantID: &tenantID}))
	claims, ok := p.ClaimsFor(uid)
	require.True(t, ok)
	require.Equal(t, []string{"admin"}, claims.Roles)

	require.NoError(t, p.Delete(ctx, uid))
	require.False(t, p.Registered("owner@farm.test"))
	_, ok = p.ClaimsFor(uid)
	require.False(t, ok)
}
