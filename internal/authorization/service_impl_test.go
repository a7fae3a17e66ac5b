package authorization

import (
	"context"
	"errors"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fakeRoles struct {
	roles map[string]string
}

func (f *fakeRoles) RoleOf(ctx context.Context, tenantID snowflake.ID, userID string) (string, error) {
	role, ok := f.roles[tenantID.String()+"|"+userID]
	if !ok {
		return "", ErrNoMembership
	}
	return role, nil
}

func newTestService(t *testing.T, roles map[string]string) Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	enforcer, err := NewEnforcer(db)
	require.NoError(t, err)
	return NewService(Params{
		Log:      zap.NewNop(),
		Enforcer: enforcer,
		Roles:    &fakeRoles{roles: roles},
	})
}

func TestAuthorizeRoles(t *testing.T) {
	node, _ := snowflake.NewNode(1)
	tenantID := node.Generate()
	svc := newTestService(t, map[string]string{
		tenantID.String() + "|owner-1":  "owner",
		tenantID.String() + "|member-1": "member",
	})
	ctx := context.Background()

	require.NoError(t, svc.Authorize(ctx, "user:owner-1", tenantID.String(), ObjectSubscription, ActionSubscriptionCancel))
	require.NoError(t, svc.Authorize(ctx, "user:member-1", tenantID.String(), ObjectUsage, ActionUsageView))

	err := svc.Authorize(ctx, "user:member-1", tenantID.String(), ObjectSubscription, ActionSubscriptionManage)
	require.ErrorIs(t, err, ErrForbidden)

	err = svc.Authorize(ctx, "user:stranger", tenantID.String(), ObjectUsage, ActionUsageView)
	require.ErrorIs(t, err, ErrForbidden)

	require.NoError(t, svc.Authorize(ctx, "system", tenantID.String(), ObjectSubscription, ActionSubscriptionExpire))
}

func TestAuthorizeRoleChangeReplacesGrouping(t *testing.T) {
	node, _ := snowflake.NewNode(1)
	tenantID := node.Generate()
	roles := map[string]string{tenantID.String() + "|u1": "owner"}
	svc := newTestService(t, roles)
	ctx := context.Background()

	require.NoError(t, svc.Authorize(ctx, "user:u1", tenantID.String(), ObjectSettings, ActionSettingsUpdate))

	roles[tenantID.String()+"|u1"] = "member"
	err := svc.Authorize(ctx, "user:u1", tenantID.String(), ObjectSettings, ActionSettingsUpdate)
	require.ErrorIs(t, err, ErrForbidden)
}

func TestAuthorizeValidatesInput(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	cases := []struct {
		name                          string
		actor, tenant, object, action string
		want                          error
	}{
		{"missing actor", "", "1", ObjectUsage, ActionUsageView, ErrInvalidActor},
		{"unknown actor kind", "robot:1", "1", ObjectUsage, ActionUsageView, ErrInvalidActor},
		{"missing tenant", "system", " ", ObjectUsage, ActionUsageView, ErrInvalidTenant},
		{"bad tenant for user", "user:u1", "abc", ObjectUsage, ActionUsageView, ErrInvalidTenant},
		{"missing object", "system", "1", "", ActionUsageView, ErrInvalidObject},
		{"missing action", "system", "1", ObjectUsage, "", ErrInvalidAction},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := svc.Authorize(ctx, tc.actor, tc.tenant, tc.object, tc.action)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}
