package auth_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"cartaporte.app/internal/auth"
	"cartaporte.app/internal/store/memory"
)

func TestNormalizeRole(t *testing.T) {
	for in, want := range map[string]string{
		"admin":      auth.RoleAdmin,
		" Operator ": auth.RoleOperator,
		"VIEWER":     auth.RoleViewer,
	} {
		got, err := auth.NormalizeRole(in)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}

	_, err := auth.NormalizeRole("superuser")
	require.ErrorIs(t, err, auth.ErrUnknownRole)
	_, err = auth.NormalizeRole("")
	require.ErrorIs(t, err, auth.ErrUnknownRole)
}

func TestPrimaryRolePrecedence(t *testing.T) {
	require.Equal(t, auth.RoleAdmin, auth.PrimaryRole([]string{"viewer", "admin", "operator"}))
	require.Equal(t, auth.RoleOperator, auth.PrimaryRole([]string{"viewer", "operator"}))
	require.Equal(t, auth.RoleViewer, auth.PrimaryRole([]string{"viewer"}))
	require.Equal(t, auth.RoleViewer, auth.PrimaryRole([]string{"ghost-role", "viewer"}))
	require.Empty(t, auth.PrimaryRole(nil))
}

func TestEnsureMatrixIsIdempotentAndAdditive(t *testing.T) {
	ctx := context.Background()
	rbac := memory.NewStore().RBAC(ctx)

	require.NoError(t, auth.EnsureMatrix(ctx, rbac))
	admin, err := rbac.FindRoleByName(ctx, auth.RoleAdmin)
	require.NoError(t, err)

	// A manual grant outside the matrix survives re-ensuring.
	extra, err := rbac.EnsurePermission(ctx, "experimental:usar", "Función experimental")
	require.NoError(t, err)
	viewer, err := rbac.FindRoleByName(ctx, auth.RoleViewer)
	require.NoError(t, err)
	require.NoError(t, rbac.EnsureRolePermission(ctx, viewer.ID, extra.ID))

	require.NoError(t, auth.EnsureMatrix(ctx, rbac))

	// Role identity is stable across runs and the grant is intact.
	adminAgain, err := rbac.FindRoleByName(ctx, auth.RoleAdmin)
	require.NoError(t, err)
	require.Equal(t, admin.ID, adminAgain.ID)
	perms, err := rbac.PermissionsForRole(ctx, viewer.ID)
	require.NoError(t, err)
	require.Contains(t, perms, "experimental:usar")
}

func TestMatrixGrants(t *testing.T) {
	ctx := context.Background()
	rbac := memory.NewStore().RBAC(ctx)
	require.NoError(t, auth.EnsureMatrix(ctx, rbac))

	admin, err := rbac.FindRoleByName(ctx, auth.RoleAdmin)
	require.NoError(t, err)
	adminPerms, err := rbac.PermissionsForRole(ctx, admin.ID)
	require.NoError(t, err)
	require.Len(t, adminPerms, len(auth.PermissionCatalog))
	require.Contains(t, adminPerms, auth.PermUsuariosAdministrar)

	operator, err := rbac.FindRoleByName(ctx, auth.RoleOperator)
	require.NoError(t, err)
	opPerms, err := rbac.PermissionsForRole(ctx, operator.ID)
	require.NoError(t, err)
	require.Contains(t, opPerms, auth.PermEnviosCrear)
	require.NotContains(t, opPerms, auth.PermEnviosEliminar)
	require.NotContains(t, opPerms, auth.PermUsuariosAdministrar)

	viewer, err := rbac.FindRoleByName(ctx, auth.RoleViewer)
	require.NoError(t, err)
	viewerPerms, err := rbac.PermissionsForRole(ctx, viewer.ID)
	require.NoError(t, err)
	require.Contains(t, viewerPerms, auth.PermEnviosVer)
	require.NotContains(t, viewerPerms, auth.PermEnviosCrear)
}

func TestEffectivePermissionsUnion(t *testing.T) {
	ctx := context.Background()
	rbac := memory.NewStore().RBAC(ctx)
	require.NoError(t, auth.EnsureMatrix(ctx, rbac))

	operator, err := rbac.FindRoleByName(ctx, auth.RoleOperator)
	require.NoError(t, err)
	viewer, err := rbac.FindRoleByName(ctx, auth.RoleViewer)
	require.NoError(t, err)
	require.NoError(t, rbac.ReplaceUserRoles(ctx, "u1", []string{operator.ID, viewer.ID}))

	perms, err := auth.EffectivePermissions(ctx, rbac, "u1")
	require.NoError(t, err)
	require.Contains(t, perms, auth.PermEnviosCrear)
	require.Contains(t, perms, auth.PermTarifasVer)
	require.IsIncreasing(t, perms)
}
