package auth

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Role catalog. DefaultRole is assigned when a user is created without an
// explicit role so every account carries at least one.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleViewer   = "viewer"

	DefaultRole = RoleOperator
)

// Permission catalog keys.
const (
	PermEnviosCrear    = "envios:crear"
	PermEnviosVer      = "envios:ver"
	PermEnviosEditar   = "envios:editar"
	PermEnviosEliminar = "envios:eliminar"

	PermTransportesCrear    = "transportes:crear"
	PermTransportesVer      = "transportes:ver"
	PermTransportesEditar   = "transportes:editar"
	PermTransportesEliminar = "transportes:eliminar"

	PermCatalogosVer    = "catalogos:ver"
	PermCatalogosEditar = "catalogos:editar"

	PermTarifasVer    = "tarifas:ver"
	PermTarifasEditar = "tarifas:editar"

	PermReportesVer         = "reportes:ver"
	PermUsuariosAdministrar = "usuarios:administrar"
	PermAuditoriaVer        = "auditoria:ver"
)

// PermissionCatalog is the full static permission set.
var PermissionCatalog = []Permission{
	{Key: PermEnviosCrear, Description: "Crear envíos"},
	{Key: PermEnviosVer, Description: "Ver envíos"},
	{Key: PermEnviosEditar, Description: "Editar envíos"},
	{Key: PermEnviosEliminar, Description: "Eliminar envíos"},
	{Key: PermTransportesCrear, Description: "Crear documentos de transporte"},
	{Key: PermTransportesVer, Description: "Ver documentos de transporte"},
	{Key: PermTransportesEditar, Description: "Editar documentos de transporte"},
	{Key: PermTransportesEliminar, Description: "Eliminar documentos de transporte"},
	{Key: PermCatalogosVer, Description: "Ver catálogos (países, ciudades, transportistas)"},
	{Key: PermCatalogosEditar, Description: "Editar catálogos"},
	{Key: PermTarifasVer, Description: "Ver tarifas y facturas"},
	{Key: PermTarifasEditar, Description: "Editar tarifas y facturas"},
	{Key: PermReportesVer, Description: "Ver reportes"},
	{Key: PermUsuariosAdministrar, Description: "Administrar usuarios"},
	{Key: PermAuditoriaVer, Description: "Ver bitácora de auditoría"},
}

// roleMatrix maps each role to its permission keys. The admin entry is
// derived from the catalog so new permissions land there automatically.
var roleMatrix = map[string][]string{
	RoleAdmin: allPermissionKeys(),
	RoleOperator: {
		PermEnviosCrear, PermEnviosVer, PermEnviosEditar,
		PermTransportesCrear, PermTransportesVer, PermTransportesEditar,
		PermCatalogosVer, PermTarifasVer, PermReportesVer,
	},
	RoleViewer: {
		PermEnviosVer, PermTransportesVer, PermCatalogosVer,
		PermTarifasVer, PermReportesVer,
	},
}

var roleDescriptions = map[string]string{
	RoleAdmin:    "Acceso completo al sistema",
	RoleOperator: "Captura y edición de envíos y documentos de transporte",
	RoleViewer:   "Acceso de sólo lectura",
}

// rolePrecedence orders roles for deriving a display role; lower is higher.
var rolePrecedence = map[string]int{
	RoleAdmin:    0,
	RoleOperator: 1,
	RoleViewer:   2,
}

func allPermissionKeys() []string {
	keys := make([]string, 0, len(PermissionCatalog))
	for _, p := range PermissionCatalog {
		keys = append(keys, p.Key)
	}
	return keys
}

// NormalizeRole canonicalizes a role name and rejects names outside the
// catalog.
func NormalizeRole(name string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if _, ok := roleMatrix[normalized]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, name)
	}
	return normalized, nil
}

// PrimaryRole derives the display role from a role set by precedence. It is
// a pure function of the set: there is no independently stored scalar to
// drift out of sync.
func PrimaryRole(roles []string) string {
	best := ""
	bestRank := len(rolePrecedence) + 1
	for _, r := range roles {
		rank, ok := rolePrecedence[strings.ToLower(strings.TrimSpace(r))]
		if !ok {
			continue
		}
		if rank < bestRank {
			bestRank = rank
			best = strings.ToLower(strings.TrimSpace(r))
		}
	}
	return best
}

var ensureOnce sync.Once

// EnsureMatrix idempotently synchronizes the catalog and matrix into the
// store: missing permissions, roles and links are inserted, extras are left
// alone so manual grants survive. Safe to call repeatedly.
func EnsureMatrix(ctx context.Context, store RBACStore) error {
	permIDs := make(map[string]string, len(PermissionCatalog))
	for _, p := range PermissionCatalog {
		created, err := store.EnsurePermission(ctx, p.Key, p.Description)
		if err != nil {
			return fmt.Errorf("ensure permission %s: %w", p.Key, err)
		}
		permIDs[p.Key] = created.ID
	}

	names := make([]string, 0, len(roleMatrix))
	for name := range roleMatrix {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		role, err := store.EnsureRole(ctx, name, roleDescriptions[name])
		if err != nil {
			return fmt.Errorf("ensure role %s: %w", name, err)
		}
		for _, key := range roleMatrix[name] {
			if err := store.EnsureRolePermission(ctx, role.ID, permIDs[key]); err != nil {
				return fmt.Errorf("ensure %s -> %s: %w", name, key, err)
			}
		}
	}
	return nil
}

// EnsureMatrixOnce memoizes EnsureMatrix for process lifetime. Startup calls
// this instead of re-ensuring on request paths.
func EnsureMatrixOnce(ctx context.Context, store RBACStore) error {
	var err error
	ensureOnce.Do(func() {
		err = EnsureMatrix(ctx, store)
	})
	return err
}

// EffectivePermissions resolves the union of permission keys across the
// user's assigned roles, sorted for stable token payloads.
func EffectivePermissions(ctx context.Context, store RBACStore, userID string) ([]string, error) {
	perms, err := store.PermissionsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		set[p] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}
