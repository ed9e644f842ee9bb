package rbac

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGuestContext(t *testing.T) {
	resolver := testResolver(t)
	loader := NewContextLoader(resolver, newMemoryStore(), nil)

	for _, id := range []int64{0, 404} {
		ac, err := loader.Load(context.Background(), id)
		require.NoError(t, err)
		require.True(t, ac.IsGuest())
		require.Equal(t, RoleID("GUEST"), ac.Role())
		require.True(t, ac.HasPermission("dashboard.view"))
		require.False(t, ac.HasPermission("accounting.view"))
		require.False(t, ac.CanAccessProvince("JB"))
		ids, all := ac.AccessibleProvinces()
		require.False(t, all)
		require.Empty(t, ids)
	}
}

func TestLoaderPropagatesStoreErrors(t *testing.T) {
	resolver := testResolver(t)
	store := newMemoryStore(UserAccessRecord{UserID: 5, BaseRoleID: "SALES_STAFF"})
	loader := NewContextLoader(resolver, store, staticGeo{})

	_, err := loader.Load(context.Background(), 5)
	require.Error(t, err, "missing geography is an error, not a guest")
}

func TestHasRoleHierarchy(t *testing.T) {
	resolver := testResolver(t)
	province := NewAccessContext(resolver, UserAccessRecord{UserID: 1, BaseRoleID: "PROVINCE_MANAGER"}, GeoAssignment{})
	require.True(t, province.HasRole("BRANCH_MANAGER"))
	require.True(t, province.HasRole("EXECUTIVE", "SALES_STAFF"))
	require.False(t, province.HasRole("EXECUTIVE"))
	require.False(t, province.HasRole())

	staff := NewAccessContext(resolver, UserAccessRecord{UserID: 2, BaseRoleID: "SALES_STAFF"}, GeoAssignment{})
	require.True(t, staff.HasRole("SALES_STAFF"))
	require.False(t, staff.HasRole("SALES_MANAGER", "BRANCH_MANAGER"))

	admin := NewAccessContext(resolver, UserAccessRecord{UserID: 3, BaseRoleID: "SUPER_ADMIN"}, GeoAssignment{})
	require.True(t, admin.HasRole("HR_STAFF"))
}

func TestAccessContextGeography(t *testing.T) {
	resolver := testResolver(t)
	geo := GeoAssignment{
		HomeProvinceID:        "JB",
		HomeBranchID:          "BDG-01",
		AccessibleProvinceIDs: []string{"JT"},
		AccessibleBranchIDs:   []string{"BDG-02"},
	}

	branch := NewAccessContext(resolver, UserAccessRecord{UserID: 1, BaseRoleID: "ACCOUNTING_STAFF"}, geo)
	require.Equal(t, LevelBranch, branch.AccessLevel())
	require.True(t, branch.CanAccessProvince("JB"))
	require.False(t, branch.CanAccessProvince("JT"))
	require.True(t, branch.HasProvinceAccess("JT"), "assignment is independent of level")
	require.True(t, branch.CanAccessBranch(Branch{ID: "BDG-01", ProvinceID: "JB"}))
	require.True(t, branch.CanAccessBranch(Branch{ID: "BDG-02", ProvinceID: "JB"}))
	require.False(t, branch.CanAccessBranch(Branch{ID: "BDG-03", ProvinceID: "JB"}))
	require.False(t, branch.CanAccessBranch(Branch{ID: "BDG-02", ProvinceID: "JT"}))
	ids, all := branch.AccessibleProvinces()
	require.False(t, all)
	require.Equal(t, []string{"JB"}, ids)

	upgraded := NewAccessContext(resolver, UserAccessRecord{
		UserID:                  1,
		BaseRoleID:              "ACCOUNTING_STAFF",
		AdditionalPermissionIDs: []PermissionID{"PROVINCE_REPORTING"},
	}, geo)
	require.Equal(t, LevelProvince, upgraded.AccessLevel())
	require.True(t, upgraded.CanAccessProvince("JT"))
	require.False(t, upgraded.CanAccessProvince("BA"))
	require.True(t, upgraded.CanAccessBranch(Branch{ID: "SMG-09", ProvinceID: "JT"}))
	ids, all = upgraded.AccessibleProvinces()
	require.False(t, all)
	require.Equal(t, []string{"JB", "JT"}, ids)

	global := NewAccessContext(resolver, UserAccessRecord{UserID: 2, BaseRoleID: "EXECUTIVE"}, GeoAssignment{})
	require.True(t, global.CanAccessProvince("BA"))
	require.True(t, global.CanAccessBranch(Branch{ID: "DPS-01", ProvinceID: "BA"}))
	ids, all = global.AccessibleProvinces()
	require.True(t, all)
	require.Nil(t, ids)

	viaResolver := resolver.CanAccessBranch(UserAccessRecord{BaseRoleID: "ACCOUNTING_STAFF"}, geo, Branch{ID: "BDG-01", ProvinceID: "JB"})
	require.True(t, viaResolver)
}

func TestHasProvinceAccessIgnoresLevel(t *testing.T) {
	resolver := testResolver(t)

	global := NewAccessContext(resolver, UserAccessRecord{UserID: 3, BaseRoleID: "SUPER_ADMIN"}, GeoAssignment{})
	require.Equal(t, LevelGlobal, global.AccessLevel())
	require.True(t, global.CanAccessProvince("JB"))
	require.False(t, global.HasProvinceAccess("JB"))

	assigned := NewAccessContext(resolver, UserAccessRecord{UserID: 3, BaseRoleID: "SUPER_ADMIN"}, GeoAssignment{HomeProvinceID: "JB"})
	require.True(t, assigned.HasProvinceAccess("JB"))
	require.False(t, assigned.HasProvinceAccess(""))
}

func TestMiddlewareRequireAny(t *testing.T) {
	resolver := testResolver(t)
	store := newMemoryStore(
		UserAccessRecord{UserID: 1, BaseRoleID: "HR_MANAGER", AdditionalPermissionIDs: []PermissionID{"USER_MANAGEMENT"}},
		UserAccessRecord{UserID: 2, BaseRoleID: "SALES_STAFF"},
	)
	geo := staticGeo{1: {HomeProvinceID: "JB"}, 2: {HomeProvinceID: "JB"}}
	mw := Middleware{
		Loader: NewContextLoader(resolver, store, geo),
		UserID: func(r *http.Request) (int64, bool) {
			switch r.Header.Get("X-User") {
			case "1":
				return 1, true
			case "2":
				return 2, true
			case "3":
				return 3, true
			}
			return 0, false
		},
	}
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NotNil(t, AccessFromContext(r.Context()))
		w.WriteHeader(http.StatusNoContent)
	})
	handler := mw.RequireAny(" RBAC.VIEW ", "users.view")(ok)

	cases := map[string]int{"1": http.StatusNoContent, "2": http.StatusForbidden, "": http.StatusForbidden}
	for user, want := range cases {
		req := httptest.NewRequest(http.MethodGet, "/users", nil)
		req.Header.Set("X-User", user)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		require.Equal(t, want, rec.Code, "user %q", user)
	}

	roleHandler := mw.Attach(mw.RequireRole("HR_STAFF")(ok))
	req := httptest.NewRequest(http.MethodGet, "/hr", nil)
	req.Header.Set("X-User", "1")
	rec := httptest.NewRecorder()
	roleHandler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	allHandler := mw.RequireAll("users.view", "users.delete")(ok)
	req = httptest.NewRequest(http.MethodGet, "/users", nil)
	req.Header.Set("X-User", "1")
	rec = httptest.NewRecorder()
	allHandler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

type failingStore struct{ memoryStore }

func (f *failingStore) GetUserAccessRecord(ctx context.Context, userID int64) (UserAccessRecord, error) {
	return UserAccessRecord{}, errors.New("db down")
}

func TestMiddlewareLoadFailure(t *testing.T) {
	mw := Middleware{
		Loader: NewContextLoader(testResolver(t), &failingStore{}, nil),
		UserID: func(r *http.Request) (int64, bool) { return 1, true },
	}
	handler := mw.RequireAny("sales.view")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}
