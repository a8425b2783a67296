package echoapi_test

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	echoapi "github.com/trezcool/academia/apps/api/echo"
	"github.com/trezcool/academia/core/user"
	"github.com/trezcool/academia/tests"
)

func TestHome(t *testing.T) {
	f := setup(t)
	rec := f.do(http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Welcome to Academia API!", rec.Body.String())
}

func Test_userApi_login(t *testing.T) {
	f := setup(t)
	testutil.CreateUser(t, f.usrRepo, "Gone", "gone", "gone@test.co", password, []string{user.RoleStudent}, false)

	login := func(uname, pwd string) []byte {
		return marchallObj(t, echoapi.LoginRequest{Username: uname, Password: pwd})
	}

	tests := []httpTest{
		{name: "wrong password", body: login("ana", "nope"), wantCode: http.StatusBadRequest, wantData: marchallObj(t, httpErr{Error: "authentication failed"})},
		{name: "unknown user", body: login("nobody", password), wantCode: http.StatusBadRequest, wantData: marchallObj(t, httpErr{Error: "authentication failed"})},
		{name: "deactivated", body: login("gone", password), wantCode: http.StatusForbidden, wantData: marchallObj(t, httpErr{Error: "account deactivated"})},
		{
			name: "missing fields", body: login("", ""), wantCode: http.StatusBadRequest,
			wantData: marchallObj(t, map[string]string{"username": "this field is required", "password": "this field is required"}),
		},
		{name: "by username", body: login(" ANA ", password), wantCode: http.StatusOK},
		{name: "by email", body: login("ana@test.co", password), wantCode: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(http.MethodPost, "/v1/users/login", "", tt.body)
			checkCodeAndData(t, tt, rec)

			if tt.wantCode == http.StatusOK {
				var resp echoapi.LoginResponse
				decode(t, rec, &resp)
				assert.NotEmpty(t, resp.Token)

				// the token authenticates the user
				rec = f.do(http.MethodPost, "/v1/users/token-refresh", resp.Token)
				assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			}
		})
	}

	usr, err := f.usrRepo.GetUserByID(context.Background(), f.student.ID)
	require.NoError(t, err)
	assert.NotNil(t, usr.LastLogin)
}

func Test_userApi_refreshToken(t *testing.T) {
	f := setup(t)

	tests := []httpTest{
		{name: "Auth required", wantCode: http.StatusUnauthorized, wantData: marchallObj(t, errMissingToken)},
		{name: "invalid token", token: "not-a-jwt", wantCode: http.StatusUnauthorized},
		{name: "refreshed", token: getToken(t, f.student), wantCode: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(http.MethodPost, "/v1/users/token-refresh", tt.token)
			checkCodeAndData(t, tt, rec)
		})
	}
}

func Test_userApi_create(t *testing.T) {
	f := setup(t)
	ownerToken := getToken(t, f.owner)

	newUser := func(uname string, roles ...string) []byte {
		return marchallObj(t, user.NewUser{
			Name:            "Carla Díaz",
			Username:        uname,
			Email:           uname + "@test.co",
			Password:        password,
			PasswordConfirm: password,
			Roles:           roles,
		})
	}

	tests := []httpTest{
		{name: "Auth required", body: newUser("carla"), wantCode: http.StatusUnauthorized, wantData: marchallObj(t, errMissingToken)},
		{
			name: "Admin required", body: newUser("carla"), token: getToken(t, f.student), wantCode: http.StatusForbidden,
			wantData: marchallObj(t, httpErr{Error: "permission denied"}),
		},
		{
			name: "role above own", body: newUser("carla", user.RoleAdminOwner), token: getToken(t, f.bursar), wantCode: http.StatusBadRequest,
			wantData: marchallObj(t, map[string]string{"roles": "not enough rights to set these roles"}),
		},
		{
			name: "username taken", body: newUser("ana"), token: ownerToken, wantCode: http.StatusBadRequest,
			wantData: marchallObj(t, map[string]string{"username": user.ErrUsernameExists.Error()}),
		},
		{name: "created", body: newUser("carla", user.RoleStudent), token: ownerToken, wantCode: http.StatusCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(http.MethodPost, "/v1/users", tt.token, tt.body)
			checkCodeAndData(t, tt, rec)

			if tt.wantCode == http.StatusCreated {
				var usr user.User
				decode(t, rec, &usr)
				assert.Equal(t, "carla", usr.Username)
				assert.Equal(t, []string{user.RoleStudent}, usr.Roles)
				assert.True(t, usr.Active())
			}
		})
	}
}

func Test_userApi_queryAndRetrieve(t *testing.T) {
	f := setup(t)
	ownerToken := getToken(t, f.owner)

	t.Run("search", func(t *testing.T) {
		rec := f.do(http.MethodGet, "/v1/users?search=B&role=admin:bursar", ownerToken)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var users []user.User
		decode(t, rec, &users)
		require.Len(t, users, 1)
		assert.Equal(t, f.bursar.ID, users[0].ID)
	})

	t.Run("invalid is_active", func(t *testing.T) {
		rec := f.do(http.MethodGet, "/v1/users?is_active=maybe", ownerToken)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	tests := []httpTest{
		{name: "own profile", path: "/v1/users/" + f.student.ID, token: getToken(t, f.student), wantCode: http.StatusOK},
		{name: "other profile", path: "/v1/users/" + f.other.ID, token: getToken(t, f.student), wantCode: http.StatusNotFound},
		{name: "admin", path: "/v1/users/" + f.other.ID, token: ownerToken, wantCode: http.StatusOK},
		{name: "unknown", path: "/v1/users/unknown", token: ownerToken, wantCode: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(http.MethodGet, tt.path, tt.token)
			checkCodeAndData(t, tt, rec)
		})
	}
}
