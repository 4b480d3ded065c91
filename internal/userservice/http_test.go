package userservice

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/nbittich/v3/domain"
	"github.com/nbittich/v3/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserRoutes(t *testing.T) {
	svc, _, users := newService(t)
	user := domain.NewUser("nordine", "pw", domain.Profile{EmailAddress: "nordine@example.org"}, domain.DefaultUserRole)
	_, err := users.InsertOne(context.Background(), user)
	require.NoError(t, err)

	router := chi.NewRouter()
	svc.Routes(router)

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	t.Run("get user", func(t *testing.T) {
		rec := get("/users/" + user.ID.String())
		require.Equal(t, http.StatusOK, rec.Code)

		var got domain.User
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, user.ID, got.ID)
		assert.Equal(t, "nordine@example.org", got.Profile.EmailAddress)
	})

	t.Run("unknown user", func(t *testing.T) {
		rec := get("/users/nope")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("list users", func(t *testing.T) {
		rec := get("/users?page=1&limit=5&role=USER")
		require.Equal(t, http.StatusOK, rec.Code)

		var page store.PageResult[domain.User]
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
		assert.Len(t, page.Items, 1)
		assert.Equal(t, int64(1), page.Total)
		assert.Equal(t, int64(5), page.Limit)
	})

	t.Run("page past the end is empty", func(t *testing.T) {
		rec := get("/users?page=3")
		require.Equal(t, http.StatusOK, rec.Code)

		var page store.PageResult[domain.User]
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
		assert.Empty(t, page.Items)
		assert.Equal(t, int64(3), page.Page)
	})

	t.Run("limit is capped", func(t *testing.T) {
		rec := get("/users?page=9223372036854775807&limit=9223372036854775807")
		require.Equal(t, http.StatusOK, rec.Code)

		var page store.PageResult[domain.User]
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
		assert.Empty(t, page.Items)
		assert.Equal(t, int64(maxPageLimit), page.Limit)
	})

	t.Run("role without users is empty", func(t *testing.T) {
		rec := get("/users?role=ADMIN")
		require.Equal(t, http.StatusOK, rec.Code)

		var page store.PageResult[domain.User]
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
		assert.Empty(t, page.Items)
		assert.Zero(t, page.Total)
	})

	t.Run("invalid paging", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, get("/users?page=abc").Code)
		assert.Equal(t, http.StatusBadRequest, get("/users?limit=0").Code)
	})
}
