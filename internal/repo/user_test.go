package repo

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/sgurov/authsvc/internal/models"
)

func newTestRepo(t *testing.T) *UserRepo {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to connect to in-memory db: %v", err)
	}
	if err := db.AutoMigrate(&models.User{}); err != nil {
		t.Fatalf("failed to migrate tables: %v", err)
	}

	return &UserRepo{DB: db}
}

func TestCreateReturnsAuthoritativeFields(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	user, err := r.Create(ctx, "alice", "pw-hash", "totp-secret")
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, user.ID)
	require.Equal(t, "alice", user.Username)
	require.False(t, user.CreatedAt.IsZero())
	require.False(t, user.UpdatedAt.IsZero())
}

func TestCreateDuplicateUsername(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	_, err := r.Create(ctx, "alice", "hash1", "secret1")
	require.NoError(t, err)

	_, err = r.Create(ctx, "alice", "hash2", "secret2")
	require.ErrorIs(t, err, ErrUserExists)
}

func TestFindByUsernameCaseInsensitive(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	created, err := r.Create(ctx, "Alice", "pw-hash", "totp-secret")
	require.NoError(t, err)

	for _, name := range []string{"Alice", "alice", "ALICE"} {
		user, err := r.FindByUsername(ctx, name)
		require.NoError(t, err, "lookup %q", name)
		require.Equal(t, created.ID, user.ID)
	}

	_, err = r.FindByUsername(ctx, "bob")
	require.ErrorIs(t, err, ErrUserNotFound)
}

func TestFindByID(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	created, err := r.Create(ctx, "alice", "pw-hash", "totp-secret")
	require.NoError(t, err)

	user, err := r.FindByID(ctx, created.ID.String())
	require.NoError(t, err)
	require.Equal(t, "alice", user.Username)

	_, err = r.FindByID(ctx, uuid.NewString())
	require.ErrorIs(t, err, ErrUserNotFound)

	_, err = r.FindByID(ctx, "not-a-uuid")
	require.ErrorIs(t, err, ErrUserNotFound)
}
