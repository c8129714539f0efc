package orm_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SOG-web/reauth-sub000/internal/db/dbtest"
	"github.com/SOG-web/reauth-sub000/internal/db/models"
	"github.com/SOG-web/reauth-sub000/orm"
)

func newSession(subjectID, token string, expiresAt *time.Time) *models.Session {
	return &models.Session{
		ID:          uuid.NewString(),
		SubjectType: "user",
		SubjectID:   subjectID,
		Token:       token,
		ExpiresAt:   expiresAt,
		CreatedAt:   time.Now(),
	}
}

func TestBunORM_CreateAndFindFirst(t *testing.T) {
	o := orm.NewBun(dbtest.NewDB(t))
	ctx := context.Background()

	row := newSession("alice", "tok-1", nil)
	require.NoError(t, o.Create(ctx, row))

	var found models.Session
	err := o.FindFirst(ctx, &found, orm.Query{
		Where: func(b orm.B) orm.Pred { return b.Eq("token", "tok-1") },
	})
	require.NoError(t, err)
	assert.Equal(t, row.ID, found.ID)
	assert.Equal(t, "alice", found.SubjectID)
}

func TestBunORM_FindFirstNotFound(t *testing.T) {
	o := orm.NewBun(dbtest.NewDB(t))

	var found models.Session
	err := o.FindFirst(context.Background(), &found, orm.Query{
		Where: func(b orm.B) orm.Pred { return b.Eq("token", "missing") },
	})
	assert.ErrorIs(t, err, orm.ErrNotFound)
}

func TestBunORM_FindManyOrderAndLimit(t *testing.T) {
	o := orm.NewBun(dbtest.NewDB(t))
	ctx := context.Background()

	base := time.Now()
	for i := 0; i < 3; i++ {
		row := newSession("alice", uuid.NewString(), nil)
		row.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, o.Create(ctx, row))
	}
	require.NoError(t, o.Create(ctx, newSession("bob", uuid.NewString(), nil)))

	var rows []models.Session
	err := o.FindMany(ctx, &rows, orm.Query{
		Where: func(b orm.B) orm.Pred { return b.Eq("subject_id", "alice") },
		Order: []orm.Order{orm.Desc("created_at")},
		Limit: 2,
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.True(t, rows[0].CreatedAt.After(rows[1].CreatedAt))
}

func TestBunORM_PredicateTrees(t *testing.T) {
	o := orm.NewBun(dbtest.NewDB(t))
	ctx := context.Background()

	exp := time.Now().Add(time.Hour)
	require.NoError(t, o.Create(ctx, newSession("alice", "a-1", &exp)))
	require.NoError(t, o.Create(ctx, newSession("alice", "a-2", nil)))
	require.NoError(t, o.Create(ctx, newSession("bob", "b-1", nil)))

	t.Run("or group", func(t *testing.T) {
		n, err := o.Count(ctx, (*models.Session)(nil), func(b orm.B) orm.Pred {
			return b.Or(b.Eq("token", "a-1"), b.Eq("token", "b-1"))
		})
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})

	t.Run("and with null check", func(t *testing.T) {
		n, err := o.Count(ctx, (*models.Session)(nil), func(b orm.B) orm.Pred {
			return b.And(b.Eq("subject_id", "alice"), b.IsNull("expires_at"))
		})
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("not null", func(t *testing.T) {
		n, err := o.Count(ctx, (*models.Session)(nil), func(b orm.B) orm.Pred {
			return b.NotNull("expires_at")
		})
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("in", func(t *testing.T) {
		n, err := o.Count(ctx, (*models.Session)(nil), func(b orm.B) orm.Pred {
			return b.In("token", []any{"a-1", "a-2"})
		})
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})

	t.Run("in variadic", func(t *testing.T) {
		n, err := o.Count(ctx, (*models.Session)(nil), func(b orm.B) orm.Pred {
			return b.In("token", "a-1", "b-1")
		})
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})

	t.Run("in typed slice", func(t *testing.T) {
		n, err := o.Count(ctx, (*models.Session)(nil), func(b orm.B) orm.Pred {
			return b.In("subject_id", []string{"alice", "bob"})
		})
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	})

	t.Run("nested and inside or", func(t *testing.T) {
		n, err := o.Count(ctx, (*models.Session)(nil), func(b orm.B) orm.Pred {
			return b.Or(
				b.And(b.Eq("subject_id", "alice"), b.NotNull("expires_at")),
				b.Eq("subject_id", "bob"),
			)
		})
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})
}

func TestBunORM_UpdateMany(t *testing.T) {
	o := orm.NewBun(dbtest.NewDB(t))
	ctx := context.Background()

	require.NoError(t, o.Create(ctx, newSession("alice", "u-1", nil)))
	require.NoError(t, o.Create(ctx, newSession("alice", "u-2", nil)))

	n, err := o.UpdateMany(ctx, (*models.Session)(nil),
		map[string]any{"subject_type": "service"},
		func(b orm.B) orm.Pred { return b.Eq("subject_id", "alice") },
	)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	count, err := o.Count(ctx, (*models.Session)(nil), func(b orm.B) orm.Pred {
		return b.Eq("subject_type", "service")
	})
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestBunORM_DeleteMany(t *testing.T) {
	o := orm.NewBun(dbtest.NewDB(t))
	ctx := context.Background()

	require.NoError(t, o.Create(ctx, newSession("alice", "d-1", nil)))
	require.NoError(t, o.Create(ctx, newSession("bob", "d-2", nil)))

	n, err := o.DeleteMany(ctx, (*models.Session)(nil),
		func(b orm.B) orm.Pred { return b.Eq("subject_id", "alice") },
	)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	count, err := o.Count(ctx, (*models.Session)(nil), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestBunORM_Upsert(t *testing.T) {
	o := orm.NewBun(dbtest.NewDB(t))
	ctx := context.Background()

	now := time.Now()
	cred := &models.UserCredential{
		ID:           uuid.NewString(),
		SubjectID:    "subj-1",
		Email:        "alice@example.com",
		PasswordHash: "hash-1",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, o.Upsert(ctx, cred, []string{"email"}, []string{"password_hash", "updated_at"}))

	replacement := &models.UserCredential{
		ID:           uuid.NewString(),
		SubjectID:    "subj-2",
		Email:        "alice@example.com",
		PasswordHash: "hash-2",
		CreatedAt:    now,
		UpdatedAt:    now.Add(time.Minute),
	}
	require.NoError(t, o.Upsert(ctx, replacement, []string{"email"}, []string{"password_hash", "updated_at"}))

	var found models.UserCredential
	require.NoError(t, o.FindFirst(ctx, &found, orm.Query{
		Where: func(b orm.B) orm.Pred { return b.Eq("email", "alice@example.com") },
	}))
	assert.Equal(t, "hash-2", found.PasswordHash)

	n, err := o.Count(ctx, (*models.UserCredential)(nil), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
