package directory

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-directory/internal/auth"
)

func newTestCache(t *testing.T, ttl time.Duration) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCache(client, ttl, slog.New(slog.NewTextHandler(io.Discard, nil))), mr
}

func TestCacheFetchStoresAndServes(t *testing.T) {
	cache, mr := newTestCache(t, time.Minute)
	id := uuid.Must(uuid.NewV7())
	loads := 0
	load := func(context.Context) (Principal, error) {
		loads++
		return Principal{ID: id, Name: "Cached", Status: StatusActive}, nil
	}

	first, err := cache.Fetch(context.Background(), id, load)
	require.NoError(t, err)
	second, err := cache.Fetch(context.Background(), id, load)
	require.NoError(t, err)

	assert.Equal(t, 1, loads)
	assert.Equal(t, first.Name, second.Name)
	assert.True(t, mr.Exists(cacheKey(id)))
	assert.Equal(t, time.Minute, mr.TTL(cacheKey(id)))

	cache.Invalidate(context.Background(), id)
	assert.False(t, mr.Exists(cacheKey(id)))
}

func TestCacheDoesNotStoreFailures(t *testing.T) {
	cache, mr := newTestCache(t, time.Minute)
	id := uuid.Must(uuid.NewV7())
	boom := errors.New("boom")

	_, err := cache.Fetch(context.Background(), id, func(context.Context) (Principal, error) {
		return Principal{}, boom
	})
	require.ErrorIs(t, err, boom)
	assert.False(t, mr.Exists(cacheKey(id)))
}

func TestCacheDisabledAndNil(t *testing.T) {
	cache, mr := newTestCache(t, 0)
	id := uuid.Must(uuid.NewV7())
	load := func(context.Context) (Principal, error) { return Principal{ID: id}, nil }

	_, err := cache.Fetch(context.Background(), id, load)
	require.NoError(t, err)
	assert.False(t, mr.Exists(cacheKey(id)))

	var none *Cache
	p, err := none.Fetch(context.Background(), id, load)
	require.NoError(t, err)
	assert.Equal(t, id, p.ID)
	none.Invalidate(context.Background(), id)
}

func TestCacheFallsBackWhenRedisIsDown(t *testing.T) {
	cache, mr := newTestCache(t, time.Minute)
	mr.Close()
	id := uuid.Must(uuid.NewV7())

	p, err := cache.Fetch(context.Background(), id, func(context.Context) (Principal, error) {
		return Principal{ID: id, Name: "Store"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Store", p.Name)
	cache.Invalidate(context.Background(), id)
}

func TestServiceInvalidatesOnWrite(t *testing.T) {
	svc, _ := newTestService(t)
	cache, mr := newTestCache(t, time.Minute)
	svc.SetCache(cache)

	p := mustCreate(t, svc, input("Ada", "ada@example.com"))
	_, err := svc.Get(context.Background(), p.ID.String())
	require.NoError(t, err)
	require.True(t, mr.Exists(cacheKey(p.ID)))

	updated, err := svc.Update(context.Background(), p.ID.String(), Patch{Name: ptr("Ada L")})
	require.NoError(t, err)
	assert.False(t, mr.Exists(cacheKey(p.ID)))

	got, err := svc.Get(context.Background(), p.ID.String())
	require.NoError(t, err)
	assert.Equal(t, updated.Name, got.Name)

	require.NoError(t, svc.Delete(context.Background(), p.ID.String()))
	assert.False(t, mr.Exists(cacheKey(p.ID)))
	_, err = svc.Get(context.Background(), p.ID.String())
	require.Error(t, err)
}

func TestCacheSkipsEntryInvalidatedDuringLoad(t *testing.T) {
	cache, mr := newTestCache(t, time.Minute)
	id := uuid.Must(uuid.NewV7())

	stale, err := cache.Fetch(context.Background(), id, func(ctx context.Context) (Principal, error) {
		cache.Invalidate(ctx, id)
		return Principal{ID: id, Name: "Before update"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Before update", stale.Name)
	assert.False(t, mr.Exists(cacheKey(id)))

	fresh, err := cache.Fetch(context.Background(), id, func(context.Context) (Principal, error) {
		return Principal{ID: id, Name: "After update"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "After update", fresh.Name)
	assert.True(t, mr.Exists(cacheKey(id)))
}

func TestCacheLoadSurvivesFirstCallerCancel(t *testing.T) {
	cache, mr := newTestCache(t, time.Minute)
	id := uuid.Must(uuid.NewV7())
	started := make(chan struct{})
	release := make(chan struct{})
	var loadErr atomic.Value

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := cache.Fetch(ctx, id, func(ctx context.Context) (Principal, error) {
			close(started)
			<-release
			if err := ctx.Err(); err != nil {
				loadErr.Store(err)
				return Principal{}, err
			}
			return Principal{ID: id, Name: "Shared"}, nil
		})
		done <- err
	}()

	<-started
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	close(release)

	require.Eventually(t, func() bool { return mr.Exists(cacheKey(id)) }, time.Second, 10*time.Millisecond)
	assert.Nil(t, loadErr.Load())
}

// pausingRepo blocks the first armed GetPrincipal after it has read the row.
type pausingRepo struct {
	*memoryRepo
	armed   atomic.Bool
	read    chan struct{}
	release chan struct{}
}

func (r *pausingRepo) GetPrincipal(ctx context.Context, id uuid.UUID) (Principal, error) {
	p, err := r.memoryRepo.GetPrincipal(ctx, id)
	if r.armed.CompareAndSwap(true, false) {
		close(r.read)
		<-r.release
	}
	return p, err
}

func TestGrantsForDropsGrantsRevokedDuringLoad(t *testing.T) {
	ctx := context.Background()
	hasher := auth.NewHasher(4)
	repo := &pausingRepo{memoryRepo: newMemoryRepo(hasher), read: make(chan struct{}), release: make(chan struct{})}
	svc := NewService(repo, hasher, slog.New(slog.NewTextHandler(io.Discard, nil)), Options{})
	cache, _ := newTestCache(t, time.Minute)
	svc.SetCache(cache)

	in := input("Ada", "ada@example.com")
	in.GrantedPermissions = []string{"users"}
	p := mustCreate(t, svc, in)
	repo.armed.Store(true)

	done := make(chan error, 1)
	go func() {
		_, err := svc.GrantsFor(ctx, p.ID)
		done <- err
	}()
	<-repo.read
	_, err := svc.Update(ctx, p.ID.String(), Patch{GrantedPermissions: []string{}})
	require.NoError(t, err)
	close(repo.release)
	require.NoError(t, <-done)

	grants, err := svc.GrantsFor(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, grants.List())
}
