package cookies

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/handover/internal/models"
)

type memoryCookieStorage struct {
	jars map[string]*models.SessionCookieJar
}

func (m *memoryCookieStorage) GetCookieJar(ctx context.Context, account string) (*models.SessionCookieJar, error) {
	jar, ok := m.jars[account]
	if !ok {
		return nil, fmt.Errorf("jar %s: %w", account, models.ErrNotFound)
	}
	return jar, nil
}

func (m *memoryCookieStorage) SaveCookieJar(ctx context.Context, jar *models.SessionCookieJar) error {
	m.jars[jar.Account] = jar
	return nil
}

func (m *memoryCookieStorage) DeleteCookieJar(ctx context.Context, account string) error {
	delete(m.jars, account)
	return nil
}

type mockInjector struct {
	mock.Mock
}

func (m *mockInjector) SetCookies(ctx context.Context, cookies []models.SessionCookie) error {
	args := m.Called(ctx, cookies)
	return args.Error(0)
}

func capturedCookies() []models.SessionCookie {
	return []models.SessionCookie{
		{Name: "SID", Value: "1", Domain: ".google.com", Path: "/", Expires: 1767225600},
		{Name: "OSID", Value: "2", Domain: "mail.google.com", Path: "/", Expires: 1767225600, Secure: true},
		{Name: "__Host-GMAIL_SCH", Value: "3", Domain: "mail.google.com", Path: "/"},
		{Name: "tracker", Value: "4", Domain: ".doubleclick.net", Path: "/"},
		{Name: "evil", Value: "5", Domain: "google.com.attacker.io", Path: "/"},
		{Name: "NID", Value: "6", Domain: "google.com"},
	}
}

func TestFilterForDomain_OnlyMatchingAndNoExpiry(t *testing.T) {
	out := FilterForDomain(capturedCookies(), ".google.com")

	names := make([]string, 0, len(out))
	for _, c := range out {
		names = append(names, c.Name)
		assert.Equal(t, ".google.com", c.Domain, "domain rewritten to target")
		assert.Zero(t, c.Expires, "expiry never replayed")
		assert.NotEmpty(t, c.Path)
	}
	assert.Equal(t, []string{"SID", "OSID", "NID"}, names)
}

func TestFilterForDomain_DoesNotMutateInput(t *testing.T) {
	in := capturedCookies()
	_ = FilterForDomain(in, "google.com")
	assert.Equal(t, float64(1767225600), in[0].Expires)
	assert.Equal(t, "mail.google.com", in[1].Domain)
}

func TestFilterForDomain_EmptyTarget(t *testing.T) {
	assert.Empty(t, FilterForDomain(capturedCookies(), ""))
}

func TestCache_ReplayWithoutJar(t *testing.T) {
	cache := NewCache(&memoryCookieStorage{jars: map[string]*models.SessionCookieJar{}}, "bot@example.com", arbor.NewLogger())
	injector := &mockInjector{}

	replayed, err := cache.Replay(context.Background(), injector, ".google.com")
	require.NoError(t, err)
	assert.False(t, replayed)
	injector.AssertNotCalled(t, "SetCookies", mock.Anything, mock.Anything)
}

func TestCache_StoreThenReplay(t *testing.T) {
	ctx := context.Background()
	cache := NewCache(&memoryCookieStorage{jars: map[string]*models.SessionCookieJar{}}, "bot@example.com", arbor.NewLogger())
	require.NoError(t, cache.Store(ctx, capturedCookies()))

	injector := &mockInjector{}
	injector.On("SetCookies", mock.Anything, mock.MatchedBy(func(cookies []models.SessionCookie) bool {
		for _, c := range cookies {
			if c.Domain != ".google.com" || c.Expires != 0 {
				return false
			}
		}
		return len(cookies) == 3
	})).Return(nil).Once()

	replayed, err := cache.Replay(ctx, injector, ".google.com")
	require.NoError(t, err)
	assert.True(t, replayed)
	injector.AssertExpectations(t)
}

func TestCache_ReplayNothingMatching(t *testing.T) {
	ctx := context.Background()
	cache := NewCache(&memoryCookieStorage{jars: map[string]*models.SessionCookieJar{}}, "bot@example.com", arbor.NewLogger())
	require.NoError(t, cache.Store(ctx, []models.SessionCookie{{Name: "a", Domain: "example.org"}}))

	injector := &mockInjector{}
	replayed, err := cache.Replay(ctx, injector, ".google.com")
	require.NoError(t, err)
	assert.False(t, replayed)
	injector.AssertNotCalled(t, "SetCookies", mock.Anything, mock.Anything)
}

func TestCache_InjectionFailure(t *testing.T) {
	ctx := context.Background()
	cache := NewCache(&memoryCookieStorage{jars: map[string]*models.SessionCookieJar{}}, "bot@example.com", arbor.NewLogger())
	require.NoError(t, cache.Store(ctx, capturedCookies()))

	injector := &mockInjector{}
	injector.On("SetCookies", mock.Anything, mock.Anything).Return(errors.New("target closed"))

	replayed, err := cache.Replay(ctx, injector, ".google.com")
	assert.Error(t, err)
	assert.False(t, replayed)
}

func TestCache_Invalidate(t *testing.T) {
	ctx := context.Background()
	storage := &memoryCookieStorage{jars: map[string]*models.SessionCookieJar{}}
	cache := NewCache(storage, "bot@example.com", arbor.NewLogger())
	require.NoError(t, cache.Store(ctx, capturedCookies()))

	require.NoError(t, cache.Invalidate(ctx))
	assert.Empty(t, storage.jars)
}
