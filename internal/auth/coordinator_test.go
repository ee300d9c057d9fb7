package auth

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

func grantFor(token string, exp time.Time) Grant {
	return Grant{Access: token, Expiration: []byte(`"` + exp.Format(time.RFC3339) + `"`)}
}

// fakeRefresher blocks each call until release is closed (when set) and
// counts invocations.
type fakeRefresher struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
	grant   Grant
	err     error
	once    sync.Once
}

func (f *fakeRefresher) Refresh(ctx context.Context) (Grant, error) {
	f.calls.Add(1)
	if f.started != nil {
		f.once.Do(func() { close(f.started) })
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return Grant{}, ctx.Err()
		}
	}
	return f.grant, f.err
}

type fakeLookup struct {
	calls   atomic.Int32
	public  map[string]bool
	err     error
	release chan struct{}
}

func (f *fakeLookup) Lookup(_ context.Context, id string) (bool, error) {
	f.calls.Add(1)
	if f.release != nil {
		<-f.release
	}
	if f.err != nil {
		return false, f.err
	}
	return f.public[id], nil
}

func newTestCoordinator(t *testing.T, r Refresher, l VisibilityLookup, opts ...Option) *Coordinator {
	t.Helper()
	c, err := New(r, l, append([]Option{WithClock(fixedClock)}, opts...)...)
	require.NoError(t, err)
	return c
}

// ---------------------------------------------------------------------------
// Credential
// ---------------------------------------------------------------------------

func TestNew_ValidatesRefresher(t *testing.T) {
	_, err := New(nil, nil)
	require.Error(t, err)
}

func TestCredential_CachedWithoutIO(t *testing.T) {
	r := &fakeRefresher{}
	c := newTestCoordinator(t, r, nil)
	require.NoError(t, c.Login(grantFor("tok-login", testNow.Add(time.Hour))))

	cred, err := c.Credential(context.Background())
	require.NoError(t, err)
	require.Equal(t, "tok-login", cred.Token)
	require.Equal(t, int32(0), r.calls.Load())
	require.Equal(t, StateValid, c.State())
}

func TestCredential_ConcurrentCallersShareOneRefresh(t *testing.T) {
	r := &fakeRefresher{
		started: make(chan struct{}),
		release: make(chan struct{}),
		grant:   grantFor("tok-fresh", testNow.Add(time.Hour)),
	}
	c := newTestCoordinator(t, r, nil)

	const n = 25
	var wg sync.WaitGroup
	tokens := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cred, err := c.Credential(context.Background())
			tokens[i], errs[i] = cred.Token, err
		}(i)
	}

	<-r.started
	require.Equal(t, StateRefreshing, c.State())
	close(r.release)
	wg.Wait()

	require.Equal(t, int32(1), r.calls.Load())
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, "tok-fresh", tokens[i])
	}
	require.Equal(t, StateValid, c.State())
}

func TestCredential_ExpiredTriggersRefresh(t *testing.T) {
	r := &fakeRefresher{grant: grantFor("tok-new", testNow.Add(time.Hour))}
	c := newTestCoordinator(t, r, nil)
	require.NoError(t, c.Login(grantFor("tok-old", testNow.Add(-time.Second))))
	require.Equal(t, StateExpired, c.State())

	cred, err := c.Credential(context.Background())
	require.NoError(t, err)
	require.Equal(t, "tok-new", cred.Token)
	require.Equal(t, int32(1), r.calls.Load())
}

func TestCredential_ExpiryBoundaryIsExclusive(t *testing.T) {
	r := &fakeRefresher{grant: grantFor("tok-new", testNow.Add(time.Hour))}
	c := newTestCoordinator(t, r, nil)
	require.NoError(t, c.Login(grantFor("tok-edge", testNow)))

	cred, err := c.Credential(context.Background())
	require.NoError(t, err)
	require.Equal(t, "tok-new", cred.Token)
}

func TestCredential_FailureRejectsAllWaitersAndClears(t *testing.T) {
	r := &fakeRefresher{
		started: make(chan struct{}),
		release: make(chan struct{}),
		err:     errors.New("refresh token revoked"),
	}
	var reauths atomic.Int32
	c := newTestCoordinator(t, r, nil, WithReauthHandler(func(error) { reauths.Add(1) }))
	require.NoError(t, c.Login(grantFor("tok-old", testNow.Add(-time.Minute))))

	const n = 10
	var wg, ready sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		ready.Add(1)
		go func(i int) {
			defer wg.Done()
			ready.Done()
			_, errs[i] = c.Credential(context.Background())
		}(i)
	}
	<-r.started
	ready.Wait()
	// let every goroutine reach the in-flight refresh before it fails
	time.Sleep(50 * time.Millisecond)
	close(r.release)
	wg.Wait()

	for _, err := range errs {
		require.ErrorIs(t, err, ErrReauthRequired)
		require.Contains(t, err.Error(), "refresh token revoked")
	}
	require.Equal(t, int32(1), r.calls.Load())
	require.Equal(t, int32(1), reauths.Load())
	require.Equal(t, StateAbsent, c.State())
}

func TestCredential_CancelledWaiterDoesNotAbortRefresh(t *testing.T) {
	r := &fakeRefresher{
		started: make(chan struct{}),
		release: make(chan struct{}),
		grant:   grantFor("tok-fresh", testNow.Add(time.Hour)),
	}
	c := newTestCoordinator(t, r, nil)

	cancelCtx, cancel := context.WithCancel(context.Background())
	cancelledErr := make(chan error, 1)
	go func() {
		_, err := c.Credential(cancelCtx)
		cancelledErr <- err
	}()
	<-r.started

	survivor := make(chan string, 1)
	go func() {
		cred, err := c.Credential(context.Background())
		require.NoError(t, err)
		survivor <- cred.Token
	}()

	cancel()
	require.ErrorIs(t, <-cancelledErr, context.Canceled)

	close(r.release)
	require.Equal(t, "tok-fresh", <-survivor)
	require.Equal(t, int32(1), r.calls.Load())
	require.Equal(t, StateValid, c.State())
}

func TestCredential_AlreadyCancelledContext(t *testing.T) {
	r := &fakeRefresher{}
	c := newTestCoordinator(t, r, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Credential(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, int32(0), r.calls.Load())
}

func TestCredential_LogoutDuringRefreshWins(t *testing.T) {
	r := &fakeRefresher{
		started: make(chan struct{}),
		release: make(chan struct{}),
		grant:   grantFor("tok-fresh", testNow.Add(time.Hour)),
	}
	c := newTestCoordinator(t, r, nil)

	done := make(chan error, 1)
	go func() {
		_, err := c.Credential(context.Background())
		done <- err
	}()
	<-r.started
	c.Logout()
	close(r.release)

	require.ErrorIs(t, <-done, ErrReauthRequired)
	require.Equal(t, StateAbsent, c.State())
}

func TestCredential_LoginDuringRefreshIsReturned(t *testing.T) {
	r := &fakeRefresher{
		started: make(chan struct{}),
		release: make(chan struct{}),
		grant:   grantFor("tok-fresh", testNow.Add(time.Hour)),
	}
	c := newTestCoordinator(t, r, nil)

	type result struct {
		token string
		err   error
	}
	done := make(chan result, 1)
	go func() {
		cred, err := c.Credential(context.Background())
		done <- result{cred.Token, err}
	}()
	<-r.started
	require.NoError(t, c.Login(grantFor("tok-login", testNow.Add(time.Hour))))
	close(r.release)

	res := <-done
	require.NoError(t, res.err)
	require.Equal(t, "tok-login", res.token)
	require.Equal(t, StateValid, c.State())
}

func TestCredential_FailedRefreshKeepsConcurrentLogin(t *testing.T) {
	r := &fakeRefresher{
		started: make(chan struct{}),
		release: make(chan struct{}),
		err:     errors.New("refresh token revoked"),
	}
	c := newTestCoordinator(t, r, nil)

	done := make(chan error, 1)
	go func() {
		_, err := c.Credential(context.Background())
		done <- err
	}()
	<-r.started
	require.NoError(t, c.Login(grantFor("tok-login", testNow.Add(time.Hour))))
	close(r.release)

	require.ErrorIs(t, <-done, ErrReauthRequired)
	cred, err := c.Credential(context.Background())
	require.NoError(t, err)
	require.Equal(t, "tok-login", cred.Token)
	require.Equal(t, int32(1), r.calls.Load())
}

func TestInvalidate_OnlyMatchingToken(t *testing.T) {
	c := newTestCoordinator(t, &fakeRefresher{}, nil)
	require.NoError(t, c.Login(grantFor("tok-a", testNow.Add(time.Hour))))

	c.Invalidate("tok-other")
	require.Equal(t, StateValid, c.State())

	c.Invalidate("tok-a")
	require.Equal(t, StateAbsent, c.State())
}

func TestLogin_RejectsEmptyToken(t *testing.T) {
	c := newTestCoordinator(t, &fakeRefresher{}, nil)
	require.Error(t, c.Login(Grant{Access: " ", Expiration: []byte(`1`)}))
}

func TestLogin_FallsBackToJWTExpiry(t *testing.T) {
	exp := testNow.Add(30 * time.Minute)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": exp.Unix()}).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	c := newTestCoordinator(t, &fakeRefresher{}, nil)
	require.NoError(t, c.Login(Grant{Access: token}))

	cred, err := c.Credential(context.Background())
	require.NoError(t, err)
	require.Equal(t, exp.Unix(), cred.ExpiresAt)
}

// ---------------------------------------------------------------------------
// Authorize / IsPublic
// ---------------------------------------------------------------------------

func TestResourceID(t *testing.T) {
	c := newTestCoordinator(t, &fakeRefresher{}, nil)
	require.Equal(t, "app-1", c.ResourceID("/microapps/app-1"))
	require.Equal(t, "app-1", c.ResourceID("/microapps/app-1/phases"))
	require.Equal(t, "app-2", c.ResourceID("/role-check/app-2/user/u-1"))
	require.Equal(t, "", c.ResourceID("/run"))
}

func TestAuthorize_PublicWithoutCredentialSkipsRefresh(t *testing.T) {
	r := &fakeRefresher{err: errors.New("must not be called")}
	l := &fakeLookup{public: map[string]bool{"app-1": true}}
	c := newTestCoordinator(t, r, l)

	token, err := c.Authorize(context.Background(), "/microapps/app-1")
	require.NoError(t, err)
	require.Empty(t, token)
	require.Equal(t, int32(0), r.calls.Load())
}

func TestAuthorize_PublicAttachesCachedCredential(t *testing.T) {
	l := &fakeLookup{public: map[string]bool{"app-1": true}}
	c := newTestCoordinator(t, &fakeRefresher{}, l)
	require.NoError(t, c.Login(grantFor("tok-a", testNow.Add(time.Hour))))

	token, err := c.Authorize(context.Background(), "/microapps/app-1")
	require.NoError(t, err)
	require.Equal(t, "tok-a", token)
}

func TestAuthorize_PrivateRequiresCredential(t *testing.T) {
	r := &fakeRefresher{grant: grantFor("tok-fresh", testNow.Add(time.Hour))}
	l := &fakeLookup{public: map[string]bool{}}
	c := newTestCoordinator(t, r, l)

	token, err := c.Authorize(context.Background(), "/microapps/secret")
	require.NoError(t, err)
	require.Equal(t, "tok-fresh", token)

	token, err = c.Authorize(context.Background(), "/run")
	require.NoError(t, err)
	require.Equal(t, "tok-fresh", token)
	require.Equal(t, int32(1), r.calls.Load())
	require.Equal(t, int32(1), l.calls.Load(), "/run has no resource id to classify")
}

func TestAuthorize_LookupFailureTreatedAsPrivate(t *testing.T) {
	r := &fakeRefresher{grant: grantFor("tok-fresh", testNow.Add(time.Hour))}
	l := &fakeLookup{err: errors.New("visibility service down")}
	c := newTestCoordinator(t, r, l)

	token, err := c.Authorize(context.Background(), "/microapps/app-1")
	require.NoError(t, err)
	require.Equal(t, "tok-fresh", token)

	_, err = c.IsPublic(context.Background(), "app-1")
	require.Error(t, err)
	require.Equal(t, int32(2), l.calls.Load(), "failures must not be cached")
}

func TestIsPublic_ConcurrentLookupsShareOneCall(t *testing.T) {
	l := &fakeLookup{public: map[string]bool{"app-1": true}, release: make(chan struct{})}
	c := newTestCoordinator(t, &fakeRefresher{}, l)

	const n = 20
	var wg sync.WaitGroup
	results := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.IsPublic(context.Background(), "app-1")
			require.NoError(t, err)
			results[i] = v
		}(i)
	}
	require.Eventually(t, func() bool { return l.calls.Load() == 1 }, time.Second, time.Millisecond)
	close(l.release)
	wg.Wait()

	require.Equal(t, int32(1), l.calls.Load())
	for _, v := range results {
		require.True(t, v)
	}

	v, err := c.IsPublic(context.Background(), "app-1")
	require.NoError(t, err)
	require.True(t, v)
	require.Equal(t, int32(1), l.calls.Load(), "classification is cached")

	c.ForgetVisibility("app-1")
	_, err = c.IsPublic(context.Background(), "app-1")
	require.NoError(t, err)
	require.Equal(t, int32(2), l.calls.Load())
}

// staggered starts n callers spread over a few microseconds so some of them
// miss the cache while the shared call is settling.
func staggered(n int, call func()) {
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			time.Sleep(time.Duration(i%10) * 20 * time.Microsecond)
			call()
		}(i)
	}
	close(start)
	wg.Wait()
}

func TestCredential_StaggeredCallersAroundFastRefresh(t *testing.T) {
	for trial := 0; trial < 200; trial++ {
		r := &fakeRefresher{grant: grantFor("tok-fresh", testNow.Add(time.Hour))}
		c := newTestCoordinator(t, r, nil)

		var failures atomic.Int32
		staggered(50, func() {
			cred, err := c.Credential(context.Background())
			if err != nil || cred.Token != "tok-fresh" {
				failures.Add(1)
			}
		})

		require.Zero(t, failures.Load(), "trial %d", trial)
		require.Equal(t, int32(1), r.calls.Load(), "trial %d", trial)
	}
}

func TestIsPublic_StaggeredCallersAroundFastLookup(t *testing.T) {
	for trial := 0; trial < 200; trial++ {
		l := &fakeLookup{public: map[string]bool{"app-1": true}}
		c := newTestCoordinator(t, &fakeRefresher{}, l)

		var failures atomic.Int32
		staggered(50, func() {
			public, err := c.IsPublic(context.Background(), "app-1")
			if err != nil || !public {
				failures.Add(1)
			}
		})

		require.Zero(t, failures.Load(), "trial %d", trial)
		require.Equal(t, int32(1), l.calls.Load(), "trial %d", trial)
	}
}

func TestIsPublic_NilLookupIsPrivate(t *testing.T) {
	c := newTestCoordinator(t, &fakeRefresher{}, nil)
	v, err := c.IsPublic(context.Background(), "app-1")
	require.NoError(t, err)
	require.False(t, v)
}
