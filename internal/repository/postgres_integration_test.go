//go:build integration

package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/prefsync/internal/database"
	"github.com/hitoshi/prefsync/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var testDBURL string

func TestMain(m *testing.M) {
	ctx := context.Background()

	cont, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:18-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "prefsync",
				"POSTGRES_PASSWORD": "prefsync",
				"POSTGRES_DB":       "prefsync",
			},
			WaitingFor: wait.ForListeningPort("5432/tcp"),
		},
		Started: true,
	})
	if err != nil {
		log.Fatalf("failed to start postgres container: %v", err)
	}

	host, err := cont.Host(ctx)
	if err != nil {
		log.Fatalf("failed to get host: %v", err)
	}
	port, err := cont.MappedPort(ctx, "5432/tcp")
	if err != nil {
		log.Fatalf("failed to get port: %v", err)
	}

	testDBURL = fmt.Sprintf("postgres://prefsync:prefsync@%s:%s/prefsync?sslmode=disable", host, port.Port())

	// ポートが開いてもinitdbの再起動が残るため、接続可能になるまで待つ
	if err := waitForMigrations(testDBURL, 30*time.Second); err != nil {
		log.Fatalf("failed to migrate: %v", err)
	}

	code := m.Run()
	_ = cont.Terminate(ctx)
	os.Exit(code)
}

func waitForMigrations(url string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		_, err := database.RunMigrations(url)
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return err
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.Open(testDBURL, database.PoolConfig{MaxOpenConns: 20, MaxIdleConns: 5})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`TRUNCATE users, app_sso_providers CASCADE`)
	require.NoError(t, err)
	return db
}

func loginRecord(sub, loginToken string) *model.LoginRecord {
	return &model.LoginRecord{
		Provider:       "google",
		ProviderUserID: sub,
		Name:           "Test User",
		Email:          sub + "@example.com",
		Verified:       true,
		UserInfo:       []byte(`{"sub":"` + sub + `"}`),
		AccessToken:    "at-" + loginToken,
		RefreshToken:   "rt-" + loginToken,
		LoginToken:     loginToken,
		ExpiresAt:      time.Now().Add(time.Hour),
	}
}

func count(t *testing.T, db *sql.DB, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(query, args...).Scan(&n))
	return n
}

func TestUpsertLogin_FirstLoginCreatesUserAccountAndToken(t *testing.T) {
	db := openTestDB(t)
	repo := NewPostgresLoginRepo(db)

	out, err := repo.UpsertLogin(t.Context(), loginRecord("sub-1", "token-1"))
	require.NoError(t, err)

	assert.True(t, out.Created)
	assert.Empty(t, out.Superseded)
	assert.Equal(t, []string{model.DefaultRole}, out.User.Roles)
	assert.Equal(t, "sub-1@example.com", out.User.Username)

	user, err := NewPostgresUserRepo(db).FindByID(t.Context(), out.User.ID)
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.True(t, user.Verified)

	subject, err := NewPostgresTokenRepo(db).FindSubjectByLoginToken(t.Context(), "token-1")
	require.NoError(t, err)
	require.NotNil(t, subject)
	assert.Equal(t, out.User.ID, subject.UserID)
	assert.Equal(t, out.Account.ID, subject.SsoAccountID)
}

func TestUpsertLogin_RepeatLoginReplacesTokenAndKeepsUser(t *testing.T) {
	db := openTestDB(t)
	repo := NewPostgresLoginRepo(db)

	first, err := repo.UpsertLogin(t.Context(), loginRecord("sub-1", "token-1"))
	require.NoError(t, err)

	rec := loginRecord("sub-1", "token-2")
	rec.Name = "Renamed"
	rec.RefreshToken = ""
	second, err := repo.UpsertLogin(t.Context(), rec)
	require.NoError(t, err)

	assert.False(t, second.Created)
	assert.Equal(t, "token-1", second.Superseded)
	assert.Equal(t, first.User.ID, second.User.ID)
	assert.Equal(t, "Test User", second.User.Name)

	tokens := NewPostgresTokenRepo(db)
	old, err := tokens.FindSubjectByLoginToken(t.Context(), "token-1")
	require.NoError(t, err)
	assert.Nil(t, old)

	var refresh string
	require.NoError(t, db.QueryRow(
		`SELECT refresh_token FROM access_tokens WHERE sso_account_id = $1`, second.Account.ID,
	).Scan(&refresh))
	assert.Equal(t, "rt-token-1", refresh)
}

func TestUpsertLogin_ConcurrentSameSubjectCreatesOneAccount(t *testing.T) {
	db := openTestDB(t)
	repo := NewPostgresLoginRepo(db)

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := repo.UpsertLogin(context.Background(), loginRecord("sub-race", fmt.Sprintf("token-%d", i)))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, 1, count(t, db, `SELECT count(*) FROM users`))
	assert.Equal(t, 1, count(t, db, `SELECT count(*) FROM sso_accounts WHERE provider_user_id = 'sub-race'`))
	assert.Equal(t, 1, count(t, db, `SELECT count(*) FROM access_tokens`))
}

func TestTokenRepo_ExpiredTokenIsNotFound(t *testing.T) {
	db := openTestDB(t)
	rec := loginRecord("sub-1", "token-expired")
	rec.ExpiresAt = time.Now().Add(-time.Minute)
	_, err := NewPostgresLoginRepo(db).UpsertLogin(t.Context(), rec)
	require.NoError(t, err)

	subject, err := NewPostgresTokenRepo(db).FindSubjectByLoginToken(t.Context(), "token-expired")
	require.NoError(t, err)
	assert.Nil(t, subject)
}

func TestTokenRepo_ListAndDelete(t *testing.T) {
	db := openTestDB(t)
	out, err := NewPostgresLoginRepo(db).UpsertLogin(t.Context(), loginRecord("sub-1", "token-1"))
	require.NoError(t, err)

	tokens := NewPostgresTokenRepo(db)
	list, err := tokens.ListLoginTokensByUserID(t.Context(), out.User.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"token-1"}, list)

	require.NoError(t, tokens.DeleteByLoginToken(t.Context(), "token-1"))
	require.NoError(t, tokens.DeleteByLoginToken(t.Context(), "token-1"))

	list, err = tokens.ListLoginTokensByUserID(t.Context(), out.User.ID)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestPreferenceRepo_SaveAndFind(t *testing.T) {
	db := openTestDB(t)
	out, err := NewPostgresLoginRepo(db).UpsertLogin(t.Context(), loginRecord("sub-1", "token-1"))
	require.NoError(t, err)

	prefs := NewPostgresPreferenceRepo(db)

	got, err := prefs.FindByUserID(t.Context(), out.User.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, prefs.Save(t.Context(), out.User.ID, model.Preferences{"textSize": 2.0}))
	require.NoError(t, prefs.Save(t.Context(), out.User.ID, model.Preferences{"contrast": "high"}))

	got, err = prefs.FindByUserID(t.Context(), out.User.ID)
	require.NoError(t, err)
	assert.Equal(t, model.Preferences{"contrast": "high"}, got)
}

func TestUserRepo_DeleteCascades(t *testing.T) {
	db := openTestDB(t)
	out, err := NewPostgresLoginRepo(db).UpsertLogin(t.Context(), loginRecord("sub-1", "token-1"))
	require.NoError(t, err)
	require.NoError(t, NewPostgresPreferenceRepo(db).Save(t.Context(), out.User.ID, model.Preferences{"a": 1.0}))

	require.NoError(t, NewPostgresUserRepo(db).DeleteByID(t.Context(), out.User.ID))

	assert.Equal(t, 0, count(t, db, `SELECT count(*) FROM sso_accounts`))
	assert.Equal(t, 0, count(t, db, `SELECT count(*) FROM access_tokens`))
	assert.Equal(t, 0, count(t, db, `SELECT count(*) FROM preferences`))
}

func TestProviderRepo_Upsert(t *testing.T) {
	db := openTestDB(t)
	repo := NewPostgresProviderRepo(db)

	require.NoError(t, repo.Upsert(t.Context(), &model.AppSsoProvider{Provider: "google", ClientID: "id-1", ClientSecret: "s-1"}))
	require.NoError(t, repo.Upsert(t.Context(), &model.AppSsoProvider{Provider: "google", ClientID: "id-2", ClientSecret: "s-2"}))

	p, err := repo.FindByProvider(t.Context(), "google")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "id-2", p.ClientID)

	missing, err := repo.FindByProvider(t.Context(), "github")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
