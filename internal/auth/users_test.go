package auth

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"rootshare/internal/store"
)

var fastHasher = Bcrypt{Cost: bcrypt.MinCost}

func openTestUsers(t *testing.T) (*Users, store.Store) {
	t.Helper()
	st, err := store.NewJSONDir(t.TempDir())
	require.NoError(t, err)
	u, boot, err := OpenUsers(st, fastHasher)
	require.NoError(t, err)
	require.True(t, boot)
	return u, st
}

// failingStore loads nothing and refuses every save.
type failingStore struct{}

func (failingStore) Load(string, any) error { return store.ErrNotFound }
func (failingStore) Save(string, any) error { return errors.New("disk full") }
func (failingStore) Close() error           { return nil }

// TestBootstrapAdmin checks that an empty store gets the default admin.
func TestBootstrapAdmin(t *testing.T) {
	u, st := openTestUsers(t)

	got, err := u.Verify(DefaultAdminName, DefaultAdminPassword)
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, got.Role)

	// A second open over the same store does not bootstrap again.
	again, boot, err := OpenUsers(st, fastHasher)
	require.NoError(t, err)
	assert.False(t, boot)
	assert.Len(t, again.List(), 1)
}

// TestVerifyUniformFailure checks unknown users and bad passwords fail the same way.
func TestVerifyUniformFailure(t *testing.T) {
	u, _ := openTestUsers(t)
	require.NoError(t, u.Create("alice", "s3cret", RoleUser))

	_, errWrong := u.Verify("alice", "nope")
	_, errUnknown := u.Verify("mallory", "nope")
	assert.ErrorIs(t, errWrong, ErrAuthFailure)
	assert.ErrorIs(t, errUnknown, ErrAuthFailure)
	assert.Equal(t, errWrong.Error(), errUnknown.Error())

	got, err := u.Verify("alice", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, User{Username: "alice", Role: RoleUser}, got)
}

func TestCreateValidation(t *testing.T) {
	u, _ := openTestUsers(t)

	assert.ErrorIs(t, u.Create("", "pw", RoleUser), ErrBadInput)
	assert.ErrorIs(t, u.Create("a/b", "pw", RoleUser), ErrBadInput)
	assert.ErrorIs(t, u.Create("tab\tname", "pw", RoleUser), ErrBadInput)
	assert.ErrorIs(t, u.Create("bob", "", RoleUser), ErrBadInput)
	assert.ErrorIs(t, u.Create("bob", "pw", Role("root")), ErrBadInput)
	assert.ErrorIs(t, u.Create("bob", strings.Repeat("p", MaxPasswordBytes+1), RoleUser), ErrBadInput)

	require.NoError(t, u.Create("bob", "pw", RoleUser))
	assert.ErrorIs(t, u.Create("bob", "other", RoleAdmin), ErrConflict)
}

// TestDeleteLastAdmin covers the at-least-one-admin invariant.
func TestDeleteLastAdmin(t *testing.T) {
	u, _ := openTestUsers(t)
	require.NoError(t, u.Create("carol", "pw", RoleUser))

	assert.ErrorIs(t, u.Delete(DefaultAdminName), ErrLastAdmin)
	assert.ErrorIs(t, u.SetRole(DefaultAdminName, RoleUser), ErrLastAdmin)

	require.NoError(t, u.Delete("carol"))
	for _, usr := range u.List() {
		assert.NotEqual(t, "carol", usr.Username)
	}

	require.NoError(t, u.Create("dave", "pw", RoleAdmin))
	require.NoError(t, u.Delete(DefaultAdminName))
	assert.Equal(t, []User{{Username: "dave", Role: RoleAdmin}}, u.List())

	assert.ErrorIs(t, u.Delete("nobody"), ErrNotFound)
}

func TestChangePassword(t *testing.T) {
	u, st := openTestUsers(t)
	require.NoError(t, u.Create("erin", "old", RoleUser))
	require.NoError(t, u.ChangePassword("erin", "new"))

	_, err := u.Verify("erin", "old")
	assert.ErrorIs(t, err, ErrAuthFailure)
	_, err = u.Verify("erin", "new")
	assert.NoError(t, err)

	assert.ErrorIs(t, u.ChangePassword("ghost", "x"), ErrNotFound)
	assert.ErrorIs(t, u.ChangePassword("erin", strings.Repeat("p", 80)), ErrBadInput)

	// The new hash is what got persisted.
	reloaded, _, err := OpenUsers(st, fastHasher)
	require.NoError(t, err)
	_, err = reloaded.Verify("erin", "new")
	assert.NoError(t, err)
}

func TestPersistedShape(t *testing.T) {
	_, st := openTestUsers(t)
	var raw map[string]map[string]string
	require.NoError(t, st.Load("users", &raw))

	rec := raw[DefaultAdminName]
	require.NotNil(t, rec)
	assert.Equal(t, "admin", rec["role"])
	assert.NotEmpty(t, rec["hashed_password"])
	assert.Len(t, rec["salt"], 22)
	assert.Contains(t, rec["hashed_password"], rec["salt"])
}

// TestSaveFailureRollsBack checks memory stays in step with storage.
func TestSaveFailureRollsBack(t *testing.T) {
	u := &Users{recs: map[string]record{}, st: failingStore{}, hasher: fastHasher}
	assert.Error(t, u.Create("frank", "pw", RoleAdmin))
	_, err := u.Get("frank")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAllowed(t *testing.T) {
	assert.True(t, Allowed(RoleUser, PermRead))
	assert.True(t, Allowed(RoleUser, PermWrite))
	assert.False(t, Allowed(RoleUser, PermAdmin))
	assert.True(t, Allowed(RoleAdmin, PermAdmin))
	assert.False(t, Allowed(Role(""), PermRead))
}

func TestParseBasicAuth(t *testing.T) {
	u, p, ok := ParseBasicAuth("Basic YWxpY2U6czNjcmV0") // alice:s3cret
	require.True(t, ok)
	assert.Equal(t, "alice", u)
	assert.Equal(t, "s3cret", p)

	_, _, ok = ParseBasicAuth("Bearer abc")
	assert.False(t, ok)
	_, _, ok = ParseBasicAuth("Basic !!!")
	assert.False(t, ok)
}
