package admin

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plomorg/plomd/internal/authority"
	"github.com/plomorg/plomd/internal/catalog"
	"github.com/plomorg/plomd/internal/catalogstore"
)

func newTestAdmin(t *testing.T) *Admin {
	t.Helper()
	auth, err := authority.New("")
	require.NoError(t, err)
	cat, err := catalog.Open(catalogstore.NewMemStore())
	require.NoError(t, err)
	return New(auth, cat)
}

func TestCreateOrUpdateUserThenVerifyPassword(t *testing.T) {
	a := newTestAdmin(t)
	require.NoError(t, a.CreateOrUpdateUser("alice", "hunter2", false, 4))
	assert.True(t, a.auth.VerifyPassword("alice", "hunter2"))
	assert.False(t, a.auth.VerifyPassword("alice", "wrong"))

	u, ok := a.cat.User("alice")
	require.True(t, ok)
	assert.True(t, u.Enabled)
	assert.False(t, u.IsAdmin)
}

func TestEnableUserFalseRevokesTokenAndResetsClaims(t *testing.T) {
	a := newTestAdmin(t)
	require.NoError(t, a.CreateOrUpdateUser("alice", "hunter2", false, 4))

	_, err := a.auth.IssueToken("alice")
	require.NoError(t, err)

	require.NoError(t, a.cat.RegisterPaper(catalog.Paper{PaperNumber: 1, IDPageRefs: []int{1}}))
	require.NoError(t, a.cat.IngestPage(catalog.PageImage{PaperNumber: 1, PageNumber: 1, ArtifactID: "a1", ImageBytesHash: "h1"}))
	_, _, err = a.cat.ClaimNextID("alice")
	require.NoError(t, err)

	require.NoError(t, a.EnableUser("alice", false))

	assert.False(t, a.auth.Validate("alice", "anything"))
	task := a.cat.IDTasksSnapshot()[0]
	assert.Equal(t, catalog.Todo, task.State)
}

func TestReloadUserListReconciles(t *testing.T) {
	a := newTestAdmin(t)
	require.NoError(t, a.CreateOrUpdateUser("stale", "pw", false, 4))

	dir := t.TempDir()
	path := filepath.Join(dir, "users.json")
	entries := []userListEntry{
		{Username: "alice", Password: "hunter2", Enabled: true, IsAdmin: true},
	}
	b, err := json.Marshal(entries)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b, 0o600))

	require.NoError(t, a.ReloadUserList(path, 4))

	assert.True(t, a.IsAdmin("alice"))
	_, ok := a.cat.User("stale")
	assert.False(t, ok, "users absent from the reloaded list must be removed")
}
