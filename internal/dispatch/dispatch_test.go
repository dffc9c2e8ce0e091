package dispatch

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plomorg/plomd/internal/admin"
	"github.com/plomorg/plomd/internal/authority"
	"github.com/plomorg/plomd/internal/catalog"
	"github.com/plomorg/plomd/internal/catalogstore"
	"github.com/plomorg/plomd/internal/idqueue"
	"github.com/plomorg/plomd/internal/markqueue"
	"github.com/plomorg/plomd/internal/store"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()

	auth, err := authority.New("")
	require.NoError(t, err)
	cat, err := catalog.Open(catalogstore.NewMemStore())
	require.NoError(t, err)
	artifacts, err := store.New(t.TempDir())
	require.NoError(t, err)
	adm := admin.New(auth, cat)

	require.NoError(t, adm.CreateOrUpdateUser("alice", "hunter2", false, 4))
	require.NoError(t, cat.RegisterPaper(catalog.Paper{
		PaperNumber: 1,
		IDPageRefs:  []int{1},
		QuestionGroups: []catalog.QuestionGroup{
			{Question: 1, Version: 1, Pages: []int{2}, MaxScore: 10},
		},
	}))
	require.NoError(t, cat.IngestPage(catalog.PageImage{PaperNumber: 1, PageNumber: 1, ArtifactID: "a1", ImageBytesHash: "h1"}))
	require.NoError(t, cat.IngestPage(catalog.PageImage{PaperNumber: 1, PageNumber: 2, ArtifactID: "a2", ImageBytesHash: "h2"}))

	srv := New("127.0.0.1:0", 4, auth, idqueue.New(cat), markqueue.New(cat), artifacts, adm, cat.Audit(),
		Info{ShortName: "plomd-test", APIVersion: "1", Version: "0.0.0-test"}, 4, t.TempDir()+"/users.json")

	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)
	return srv, ts
}

func TestInfoRoutesAreUnauthenticated(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/info/shortName")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLoginThenAuthenticatedRouteSucceeds(t *testing.T) {
	_, ts := newTestServer(t)
	token := login(t, ts.URL, "alice", "hunter2")

	resp, err := http.Get(ts.URL + "/ID/progress?user=alice&token=" + token)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuthenticatedRouteRejectsBadToken(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/ID/progress?user=alice&token=deadbeef")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestClaimNextIDAndReturnID(t *testing.T) {
	_, ts := newTestServer(t)
	token := login(t, ts.URL, "alice", "hunter2")

	req, err := http.NewRequest(http.MethodPatch, ts.URL+"/ID/tasks/next?user=alice&token="+token, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var claimed struct {
		Task struct {
			PaperNumber int `json:"paper_number"`
		} `json:"Task"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&claimed))
	assert.Equal(t, 1, claimed.Task.PaperNumber)

	body := strings.NewReader(`{"sid":"1000","sname":"Ann"}`)
	req, err = http.NewRequest(http.MethodPut, ts.URL+"/ID/tasks/1?user=alice&token="+token, body)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestClaimNextIDEmptyQueueReturns204(t *testing.T) {
	_, ts := newTestServer(t)
	token := login(t, ts.URL, "alice", "hunter2")

	claimOnce := func() *http.Response {
		req, err := http.NewRequest(http.MethodPatch, ts.URL+"/ID/tasks/next?user=alice&token="+token, nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	first := claimOnce()
	first.Body.Close()
	require.Equal(t, http.StatusOK, first.StatusCode)

	second := claimOnce()
	defer second.Body.Close()
	assert.Equal(t, http.StatusNoContent, second.StatusCode)
}

func TestSecondLoginSupersedesFirstSessionAndReclaimsItsTasks(t *testing.T) {
	_, ts := newTestServer(t)
	firstToken := login(t, ts.URL, "alice", "hunter2")

	req, err := http.NewRequest(http.MethodPatch, ts.URL+"/ID/tasks/next?user=alice&token="+firstToken, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	secondToken := login(t, ts.URL, "alice", "hunter2")
	assert.NotEqual(t, firstToken, secondToken)

	resp, err = http.Get(ts.URL + "/ID/progress?user=alice&token=" + firstToken)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "first session's token must no longer validate")

	// the task claimed under the first session must be back in the claimable queue
	req, err = http.NewRequest(http.MethodPatch, ts.URL+"/ID/tasks/next?user=alice&token="+secondToken, nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode, "second session must be able to reclaim the first session's in-flight task")
}

func TestAdminRouteRejectsNonAdmin(t *testing.T) {
	_, ts := newTestServer(t)
	token := login(t, ts.URL, "alice", "hunter2")

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/admin/users/reload?user=alice&token="+token, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func login(t *testing.T, baseURL, user, password string) string {
	t.Helper()
	body, err := json.Marshal(map[string]string{"user": user, "password": password, "api_version": "1"})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPut, baseURL+"/users/"+url.PathEscape(user), strings.NewReader(string(body)))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out.Token
}
