package statusapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/hybridmount/mountd/internal/module"
	"github.com/hybridmount/mountd/internal/planner"
	"github.com/hybridmount/mountd/internal/runtimestate"
)

func testSnapshot() Snapshot {
	return Snapshot{
		State: runtimestate.New(time.Unix(1700000000, 0), "tmpfs", "/data/adb/meta-hybrid/mnt",
			[]string{"zzz_module"}, []string{"aaa_module"}, []string{"/system/bin"}, true, true),
		Modules: []module.Module{
			{ID: "zzz_module", SourcePath: "/data/adb/modules/zzz_module"},
		},
		Diagnostics: &planner.AnalysisReport{
			Conflicts: []planner.ConflictEntry{
				{Partition: "system", RelativePath: "lib/libx.so", ModuleIDs: []string{"a", "b"}},
			},
		},
	}
}

func TestUnauthenticatedWhenNoSecret(t *testing.T) {
	srv := New(testSnapshot(), "", "", nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/state")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got runtimestate.State
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Equal(t, "tmpfs", got.StorageMode)
	require.Equal(t, []string{"zzz_module"}, got.OverlayModuleIDs)
}

func TestModulesEndpoint(t *testing.T) {
	srv := New(testSnapshot(), "", "", nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/modules")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got []module.Module
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Len(t, got, 1)
	require.Equal(t, "zzz_module", got[0].ID)
}

func TestDiagnosticsEndpoint(t *testing.T) {
	srv := New(testSnapshot(), "", "", nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/diagnostics")
	require.NoError(t, err)
	defer resp.Body.Close()

	var got planner.AnalysisReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Len(t, got.Conflicts, 1)
	require.Equal(t, "system", got.Conflicts[0].Partition)
}

func TestJWTAuthRequired(t *testing.T) {
	srv := New(testSnapshot(), "topsecret", "", nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/state")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "operator",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("topsecret"))
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/state", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+signed)

	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestJWTRejectsWrongSecret(t *testing.T) {
	srv := New(testSnapshot(), "topsecret", "", nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "operator",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("wrong-secret"))
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/state", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+signed)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
