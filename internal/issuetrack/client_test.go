// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package issuetrack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dome/pkg/config"
)

// resty 只在响应声明 JSON 时才反序列化 SetResult，所以响应头必须带上
func respondJSON(t *testing.T, w http.ResponseWriter, status int, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func newServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *Client) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := New(config.IssueTrackConfig{
		BaseURL: srv.URL,
		Repo:    "acme/dome",
	}, nil)
	require.NoError(t, err)
	return srv, client
}

func TestEnsureMilestoneFindsExisting(t *testing.T) {
	_, client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/repos/acme/dome/milestones", r.URL.Path)
		respondJSON(t, w, http.StatusOK, []Milestone{{Number: 7, Title: "pkt-0001", State: "open"}})
	})
	ms, err := client.EnsureMilestone(context.Background(), "pkt-0001")
	require.NoError(t, err)
	assert.Equal(t, 7, ms.Number)
}

func TestEnsureMilestoneCreatesWhenMissing(t *testing.T) {
	_, client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			respondJSON(t, w, http.StatusOK, []Milestone{})
		case http.MethodPost:
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "pkt-0002", body["title"])
			respondJSON(t, w, http.StatusCreated, Milestone{Number: 11, Title: "pkt-0002"})
		}
	})
	ms, err := client.EnsureMilestone(context.Background(), "pkt-0002")
	require.NoError(t, err)
	assert.Equal(t, 11, ms.Number)
}

func TestCreateIssueAttachesMilestone(t *testing.T) {
	_, client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/repos/acme/dome/issues", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, float64(7), body["milestone"])
		respondJSON(t, w, http.StatusCreated, Issue{Number: 42, Title: body["title"].(string)})
	})
	issue, err := client.CreateIssue(context.Background(), "implement pkt-0001", "details", &Milestone{Number: 7})
	require.NoError(t, err)
	assert.Equal(t, 42, issue.Number)
}

func TestCreateIssueSurfacesAPIError(t *testing.T) {
	_, client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	})
	_, err := client.CreateIssue(context.Background(), "bad", "", nil)
	require.Error(t, err)
}
