package adminapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/khryptorgraphics/loadshed/internal/loaddata"
	"github.com/khryptorgraphics/loadshed/internal/resourceusage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testServer(t *testing.T) (*Server, *loaddata.Store[*loaddata.BrokerLoadData]) {
	t.Helper()
	store := loaddata.NewStore[*loaddata.BrokerLoadData]()
	evaluator := resourceusage.New(resourceusage.Weights{CPU: 1, Memory: 1, DirectMemory: 1, BandwidthIn: 1, BandwidthOut: 1}, nil)
	s := New(Config{JWTSigningKey: "test-signing-key", TokenExpiry: time.Hour},
		store, evaluator,
		func() map[string]time.Time { return map[string]time.Time{} },
		func() []string { return []string{} },
		nil, nil)
	return s, store
}

func TestBrokersRequiresAuth(t *testing.T) {
	s, _ := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/brokers", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBrokersReturnsStoreContents(t *testing.T) {
	s, store := testServer(t)
	b := loaddata.NewBrokerLoadData()
	b.CPU = 0.42
	require.NoError(t, store.Push("b1", b))

	token, err := s.IssueToken("test-client")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/brokers", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Brokers []struct {
			BrokerID string  `json:"broker_id"`
			MaxUsage float64 `json:"max_resource_usage"`
		} `json:"brokers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Brokers, 1)
	assert.Equal(t, "b1", body.Brokers[0].BrokerID)
	assert.InDelta(t, 0.42, body.Brokers[0].MaxUsage, 1e-9)
}

func TestLeaderCandidatesRanksLeastLoadedFirst(t *testing.T) {
	s, store := testServer(t)
	hot := loaddata.NewBrokerLoadData()
	hot.CPU = 0.9
	cool := loaddata.NewBrokerLoadData()
	cool.CPU = 0.1
	require.NoError(t, store.Push("hot", hot))
	require.NoError(t, store.Push("cool", cool))

	token, err := s.IssueToken("test-client")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/leader-candidates", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Candidates []struct {
			BrokerID string  `json:"BrokerID"`
			Usage    float64 `json:"Usage"`
		} `json:"candidates"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Candidates, 2)
	assert.Equal(t, "cool", body.Candidates[0].BrokerID)
	assert.Equal(t, "hot", body.Candidates[1].BrokerID)
}

func TestLeaderHistoryEmptyWithoutRaft(t *testing.T) {
	s, _ := testServer(t)
	token, err := s.IssueToken("test-client")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/leader-history", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		LeaderHistory []struct{} `json:"leader_history"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Empty(t, body.LeaderHistory)
}

func TestInvalidTokenRejected(t *testing.T) {
	s, _ := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/cooldowns", nil)
	req.Header.Set("Authorization", "Bearer not-a-real-token")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
