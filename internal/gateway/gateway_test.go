package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	metrics "github.com/armon/go-metrics"
	gjson "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"murmur/internal/gossip"
)

type staticSource struct {
	snap *gossip.Snapshot
}

func (s staticSource) Snapshot() *gossip.Snapshot { return s.snap }

func testSnapshot() *gossip.Snapshot {
	return &gossip.Snapshot{
		LocalID: "m1",
		Taken:   time.Unix(1700000000, 0),
		Members: []gossip.MemberView{
			{ID: "m1", Address: "10.0.0.1", SwimPort: 9638, GossipPort: 9639, Incarnation: 1, Health: "ALIVE", Self: true},
			{ID: "m2", Address: "10.0.0.2", SwimPort: 9638, GossipPort: 9639, Incarnation: 3, Health: "SUSPECT"},
		},
		Services: map[string]gossip.ServiceGroupView{
			"redis.default": {
				Group:  "redis.default",
				Leader: "m2",
				Services: []gossip.ServiceView{
					{MemberID: "m1", Pkg: "core/redis", Host: "10.0.0.1", Port: 6379, Incarnation: 1, Suitability: 5, Candidate: true, MemberState: "ALIVE", Cfg: []byte("port = 6379")},
					{MemberID: "m2", Pkg: "core/redis", Host: "10.0.0.2", Port: 6379, Incarnation: 2, Suitability: 9, Candidate: true, Leader: true, MemberState: "SUSPECT", Cfg: []byte("port = 6380")},
				},
				Health:    gossip.HealthCritical,
				HasHealth: true,
			},
			"web.prod@acme": {
				Group: "web.prod@acme",
				Services: []gossip.ServiceView{
					{MemberID: "m2", Pkg: "acme/web", Host: "10.0.0.2", Port: 80, Incarnation: 1, MemberState: "SUSPECT", Cfg: []byte("workers = 4")},
				},
			},
		},
		Elections: map[string]gossip.ElectionView{
			"redis.default": {Group: "redis.default", Term: 2, Status: "FINISHED", Winner: "m2", Suitability: 9, Candidates: map[string]uint64{"m1": 5, "m2": 9}},
		},
	}
}

func get(t *testing.T, h http.Handler, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	var resp struct {
		Data gjson.RawMessage `json:"data"`
	}
	require.NoError(t, gjson.Unmarshal(rec.Body.Bytes(), &resp))
	require.NoError(t, gjson.Unmarshal(resp.Data, v))
}

func TestGateway_Services(t *testing.T) {
	h := New(staticSource{testSnapshot()}, Options{})

	rec := get(t, h, "/services", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var groups []struct {
		Group    string `json:"group"`
		Leader   string `json:"leader"`
		Health   string `json:"health"`
		Services []struct {
			MemberID string `json:"member_id"`
		} `json:"services"`
	}
	decode(t, rec, &groups)
	require.Len(t, groups, 2)
	assert.Equal(t, "redis.default", groups[0].Group)
	assert.Equal(t, "m2", groups[0].Leader)
	assert.Equal(t, "CRITICAL", groups[0].Health)
	assert.Len(t, groups[0].Services, 2)
	assert.Equal(t, "web.prod@acme", groups[1].Group)
	assert.Empty(t, groups[1].Health)
}

func TestGateway_ServiceGroup(t *testing.T) {
	h := New(staticSource{testSnapshot()}, Options{})

	tests := []struct {
		path  string
		code  int
		group string
	}{
		{"/services/redis/default", http.StatusOK, "redis.default"},
		{"/services/web/prod/acme", http.StatusOK, "web.prod@acme"},
		{"/services/web/prod", http.StatusNotFound, ""},
		{"/services/nope/default", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := get(t, h, tt.path, "")
			require.Equal(t, tt.code, rec.Code)
			if tt.code != http.StatusOK {
				assert.Contains(t, rec.Body.String(), "not found")
				return
			}
			var v struct {
				Group string `json:"group"`
			}
			decode(t, rec, &v)
			assert.Equal(t, tt.group, v.Group)
		})
	}
}

func TestGateway_ServiceConfigPrefersLocalMember(t *testing.T) {
	h := New(staticSource{testSnapshot()}, Options{})

	var cfg configResp
	rec := get(t, h, "/services/redis/default/config", "")
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &cfg)
	assert.Equal(t, "m1", cfg.MemberID)
	assert.Equal(t, "port = 6379", cfg.Cfg)

	rec = get(t, h, "/services/web/prod/acme/config", "")
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &cfg)
	assert.Equal(t, "m2", cfg.MemberID)
	assert.Equal(t, "workers = 4", cfg.Cfg)
}

func TestGateway_ServiceHealth(t *testing.T) {
	tests := []struct {
		result gossip.HealthResult
		code   int
	}{
		{gossip.HealthOk, http.StatusOK},
		{gossip.HealthWarning, http.StatusOK},
		{gossip.HealthCritical, http.StatusServiceUnavailable},
		{gossip.HealthUnknown, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.result.String(), func(t *testing.T) {
			snap := testSnapshot()
			v := snap.Services["redis.default"]
			v.Health = tt.result
			snap.Services["redis.default"] = v

			rec := get(t, New(staticSource{snap}, Options{}), "/services/redis/default/health", "")
			require.Equal(t, tt.code, rec.Code)
			var resp healthResp
			decode(t, rec, &resp)
			assert.Equal(t, tt.result.String(), resp.Status)
		})
	}

	rec := get(t, New(staticSource{testSnapshot()}, Options{}), "/services/web/prod/acme/health", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGateway_Census(t *testing.T) {
	h := New(staticSource{testSnapshot()}, Options{})

	rec := get(t, h, "/census", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var c census
	decode(t, rec, &c)
	assert.Equal(t, "m1", c.MemberID)
	require.Len(t, c.Groups, 2)
	redis := c.Groups[0]
	assert.Equal(t, "FINISHED", redis.ElectionStatus)
	assert.Equal(t, uint64(2), redis.Term)
	require.Len(t, redis.Population, 2)
	assert.True(t, redis.Population[1].Leader)
	assert.Equal(t, "SUSPECT", redis.Population[1].Health)
}

func TestGateway_Butterfly(t *testing.T) {
	h := New(staticSource{testSnapshot()}, Options{})

	rec := get(t, h, "/butterfly", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap struct {
		LocalID string              `json:"member_id"`
		Members []gossip.MemberView `json:"members"`
	}
	decode(t, rec, &snap)
	assert.Equal(t, "m1", snap.LocalID)
	assert.Len(t, snap.Members, 2)
}

func TestGateway_Redact(t *testing.T) {
	h := New(staticSource{testSnapshot()}, Options{Redact: true})

	assert.Equal(t, http.StatusNotFound, get(t, h, "/butterfly", "").Code)
	assert.Equal(t, http.StatusNotFound, get(t, h, "/census", "").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/services", "").Code)
}

func TestGateway_BearerAuth(t *testing.T) {
	h := New(staticSource{testSnapshot()}, Options{AuthToken: "s3cret"})

	rec := get(t, h, "/services", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))

	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/services", "wrong").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/services", "s3cret").Code)

	req := httptest.NewRequest(http.MethodGet, "/services", nil)
	req.Header.Set("Authorization", "Basic czNjcmV0")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGateway_Metrics(t *testing.T) {
	sink := metrics.NewInmemSink(10*time.Second, time.Minute)
	sink.IncrCounter([]string{"murmur", "test"}, 1)

	rec := get(t, New(staticSource{testSnapshot()}, Options{Metrics: sink}), "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "murmur.test")

	rec = get(t, New(staticSource{testSnapshot()}, Options{}), "/metrics", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGroupID(t *testing.T) {
	assert.Equal(t, "redis.default", GroupID("redis", "default", ""))
	assert.Equal(t, "redis.default@acme", GroupID("redis", "default", "acme"))
}
