package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brwyatt/dffmpeg/internal/db"
)

// seedWorker persists a worker record directly.
func (fx *fixture) seedWorker(t *testing.T, id, status string, lastSeen time.Time) {
	t.Helper()
	require.NoError(t, fx.workers.Upsert(context.Background(), &db.Worker{
		WorkerID: id,
		Status:   status,
		LastSeen: timeptr(lastSeen),
		Binaries: db.StringList{"ffmpeg"},
		Paths:    db.StringList{"/mnt/media"},
	}))
}

func TestDashboardSnapshot(t *testing.T) {
	fx := newFixture(t)
	admin := fx.identity(t, "ops", db.RoleAdmin)
	alice := fx.identity(t, "alice", db.RoleClient)

	now := time.Now().UTC()
	fx.seedWorker(t, "w-old", db.WorkerStatusOnline, now.Add(-10*time.Minute))
	fx.seedWorker(t, "w-new", db.WorkerStatusOnline, now.Add(-time.Minute))
	fx.seedWorker(t, "w-gone", db.WorkerStatusOffline, now.Add(-30*time.Minute))
	// Off the dashboard entirely: offline and not seen within the window.
	fx.seedWorker(t, "w-ancient", db.WorkerStatusOffline, now.Add(-3*time.Hour))

	fx.seedJob(t, &db.Job{Status: db.JobStatusRunning, WorkerID: strptr("w-new")})
	fx.seedJob(t, &db.Job{Status: db.JobStatusRunning, WorkerID: strptr("w-new")})
	fx.seedJob(t, &db.Job{Status: db.JobStatusPending})

	rec := fx.do(t, admin, "ops", http.MethodGet, "/dashboard", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)

	workers, ok := body["workers"].([]interface{})
	require.True(t, ok)
	require.Len(t, workers, 3)
	order := make([]string, 0, len(workers))
	for _, raw := range workers {
		order = append(order, raw.(map[string]interface{})["worker_id"].(string))
	}
	// Online first, freshest first within each group.
	assert.Equal(t, []string{"w-new", "w-old", "w-gone"}, order)

	load, ok := body["worker_load"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(2), load["w-new"])

	jobs, ok := body["jobs"].([]interface{})
	require.True(t, ok)
	assert.Len(t, jobs, 3)

	// Only admins see the dashboard.
	rec = fx.do(t, alice, "alice", http.MethodGet, "/dashboard", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "Insufficient permissions", errorMessage(t, rec))

	rec = fx.do(t, nil, "", http.MethodGet, "/dashboard", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDashboardSnapshotIsCached(t *testing.T) {
	fx := newFixture(t)
	admin := fx.identity(t, "ops", db.RoleAdmin)

	fx.seedWorker(t, "w1", db.WorkerStatusOnline, time.Now().UTC())

	rec := fx.do(t, admin, "ops", http.MethodGet, "/dashboard", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decodeBody(t, rec)["workers"].([]interface{}), 1)

	// A worker arriving inside the cache window is not visible until the
	// snapshot expires.
	fx.seedWorker(t, "w2", db.WorkerStatusOnline, time.Now().UTC())
	rec = fx.do(t, admin, "ops", http.MethodGet, "/dashboard", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["workers"].([]interface{}), 1)
}

func TestDashboardDisabled(t *testing.T) {
	fx := newFixtureWith(t, fixtureOptions{dashboardEnabled: boolptr(false)})
	admin := fx.identity(t, "ops", db.RoleAdmin)

	rec := fx.do(t, admin, "ops", http.MethodGet, "/dashboard", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Dashboard disabled", errorMessage(t, rec))

	rec = fx.do(t, admin, "ops", http.MethodGet, "/dashboard/ws", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Dashboard disabled", errorMessage(t, rec))
}
