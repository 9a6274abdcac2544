package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/brwyatt/dffmpeg/internal/auth"
	"github.com/brwyatt/dffmpeg/internal/config"
	"github.com/brwyatt/dffmpeg/internal/crypto"
	"github.com/brwyatt/dffmpeg/internal/db"
	"github.com/brwyatt/dffmpeg/internal/repositories"
	"github.com/brwyatt/dffmpeg/internal/scheduler"
	"github.com/brwyatt/dffmpeg/internal/transport"
	"github.com/brwyatt/dffmpeg/internal/websocket"
)

type fixture struct {
	router     http.Handler
	cfg        *config.Config
	gdb        *gorm.DB
	identities repositories.IdentityRepository
	jobs       repositories.JobRepository
	workers    repositories.WorkerRepository
	messages   repositories.MessageRepository
	fabric     *transport.Manager
	hub        *websocket.Hub
}

type fixtureOptions struct {
	trustedProxies   []string
	dashboardEnabled *bool
}

// newFixture wires the full router over in-memory stores with the
// long-poll transport, so handler behavior is tested through real signed
// HTTP requests.
func newFixture(t *testing.T) *fixture {
	return newFixtureWith(t, fixtureOptions{})
}

func newFixtureWith(t *testing.T, opts fixtureOptions) *fixture {
	t.Helper()

	gdb, err := db.New(db.Config{
		Engine: "sqlite",
		DSN:    ":memory:",
		Logger: zap.NewNop(),
	}, db.Stores...)
	require.NoError(t, err)

	cfg, err := config.Load("")
	require.ErrorIs(t, err, config.ErrNoConfig)
	cfg.Auth.TrustedProxies = opts.trustedProxies
	if opts.dashboardEnabled != nil {
		cfg.Dashboard.Enabled = opts.dashboardEnabled
	}

	transports, order, err := transport.Build(context.Background(), cfg.Transports, zap.NewNop())
	require.NoError(t, err)

	keys, err := crypto.NewManager(nil, "")
	require.NoError(t, err)
	identities := repositories.NewIdentityRepository(gdb, keys)
	jobs := repositories.NewJobRepository(gdb)
	workers := repositories.NewWorkerRepository(gdb)
	messages := repositories.NewMessageRepository(gdb)
	fabric := transport.NewManager(transports, order, messages, workers, jobs, zap.NewNop())

	hub := websocket.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)

	sched := scheduler.New(jobs, workers, fabric, hub, zap.NewNop())

	authenticator, err := auth.NewAuthenticator(auth.Config{
		Lookup: func(ctx context.Context, clientID string) (*db.Identity, error) {
			identity, err := identities.Get(ctx, clientID, true)
			if errors.Is(err, repositories.ErrNotFound) {
				return nil, nil
			}
			return identity, err
		},
		TrustedProxies: cfg.Auth.TrustedProxies,
		Logger:         zap.NewNop(),
	})
	require.NoError(t, err)

	router := NewRouter(RouterConfig{
		Config:        cfg,
		Authenticator: authenticator,
		Scheduler:     sched,
		Fabric:        fabric,
		Hub:           hub,
		Logger:        zap.NewNop(),
		Workers:       workers,
		Jobs:          jobs,
		Messages:      messages,
		Databases:     map[string]*gorm.DB{"coordinator": gdb},
	})

	return &fixture{
		router:     router,
		cfg:        cfg,
		gdb:        gdb,
		identities: identities,
		jobs:       jobs,
		workers:    workers,
		messages:   messages,
		fabric:     fabric,
		hub:        hub,
	}
}

// identity creates a signing identity with open CIDRs and returns its
// signer.
func (fx *fixture) identity(t *testing.T, clientID, role string) *auth.Signer {
	t.Helper()
	key, err := auth.GenerateKey()
	require.NoError(t, err)
	require.NoError(t, fx.identities.Upsert(context.Background(), &db.Identity{
		ClientID: clientID,
		Role:     role,
		HMACKey:  key,
	}))
	signer, err := auth.NewSigner(key)
	require.NoError(t, err)
	return signer
}

// do sends one request through the router. A nil signer leaves the
// request anonymous. body may be nil, raw []byte, or any JSON-encodable
// value. The signature covers the path without the query string, which is
// what the polling clients sign.
func (fx *fixture) do(t *testing.T, signer *auth.Signer, clientID, method, target string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var payload []byte
	switch b := body.(type) {
	case nil:
	case []byte:
		payload = b
	default:
		var err error
		payload, err = json.Marshal(b)
		require.NoError(t, err)
	}

	req := httptest.NewRequest(method, target, bytes.NewReader(payload))
	if signer != nil {
		signPath := target
		if i := strings.IndexByte(signPath, '?'); i >= 0 {
			signPath = signPath[:i]
		}
		timestamp, signature := signer.Sign(method, signPath, payload)
		req.Header.Set(auth.HeaderClientID, clientID)
		req.Header.Set(auth.HeaderTimestamp, timestamp)
		req.Header.Set(auth.HeaderSignature, signature)
	}

	rec := httptest.NewRecorder()
	fx.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func decodeList(t *testing.T, rec *httptest.ResponseRecorder) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeBody(t, rec)
	errObj, ok := body["error"].(map[string]interface{})
	require.True(t, ok, "expected an error body, got %s", rec.Body.String())
	msg, _ := errObj["message"].(string)
	return msg
}

// registerWorker performs a real long-poll registration for id.
func (fx *fixture) registerWorker(t *testing.T, signer *auth.Signer, id string, binaries, paths []string) {
	t.Helper()
	rec := fx.do(t, signer, id, http.MethodPost, "/worker/register", map[string]interface{}{
		"worker_id":             id,
		"capabilities":          []string{},
		"binaries":              binaries,
		"paths":                 paths,
		"supported_transports":  []string{"longpoll"},
		"registration_interval": 30,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

// seedJob inserts a job in exactly the given shape, bypassing the submit
// flow.
func (fx *fixture) seedJob(t *testing.T, job *db.Job) *db.Job {
	t.Helper()
	if job.RequesterID == "" {
		job.RequesterID = "alice"
	}
	if job.BinaryName == "" {
		job.BinaryName = "ffmpeg"
	}
	if job.Paths == nil {
		job.Paths = db.StringList{"/media"}
	}
	if job.Arguments == nil {
		job.Arguments = db.StringList{"-i", "in.mkv", "out.mp4"}
	}
	if job.HeartbeatInterval == 0 {
		job.HeartbeatInterval = 10
	}
	require.NoError(t, fx.jobs.Create(context.Background(), job))
	return job
}

func (fx *fixture) getJob(t *testing.T, jobID string) *db.Job {
	t.Helper()
	job, err := fx.jobs.Get(context.Background(), jobID)
	require.NoError(t, err)
	return job
}

func (fx *fixture) pendingMessages(t *testing.T, recipient, jobID string) []db.Message {
	t.Helper()
	msgs, err := fx.messages.PendingFor(context.Background(), recipient, "", jobID)
	require.NoError(t, err)
	return msgs
}

func strptr(s string) *string { return &s }

func intptr(n int) *int { return &n }

func boolptr(b bool) *bool { return &b }

func timeptr(t time.Time) *time.Time { return &t }
