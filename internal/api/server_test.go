// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TripVault Contributors

package api_test

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tripvault/tripvault/internal/api"
	"github.com/tripvault/tripvault/internal/plugin"
	"github.com/tripvault/tripvault/internal/plugin/eventbus"
	"github.com/tripvault/tripvault/internal/plugin/permission"
	"github.com/tripvault/tripvault/internal/plugin/router"
	"github.com/tripvault/tripvault/internal/store"
)

// recordStore is a minimal in-memory RecordStore for handler tests.
type recordStore struct {
	mu      sync.Mutex
	records map[string]*plugin.Record
}

func (s *recordStore) notInstalled(id string) error {
	return oops.Code(plugin.CodeNotInstalled).With("plugin", id).New("extension is not installed")
}

func (s *recordStore) Create(_ context.Context, rec *plugin.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.PluginID]; ok {
		return oops.Code(plugin.CodeConflict).With("plugin", rec.PluginID).New("already installed")
	}
	cp := *rec
	s.records[rec.PluginID] = &cp
	return nil
}

func (s *recordStore) Get(_ context.Context, id string) (*plugin.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, s.notInstalled(id)
	}
	cp := *rec
	return &cp, nil
}

func (s *recordStore) List(context.Context) ([]*plugin.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*plugin.Record, 0, len(s.records))
	for _, rec := range s.records {
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

func (s *recordStore) SetEnabled(_ context.Context, id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return s.notInstalled(id)
	}
	rec.IsEnabled = enabled
	return nil
}

func (s *recordStore) UpdateSettings(_ context.Context, id string, encrypted []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return s.notInstalled(id)
	}
	rec.EncryptedSettings = encrypted
	return nil
}

func (s *recordStore) SetMigrationVersion(_ context.Context, id string, version uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return s.notInstalled(id)
	}
	rec.MigrationVersion = version
	return nil
}

func (s *recordStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return s.notInstalled(id)
	}
	delete(s.records, id)
	return nil
}

// stubHost satisfies the lua runtime slot without interpreting anything.
type stubHost struct{}

func (stubHost) Runtime() string { return "lua" }

func (stubHost) Load(_ context.Context, _ *plugin.Manifest, _ string, _ *plugin.Config) (plugin.Instance, error) {
	return stubInstance{}, nil
}

func (stubHost) Close(context.Context) error { return nil }

type stubInstance struct{}

func (stubInstance) OnInstall(context.Context) error                   { return nil }
func (stubInstance) OnUninstall(context.Context) error                 { return nil }
func (stubInstance) OnEnable(context.Context) error                    { return nil }
func (stubInstance) OnDisable(context.Context) error                   { return nil }
func (stubInstance) Routes() http.Handler                              { return nil }
func (stubInstance) Subscriptions() []plugin.EventSubscription         { return nil }
func (stubInstance) HandleEvent(context.Context, eventbus.Event) error { return nil }
func (stubInstance) Close(context.Context) error                       { return nil }

type noMigrations struct{}

func (noMigrations) HasMigrations() bool                  { return false }
func (noMigrations) Run(context.Context) error            { return nil }
func (noMigrations) DowngradeAll(context.Context) error   { return nil }
func (noMigrations) PendingMigrations() ([]uint, error)   { return nil, nil }
func (noMigrations) CurrentRevision() (uint, bool, error) { return 0, false, nil }
func (noMigrations) Close() error                         { return nil }

type testServer struct {
	root    string
	handler http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	root := t.TempDir()
	loader := plugin.NewLoader(root)
	checker := permission.NewChecker()
	proxy := router.New()
	registry := plugin.NewRegistry(plugin.RegistryOptions{
		Loader:  loader,
		Store:   &recordStore{records: make(map[string]*plugin.Record)},
		Catalog: checker,
		Bus:     eventbus.New(),
		Routes:  proxy,
		Hosts:   []plugin.Host{stubHost{}},
		Migrations: func(*plugin.Manifest, string) (plugin.MigrationRunner, error) {
			return noMigrations{}, nil
		},
		Cipher:      store.PlainCipher{},
		HostVersion: "1.0.0",
	})
	srv := api.NewServer(registry, loader, checker, proxy)
	return &testServer{root: root, handler: srv.Handler()}
}

func (ts *testServer) do(t *testing.T, method, target string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	if body == nil {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, target, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	return w
}

func manifestJSON(id string) string {
	return fmt.Sprintf(`{
		"id": %q,
		"name": "Notes",
		"version": "1.0.0",
		"description": "note keeping",
		"permissions": {"required": ["trips.read"]}
	}`, id)
}

// archiveUpload builds a multipart body carrying a zip with the given
// manifest and a permissions grant.
func archiveUpload(t *testing.T, manifest, permissions string) (*bytes.Buffer, string) {
	t.Helper()
	var zipBuf bytes.Buffer
	zw := zip.NewWriter(&zipBuf)
	f, err := zw.Create("plugin.json")
	require.NoError(t, err)
	_, err = f.Write([]byte(manifest))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("archive", "extension.zip")
	require.NoError(t, err)
	_, err = part.Write(zipBuf.Bytes())
	require.NoError(t, err)
	if permissions != "" {
		require.NoError(t, mw.WriteField("permissions", permissions))
	}
	require.NoError(t, mw.Close())
	return &body, mw.FormDataContentType()
}

func (ts *testServer) install(t *testing.T, id string) {
	t.Helper()
	body, contentType := archiveUpload(t, manifestJSON(id), `["trips.read"]`)
	w := ts.do(t, http.MethodPost, "/api/plugins", body, contentType)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestAPI_ListEmpty(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/api/plugins", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"plugins":[]}`, w.Body.String())
}

func TestAPI_InstallAndGet(t *testing.T) {
	ts := newTestServer(t)
	body, contentType := archiveUpload(t, manifestJSON("notes"), `["trips.read"]`)

	w := ts.do(t, http.MethodPost, "/api/plugins", body, contentType)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"plugin_id":"notes"`)
	assert.Contains(t, w.Body.String(), `"enabled":true`)
	assert.DirExists(t, filepath.Join(ts.root, "notes"))

	w = ts.do(t, http.MethodGet, "/api/plugins/notes", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"name":"Notes"`)
	assert.Contains(t, w.Body.String(), `"runtime":"lua"`)
	assert.Contains(t, w.Body.String(), `"loaded":true`)
}

func TestAPI_InstallValidationErrors(t *testing.T) {
	ts := newTestServer(t)

	t.Run("no archive", func(t *testing.T) {
		var body bytes.Buffer
		mw := multipart.NewWriter(&body)
		require.NoError(t, mw.Close())
		w := ts.do(t, http.MethodPost, "/api/plugins", &body, mw.FormDataContentType())
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("bad permissions field", func(t *testing.T) {
		body, contentType := archiveUpload(t, manifestJSON("notes"), "not-json")
		w := ts.do(t, http.MethodPost, "/api/plugins", body, contentType)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("missing grant cleans up files", func(t *testing.T) {
		body, contentType := archiveUpload(t, manifestJSON("greedy"), "")
		w := ts.do(t, http.MethodPost, "/api/plugins", body, contentType)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.NoDirExists(t, filepath.Join(ts.root, "greedy"))
	})

	t.Run("invalid manifest", func(t *testing.T) {
		body, contentType := archiveUpload(t, `{"id": "bad"}`, "")
		w := ts.do(t, http.MethodPost, "/api/plugins", body, contentType)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestAPI_InstallConflict(t *testing.T) {
	ts := newTestServer(t)
	ts.install(t, "notes")

	body, contentType := archiveUpload(t, manifestJSON("notes"), `["trips.read"]`)
	w := ts.do(t, http.MethodPost, "/api/plugins", body, contentType)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestAPI_GetUnknown(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/api/plugins/ghost", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPI_EnableDisable(t *testing.T) {
	ts := newTestServer(t)
	ts.install(t, "notes")

	w := ts.do(t, http.MethodPost, "/api/plugins/notes/disable", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"enabled":false}`, w.Body.String())

	w = ts.do(t, http.MethodGet, "/api/plugins/notes", nil, "")
	assert.Contains(t, w.Body.String(), `"enabled":false`)

	w = ts.do(t, http.MethodPost, "/api/plugins/notes/enable", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"enabled":true}`, w.Body.String())

	w = ts.do(t, http.MethodPost, "/api/plugins/ghost/enable", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPI_Uninstall(t *testing.T) {
	ts := newTestServer(t)
	ts.install(t, "notes")

	w := ts.do(t, http.MethodDelete, "/api/plugins/notes", nil, "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.NoDirExists(t, filepath.Join(ts.root, "notes"))

	w = ts.do(t, http.MethodGet, "/api/plugins/notes", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPI_UninstallKeepFiles(t *testing.T) {
	ts := newTestServer(t)
	ts.install(t, "notes")

	w := ts.do(t, http.MethodDelete, "/api/plugins/notes?keep_files=true", nil, "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.DirExists(t, filepath.Join(ts.root, "notes"))
}

func TestAPI_Settings(t *testing.T) {
	ts := newTestServer(t)
	ts.install(t, "notes")

	w := ts.do(t, http.MethodGet, "/api/plugins/notes/settings", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"settings":{}}`, w.Body.String())

	body := bytes.NewBufferString(`{"greeting":"hello"}`)
	w = ts.do(t, http.MethodPut, "/api/plugins/notes/settings", body, "application/json")
	assert.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodGet, "/api/plugins/notes/settings", nil, "")
	assert.JSONEq(t, `{"settings":{"greeting":"hello"}}`, w.Body.String())

	body = bytes.NewBufferString(`["not","an","object"]`)
	w = ts.do(t, http.MethodPut, "/api/plugins/notes/settings", body, "application/json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPI_Permissions(t *testing.T) {
	ts := newTestServer(t)
	ts.install(t, "notes")

	w := ts.do(t, http.MethodGet, "/api/plugins/notes/permissions", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `"required"`)
	assert.Contains(t, body, `"granted"`)
	assert.Contains(t, body, "trips.read")
}

func TestAPI_ProxyServesMountedRoutes(t *testing.T) {
	// An extension with routes becomes reachable under /plugins/<id>/
	// after install. The stub host mounts nothing, so the proxy answers
	// 404 with the plugin id.
	ts := newTestServer(t)
	ts.install(t, "notes")

	w := ts.do(t, http.MethodGet, "/plugins/notes/anything", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "notes"))

	// Files on disk without an install record are not routable either.
	require.NoError(t, os.MkdirAll(filepath.Join(ts.root, "squatter"), 0o755))
	w = ts.do(t, http.MethodGet, "/plugins/squatter/x", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
