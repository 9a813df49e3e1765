package grafana

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"portal-backend/internal/config"
	"portal-backend/internal/user"
)

type fakeTenants struct {
	name string
	err  error
}

func (f fakeTenants) Ensure(ctx context.Context, displayName string) (string, error) {
	return f.name, f.err
}

type fakeToken struct {
	ID   int64
	Name string
}

type fakeDatasource struct {
	ID        int64  `json:"id"`
	UID       string `json:"uid"`
	Name      string `json:"name"`
	Type      string `json:"type"`
	Database  string `json:"database"`
	URL       string `json:"url"`
	User      string `json:"user"`
	IsDefault bool   `json:"isDefault"`

	updates int
}

type tokenRequest struct {
	Name          string `json:"name"`
	Role          string `json:"role"`
	SecondsToLive int    `json:"secondsToLive"`
}

// fakeGrafana is an in-memory stand-in for the Grafana admin API.
type fakeGrafana struct {
	mu              sync.Mutex
	nextID          int64
	orgs            map[string]int64
	serviceAccounts map[string]int64
	tokens          map[int64][]fakeToken
	datasources     map[string]*fakeDatasource
	dashboards      []map[string]any
	lastKey         string
	lastTokenReq    tokenRequest
	searchOrgScope  string
	failTokenDelete bool
}

func newFakeGrafana() *fakeGrafana {
	return &fakeGrafana{
		orgs:            map[string]int64{},
		serviceAccounts: map[string]int64{},
		tokens:          map[int64][]fakeToken{},
		datasources:     map[string]*fakeDatasource{},
	}
}

func (f *fakeGrafana) id() int64 {
	f.nextID++
	return f.nextID
}

func (f *fakeGrafana) addOrg(name string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.id()
	f.orgs[name] = id
	return id
}

func (f *fakeGrafana) addServiceAccount(name string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.id()
	f.serviceAccounts[name] = id
	return id
}

func (f *fakeGrafana) addToken(saID int64, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens[saID] = append(f.tokens[saID], fakeToken{ID: f.id(), Name: name})
}

func (f *fakeGrafana) addDatasource(name, dsType, uid string) *fakeDatasource {
	f.mu.Lock()
	defer f.mu.Unlock()
	ds := &fakeDatasource{ID: f.id(), UID: uid, Name: name, Type: dsType}
	f.datasources[name] = ds
	return ds
}

func (f *fakeGrafana) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	writeJSON := func(w http.ResponseWriter, status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(v)
	}

	mux.HandleFunc("POST /api/orgs", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Name string `json:"name"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, exists := f.orgs[body.Name]; exists {
			writeJSON(w, 409, map[string]any{"message": "Organization name taken"})
			return
		}
		id := f.id()
		f.orgs[body.Name] = id
		writeJSON(w, 200, map[string]any{"message": "Organization created", "orgId": id})
	})

	mux.HandleFunc("GET /api/orgs/name/{name}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		name := r.PathValue("name")
		if id, ok := f.orgs[name]; ok {
			writeJSON(w, 200, map[string]any{"id": id, "name": name})
			return
		}
		writeJSON(w, 404, map[string]any{"message": "Organization not found"})
	})

	mux.HandleFunc("GET /api/serviceaccounts/search", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.searchOrgScope = r.Header.Get(OrgHeader)
		query := r.URL.Query().Get("query")
		accounts := []map[string]any{}
		if id, ok := f.serviceAccounts[query]; ok {
			accounts = append(accounts, map[string]any{"id": id, "name": query})
		}
		writeJSON(w, 200, map[string]any{"totalCount": len(accounts), "serviceAccounts": accounts})
	})

	mux.HandleFunc("POST /api/serviceaccounts", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Name string `json:"name"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		defer f.mu.Unlock()
		id := f.id()
		f.serviceAccounts[body.Name] = id
		writeJSON(w, 201, map[string]any{"id": id, "name": body.Name})
	})

	mux.HandleFunc("GET /api/serviceaccounts/{said}/tokens", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		saID, _ := strconv.ParseInt(r.PathValue("said"), 10, 64)
		list := []map[string]any{}
		for _, tok := range f.tokens[saID] {
			list = append(list, map[string]any{"id": tok.ID, "name": tok.Name})
		}
		writeJSON(w, 200, list)
	})

	mux.HandleFunc("DELETE /api/serviceaccounts/{said}/tokens/{tid}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.failTokenDelete {
			writeJSON(w, 500, map[string]any{"message": "Internal server error"})
			return
		}
		saID, _ := strconv.ParseInt(r.PathValue("said"), 10, 64)
		tid, _ := strconv.ParseInt(r.PathValue("tid"), 10, 64)
		kept := f.tokens[saID][:0]
		for _, tok := range f.tokens[saID] {
			if tok.ID != tid {
				kept = append(kept, tok)
			}
		}
		f.tokens[saID] = kept
		writeJSON(w, 200, map[string]any{"message": "Token deleted"})
	})

	mux.HandleFunc("POST /api/serviceaccounts/{said}/tokens", func(w http.ResponseWriter, r *http.Request) {
		var body tokenRequest
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		defer f.mu.Unlock()
		saID, _ := strconv.ParseInt(r.PathValue("said"), 10, 64)
		id := f.id()
		f.tokens[saID] = append(f.tokens[saID], fakeToken{ID: id, Name: body.Name})
		f.lastTokenReq = body
		f.lastKey = fmt.Sprintf("glsa_key_%d", id)
		writeJSON(w, 200, map[string]any{"id": id, "name": body.Name, "key": f.lastKey})
	})

	mux.HandleFunc("GET /api/datasources/name/{name}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if ds, ok := f.datasources[r.PathValue("name")]; ok {
			writeJSON(w, 200, ds)
			return
		}
		writeJSON(w, 404, map[string]any{"message": "Data source not found"})
	})

	mux.HandleFunc("POST /api/datasources", func(w http.ResponseWriter, r *http.Request) {
		var body fakeDatasource
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		defer f.mu.Unlock()
		body.ID = f.id()
		body.UID = fmt.Sprintf("uid-%d", body.ID)
		f.datasources[body.Name] = &body
		writeJSON(w, 200, map[string]any{"id": body.ID, "message": "Datasource added"})
	})

	mux.HandleFunc("PUT /api/datasources/{id}", func(w http.ResponseWriter, r *http.Request) {
		var body fakeDatasource
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		defer f.mu.Unlock()
		for _, ds := range f.datasources {
			if ds.ID != body.ID {
				continue
			}
			updates := ds.updates + 1
			body.updates = updates
			f.datasources[body.Name] = &body
			writeJSON(w, 200, map[string]any{"message": "Datasource updated"})
			return
		}
		writeJSON(w, 404, map[string]any{"message": "Data source not found"})
	})

	mux.HandleFunc("POST /api/dashboards/db", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		defer f.mu.Unlock()
		f.dashboards = append(f.dashboards, body)
		writeJSON(w, 200, map[string]any{"status": "success"})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeTemplate(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "simple_sales.json")
	if err := os.WriteFile(path, []byte(dashboardTemplate), 0o644); err != nil {
		t.Fatalf("write template: %v", err)
	}
	return path
}

func testService(t *testing.T, f *fakeGrafana, templatePath string, tenants TenantDB) *Service {
	t.Helper()
	srv := f.server(t)
	cfg := &config.Config{
		Database: config.DatabaseConfig{
			Host: "db", Port: 5432, User: "portal", Password: "dbsecret", Name: "portal",
		},
		Grafana: config.GrafanaConfig{
			URL:               srv.URL,
			AdminUser:         "admin",
			AdminPassword:     "admin",
			DashboardTemplate: templatePath,
		},
	}
	return NewService(NewClient(cfg.Grafana), tenants, cfg)
}

func testUser() *user.User {
	return &user.User{ID: 7, Name: "Hanna Meyer", Email: "hanna@example.com"}
}

func TestBootstrap_FreshUser(t *testing.T) {
	f := newFakeGrafana()
	svc := testService(t, f, writeTemplate(t), fakeTenants{name: "hanna_meyer_db"})

	res, err := svc.Bootstrap(context.Background(), testUser())
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	orgID, ok := f.orgs["u7"]
	if !ok {
		t.Fatal("organization u7 was not created")
	}
	if res.OrgID != orgID {
		t.Fatalf("expected org id %d returned, got %d", orgID, res.OrgID)
	}

	saID, ok := f.serviceAccounts["hanna-meyer-sa"]
	if !ok {
		t.Fatal("service account hanna-meyer-sa was not created")
	}
	if f.searchOrgScope != strconv.FormatInt(orgID, 10) {
		t.Fatalf("service account search must be org-scoped, got header %q", f.searchOrgScope)
	}

	if len(f.tokens[saID]) != 1 {
		t.Fatalf("expected exactly one live token, got %d", len(f.tokens[saID]))
	}
	if res.Token == "" || res.Token != f.lastKey {
		t.Fatalf("returned token %q does not match minted key %q", res.Token, f.lastKey)
	}
	if !strings.HasPrefix(f.lastTokenReq.Name, "t-") {
		t.Fatalf("token name must carry random suffix, got %q", f.lastTokenReq.Name)
	}
	if f.lastTokenReq.SecondsToLive != 0 {
		t.Fatalf("token must have no remote expiry, got secondsToLive=%d", f.lastTokenReq.SecondsToLive)
	}

	ds, ok := f.datasources["hanna-meyer-db"]
	if !ok {
		t.Fatal("datasource hanna-meyer-db was not created")
	}
	if ds.Type != "postgres" || ds.Database != "hanna_meyer_db" || ds.URL != "db:5432" || ds.User != "portal" {
		t.Fatalf("datasource not wired to tenant db: %+v", ds)
	}
	if !ds.IsDefault {
		t.Fatal("datasource must be marked default")
	}

	if len(f.dashboards) != 1 {
		t.Fatalf("expected one dashboard import, got %d", len(f.dashboards))
	}
	payload := f.dashboards[0]
	if payload["overwrite"] != true {
		t.Fatalf("import must overwrite, got %v", payload["overwrite"])
	}
	if folder, _ := payload["folderId"].(float64); folder != 0 {
		t.Fatalf("import must target folder 0, got %v", payload["folderId"])
	}
	dash := payload["dashboard"].(map[string]any)
	if _, ok := dash["id"]; ok {
		t.Fatal("imported dashboard must not carry an id")
	}
	panel := dash["panels"].([]any)[0].(map[string]any)
	ref := panel["datasource"].(map[string]any)
	if ref["type"] != "postgres" || ref["uid"] != ds.UID {
		t.Fatalf("panel not bound to resolved datasource: %v", ref)
	}
}

func TestBootstrap_ExistingOrgFallsBackToLookup(t *testing.T) {
	f := newFakeGrafana()
	existingID := f.addOrg("u7")
	svc := testService(t, f, writeTemplate(t), fakeTenants{name: "hanna_meyer_db"})

	res, err := svc.Bootstrap(context.Background(), testUser())
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if res.OrgID != existingID {
		t.Fatalf("expected existing org %d via lookup fallback, got %d", existingID, res.OrgID)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.orgs) != 1 {
		t.Fatalf("expected exactly one organization, got %d", len(f.orgs))
	}
}

func TestBootstrap_RotatesAllExistingTokens(t *testing.T) {
	f := newFakeGrafana()
	saID := f.addServiceAccount("hanna-meyer-sa")
	f.addToken(saID, "t-old-1")
	f.addToken(saID, "t-old-2")
	f.addToken(saID, "t-old-3")
	svc := testService(t, f, writeTemplate(t), fakeTenants{name: "hanna_meyer_db"})

	res, err := svc.Bootstrap(context.Background(), testUser())
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	tokens := f.tokens[saID]
	if len(tokens) != 1 {
		t.Fatalf("expected exactly one token after rotation, got %d", len(tokens))
	}
	if tokens[0].Name == "t-old-1" || tokens[0].Name == "t-old-2" || tokens[0].Name == "t-old-3" {
		t.Fatalf("surviving token must be freshly minted, got %q", tokens[0].Name)
	}
	if res.Token != f.lastKey {
		t.Fatalf("returned token %q does not match minted key %q", res.Token, f.lastKey)
	}
}

func TestBootstrap_TokenDeleteFailureAborts(t *testing.T) {
	f := newFakeGrafana()
	saID := f.addServiceAccount("hanna-meyer-sa")
	f.addToken(saID, "t-old-1")
	f.failTokenDelete = true
	svc := testService(t, f, writeTemplate(t), fakeTenants{name: "hanna_meyer_db"})

	if _, err := svc.Bootstrap(context.Background(), testUser()); err == nil {
		t.Fatal("expected Bootstrap to fail when a stale token cannot be deleted")
	}

	// The stale token is still live, so no fresh token may have been minted
	// alongside it.
	f.mu.Lock()
	defer f.mu.Unlock()
	tokens := f.tokens[saID]
	if len(tokens) != 1 || tokens[0].Name != "t-old-1" {
		t.Fatalf("expected only the stale token to remain, got %v", tokens)
	}
	if f.lastKey != "" {
		t.Fatal("no new token may be minted while a stale token survives")
	}
}

func TestBootstrap_ExistingDatasourceUpdatedInPlace(t *testing.T) {
	f := newFakeGrafana()
	old := f.addDatasource("hanna-meyer-db", "mysql", "old-uid")
	old.Database = "stale_db"
	svc := testService(t, f, writeTemplate(t), fakeTenants{name: "hanna_meyer_db"})

	if _, err := svc.Bootstrap(context.Background(), testUser()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.datasources) != 1 {
		t.Fatalf("expected no duplicate datasource, got %d", len(f.datasources))
	}
	ds := f.datasources["hanna-meyer-db"]
	if ds.updates != 1 {
		t.Fatalf("expected one in-place update, got %d", ds.updates)
	}
	if ds.Database != "hanna_meyer_db" {
		t.Fatalf("update must resynchronize connection params, got database %q", ds.Database)
	}
	if ds.Type != "mysql" || ds.UID != "old-uid" {
		t.Fatalf("update must keep existing type and uid, got %+v", ds)
	}

	// Dashboard binds by the stable uid, not the (possibly renamed) name.
	dash := f.dashboards[0]["dashboard"].(map[string]any)
	ref := dash["panels"].([]any)[0].(map[string]any)["datasource"].(map[string]any)
	if ref["type"] != "mysql" || ref["uid"] != "old-uid" {
		t.Fatalf("dashboard must bind to existing datasource identity, got %v", ref)
	}
}

func TestBootstrap_MissingTemplateSkipsImport(t *testing.T) {
	f := newFakeGrafana()
	svc := testService(t, f, filepath.Join(t.TempDir(), "does-not-exist.json"), fakeTenants{name: "hanna_meyer_db"})

	if _, err := svc.Bootstrap(context.Background(), testUser()); err != nil {
		t.Fatalf("missing template must not fail provisioning: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.dashboards) != 0 {
		t.Fatalf("expected no dashboard import, got %d", len(f.dashboards))
	}
	if _, ok := f.datasources["hanna-meyer-db"]; !ok {
		t.Fatal("datasource must still be provisioned")
	}
}

func TestBootstrap_TenantDatabaseFailureAborts(t *testing.T) {
	f := newFakeGrafana()
	svc := testService(t, f, writeTemplate(t), fakeTenants{err: fmt.Errorf("connection refused")})

	if _, err := svc.Bootstrap(context.Background(), testUser()); err == nil {
		t.Fatal("expected tenant database failure to abort the run")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.datasources) != 0 {
		t.Fatal("datasource must not be created after an aborted run")
	}
}

func TestBootstrap_RerunConverges(t *testing.T) {
	f := newFakeGrafana()
	svc := testService(t, f, writeTemplate(t), fakeTenants{name: "hanna_meyer_db"})
	ctx := context.Background()

	first, err := svc.Bootstrap(ctx, testUser())
	if err != nil {
		t.Fatalf("first Bootstrap: %v", err)
	}
	second, err := svc.Bootstrap(ctx, testUser())
	if err != nil {
		t.Fatalf("second Bootstrap: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.orgs) != 1 || len(f.serviceAccounts) != 1 || len(f.datasources) != 1 {
		t.Fatalf("re-run must not duplicate remote objects: orgs=%d sas=%d datasources=%d",
			len(f.orgs), len(f.serviceAccounts), len(f.datasources))
	}
	saID := f.serviceAccounts["hanna-meyer-sa"]
	if len(f.tokens[saID]) != 1 {
		t.Fatalf("re-run must leave exactly one live token, got %d", len(f.tokens[saID]))
	}
	if second.Token == first.Token {
		t.Fatal("re-run must rotate the credential")
	}
}
