package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"testing"

	"bulkgrid/internal/config"
	"bulkgrid/internal/db"
	"bulkgrid/internal/engine"
	"bulkgrid/internal/migrate"
	bulkgridsdk "bulkgrid/sdk/go"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("audit-1")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if _, err := e.InitAudit(context.Background(), "audit-1", "Q1 audit", "", "tester"); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestSearchGroupsValuesAcrossAssessments(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	var ids []int64
	for _, title := range []string{"Access review", "Change control"} {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/audits/audit-1/assessments", map[string]any{
			"title": title,
		}, nil)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create assessment status %d: %s", res.StatusCode, string(data))
		}
		var created AssessmentResponse
		if err := json.Unmarshal(data, &created); err != nil {
			t.Fatalf("unmarshal assessment: %v", err)
		}
		ids = append(ids, created.ID)
	}

	var defs []int64
	for _, id := range ids {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/assessments/"+itoa(id)+"/attributes", map[string]any{
			"title":                "Risk rating",
			"type":                 "dropdown",
			"mandatory":            true,
			"multi_choice_options": "Low,Medium,High",
		}, nil)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("define attribute status %d: %s", res.StatusCode, string(data))
		}
		var def DefinitionResponse
		_ = json.Unmarshal(data, &def)
		defs = append(defs, def.ID)
	}

	res, data := doJSON(t, client, http.MethodPut, srv.URL+"/v0/attributes/"+itoa(defs[0])+"/value", map[string]any{
		"value": "High",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("set value status %d: %s", res.StatusCode, string(data))
	}

	searchRes, searchData := doJSON(t, client, http.MethodPost, srv.URL+"/v0/audits/audit-1/bulk/cavs/search", map[string]any{}, nil)
	if searchRes.StatusCode != http.StatusOK {
		t.Fatalf("search status %d: %s", searchRes.StatusCode, string(searchData))
	}
	var search SearchResponse
	if err := json.Unmarshal(searchData, &search); err != nil {
		t.Fatalf("unmarshal search: %v", err)
	}
	if len(search.Attributes) != 1 {
		t.Fatalf("expected one shared column, got %d", len(search.Attributes))
	}
	if len(search.Assessments) != 2 {
		t.Fatalf("expected two assessments, got %d", len(search.Assessments))
	}
	group := search.Attributes[0]
	if group.Title != "Risk rating" || group.AttributeType != "dropdown" {
		t.Fatalf("unexpected group: %+v", group)
	}
	if len(group.Values) != 2 {
		t.Fatalf("expected an entry per definition instance, got %d", len(group.Values))
	}
	cell, ok := group.Values[itoa(ids[0])]
	if !ok {
		t.Fatalf("expected value keyed by assessment %d", ids[0])
	}
	if cell.Value != "High" || cell.AttributeDefinitionID != defs[0] {
		t.Fatalf("unexpected cell: %+v", cell)
	}
	empty, ok := group.Values[itoa(ids[1])]
	if !ok {
		t.Fatalf("expected an entry for the unfilled instance on assessment %d", ids[1])
	}
	if empty.Value != nil || empty.AttributeDefinitionID != defs[1] {
		t.Fatalf("unexpected unfilled cell: %+v", empty)
	}
	if empty.PreconditionsFailed != nil {
		t.Fatalf("expected null preconditions on unfilled cell, got %v", empty.PreconditionsFailed)
	}
}

func TestMatrixEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/audits/audit-1/assessments", map[string]any{
		"title": "Backup restore drill",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create assessment: %d %s", res.StatusCode, string(data))
	}
	var created AssessmentResponse
	_ = json.Unmarshal(data, &created)

	applyRes, applyData := doJSON(t, client, http.MethodPost, srv.URL+"/v0/assessments/"+itoa(created.ID)+"/attributes/apply", map[string]any{
		"names": []string{"risk.rating", "sox.relevant"},
	}, nil)
	if applyRes.StatusCode != http.StatusCreated {
		t.Fatalf("apply templates: %d %s", applyRes.StatusCode, string(applyData))
	}

	matrixRes, matrixData := doJSON(t, client, http.MethodGet, srv.URL+"/v0/audits/audit-1/matrix", nil, nil)
	if matrixRes.StatusCode != http.StatusOK {
		t.Fatalf("matrix: %d %s", matrixRes.StatusCode, string(matrixData))
	}
	var m MatrixResponse
	if err := json.Unmarshal(matrixData, &m); err != nil {
		t.Fatalf("unmarshal matrix: %v", err)
	}
	if len(m.Headers) != 2 {
		t.Fatalf("expected two headers, got %d", len(m.Headers))
	}
	if m.Headers[0].Title != "Risk rating" {
		t.Fatalf("unexpected header order: %+v", m.Headers)
	}
	if len(m.Rows) != 1 || len(m.Rows[0].Cells) != 2 {
		t.Fatalf("unexpected row shape")
	}
}

func TestStatusTransitionConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/audits/audit-1/assessments", map[string]any{
		"title": "Transitions",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create assessment: %d %s", res.StatusCode, string(data))
	}
	var created AssessmentResponse
	_ = json.Unmarshal(data, &created)

	badRes, badData := doJSON(t, client, http.MethodPatch, srv.URL+"/v0/assessments/"+itoa(created.ID)+"/status", map[string]any{
		"status": "Completed",
	}, nil)
	if badRes.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict, got %d %s", badRes.StatusCode, string(badData))
	}
	okRes, okData := doJSON(t, client, http.MethodPatch, srv.URL+"/v0/assessments/"+itoa(created.ID)+"/status", map[string]any{
		"status": "In Progress",
	}, nil)
	if okRes.StatusCode != http.StatusOK {
		t.Fatalf("expected transition, got %d %s", okRes.StatusCode, string(okData))
	}
}

func TestAuthRequiredWithSecret(t *testing.T) {
	workspace := t.TempDir()
	cfg := config.Default("audit-1")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: "s3cret"}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	defer srv.Shutdown(context.Background())
	base := "http://" + ln.Addr().String()

	client := &http.Client{}
	res, _ := doJSON(t, client, http.MethodGet, base+"/v0/audits", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
	healthRes, _ := doJSON(t, client, http.MethodGet, base+"/v0/health", nil, nil)
	if healthRes.StatusCode != http.StatusOK {
		t.Fatalf("expected health open, got %d", healthRes.StatusCode)
	}
}

func TestSDKRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	ctx := context.Background()
	sdk := bulkgridsdk.New(srv.URL, "audit-1")
	sdk.ActorID = "sdk-user"

	a, err := sdk.CreateAssessment(ctx, "Vendor review", "Control")
	if err != nil {
		t.Fatalf("sdk create assessment: %v", err)
	}
	defs, err := sdk.ApplyTemplates(ctx, a.ID, []string{"risk.rating"})
	if err != nil {
		t.Fatalf("sdk apply templates: %v", err)
	}
	if len(defs) != 1 {
		t.Fatalf("expected one definition, got %d", len(defs))
	}
	val := "Medium"
	if _, err := sdk.SetValue(ctx, defs[0].ID, &val, nil); err != nil {
		t.Fatalf("sdk set value: %v", err)
	}
	if err := sdk.AddEvidence(ctx, a.ID, "url", "policy", "https://example.com/p"); err != nil {
		t.Fatalf("sdk add evidence: %v", err)
	}
	result, err := sdk.Search(ctx, bulkgridsdk.SearchRequest{})
	if err != nil {
		t.Fatalf("sdk search: %v", err)
	}
	if len(result.Assessments) != 1 || result.Assessments[0].URLsCount != 1 {
		t.Fatalf("unexpected search result: %+v", result.Assessments)
	}
	events, err := sdk.Events(ctx, 10)
	if err != nil {
		t.Fatalf("sdk events: %v", err)
	}
	if len(events) == 0 {
		t.Fatalf("expected events")
	}
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
