package httpapi_test

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

	"github.com/gorilla/websocket"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/leadscout/audit"
	"github.com/hazyhaar/leadscout/batch"
	"github.com/hazyhaar/leadscout/contact"
	"github.com/hazyhaar/leadscout/dbopen"
	"github.com/hazyhaar/leadscout/httpapi"
	"github.com/hazyhaar/leadscout/linkedin"
	"github.com/hazyhaar/leadscout/linkedin/linkedintest"
	"github.com/hazyhaar/leadscout/ratelimit"
	"github.com/hazyhaar/leadscout/registry"
)

type env struct {
	srv     *httptest.Server
	api     *httpapi.Server
	driver  *linkedintest.Driver
	machine *linkedin.Machine
	limiter *ratelimit.Limiter
}

func setup(t *testing.T, budget ratelimit.Budget, mutate ...func(*httpapi.Config)) *env {
	t.Helper()
	d := &linkedintest.Driver{}
	m, err := linkedin.NewMachine(linkedin.Config{NewDriver: d.Factory(nil)})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { m.Close() })

	lim, err := ratelimit.New(map[string]ratelimit.Budget{ratelimit.ServiceLinkedIn: budget})
	if err != nil {
		t.Fatal(err)
	}
	orch, err := batch.New(batch.Config{DB: dbopen.OpenMemory(t), Auth: m, Limiter: lim})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { orch.Close() })

	cfg := httpapi.Config{Auth: m, Batches: orch, Limits: lim}
	for _, fn := range mutate {
		fn(&cfg)
	}
	api := httpapi.New(cfg)
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return &env{srv: srv, api: api, driver: d, machine: m, limiter: lim}
}

func (e *env) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, _ := http.NewRequest(method, e.srv.URL+path, rd)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func (e *env) connect(t *testing.T) {
	t.Helper()
	code, body := e.do(t, "POST", "/api/linkedin/connect-cookie", map[string]string{"cookie": linkedintest.ValidCookie})
	if code != http.StatusOK || body["status"] != "connected" {
		t.Fatalf("connect: %d %v", code, body)
	}
}

func (e *env) waitDone(t *testing.T, id string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		_, body := e.do(t, "GET", "/api/searches/"+id, nil)
		if s := body["status"]; s == "completed" || s == "failed" {
			return body
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session %s never finished", id)
	return nil
}

func TestHealth(t *testing.T) {
	e := setup(t, ratelimit.Budget{})
	code, body := e.do(t, "GET", "/health", nil)
	if code != 200 || body["status"] != "ok" || body["linkedin"] != "disconnected" {
		t.Errorf("health: %d %v", code, body)
	}
}

func TestAuthEndpoints(t *testing.T) {
	e := setup(t, ratelimit.Budget{})

	code, body := e.do(t, "GET", "/api/linkedin/status", nil)
	if code != 200 || body["status"] != "disconnected" || body["message"] == "" {
		t.Fatalf("status: %d %v", code, body)
	}

	code, body = e.do(t, "POST", "/api/linkedin/connect-cookie", map[string]string{"cookie": "short"})
	if code != http.StatusBadRequest || body["code"] != "invalid_request" {
		t.Errorf("short cookie: %d %v", code, body)
	}

	e.connect(t)
	code, body = e.do(t, "POST", "/api/linkedin/open-browser", nil)
	if code != http.StatusConflict || body["code"] != "wrong_state" {
		t.Errorf("open browser while connected: %d %v", code, body)
	}

	code, body = e.do(t, "POST", "/api/linkedin/disconnect", nil)
	if code != 200 || body["status"] != "disconnected" {
		t.Errorf("disconnect: %d %v", code, body)
	}
}

func TestVerificationCodeFlow(t *testing.T) {
	// WHAT: a login that needs an emailed code answers 202, then the code
	// completes it.
	e := setup(t, ratelimit.Budget{})
	e.driver.Set(func(d *linkedintest.Driver) {
		d.CredentialsOutcome = linkedin.OutcomeNeedsCode
		d.Codes = map[string]linkedin.Outcome{"123456": linkedin.OutcomeAccepted}
	})

	code, body := e.do(t, "POST", "/api/linkedin/connect", map[string]string{"email": "a@b.fr", "password": "pw"})
	if code != http.StatusAccepted || body["status"] != "needs_verification_code" {
		t.Fatalf("connect: %d %v", code, body)
	}
	code, body = e.do(t, "POST", "/api/linkedin/verify-code", map[string]string{"code": "000000"})
	if code != http.StatusAccepted || body["status"] != "needs_verification_code" {
		t.Errorf("bad code: %d %v", code, body)
	}
	code, body = e.do(t, "POST", "/api/linkedin/verify-code", map[string]string{"code": "123456"})
	if code != 200 || body["status"] != "connected" {
		t.Errorf("good code: %d %v", code, body)
	}
}

func TestSearchLifecycle(t *testing.T) {
	e := setup(t, ratelimit.Budget{})

	code, body := e.do(t, "POST", "/api/searches", map[string]any{"companies": []string{"Acme"}, "keywords": []string{"CEO"}})
	if code != http.StatusConflict || body["code"] != "auth_not_ready" || body["status"] != "disconnected" || body["hint"] == "" {
		t.Fatalf("not ready: %d %v", code, body)
	}

	e.connect(t)
	code, body = e.do(t, "POST", "/api/searches", map[string]any{"companies": []string{}, "keywords": []string{"CEO"}})
	if code != http.StatusBadRequest {
		t.Errorf("empty companies: %d %v", code, body)
	}

	req := map[string]any{"companies": []string{"Acme", "Globex"}, "keywords": []string{"CEO"}, "limitPerCompany": 3}
	code, body = e.do(t, "POST", "/api/searches", req)
	if code != http.StatusAccepted || body["cached"] != false || body["totalCompanies"] != 2.0 {
		t.Fatalf("start: %d %v", code, body)
	}
	id := body["sessionId"].(string)

	final := e.waitDone(t, id)
	if final["status"] != "completed" || final["totalResults"] != 2.0 {
		t.Errorf("final: %v", final)
	}

	code, body = e.do(t, "GET", "/api/searches/"+id+"/results?page=1&pageSize=1", nil)
	if code != 200 || body["totalPages"] != 2.0 || len(body["results"].([]any)) != 1 {
		t.Errorf("results: %d %v", code, body)
	}
	code, _ = e.do(t, "GET", "/api/searches/"+id+"/results?page=x", nil)
	if code != http.StatusBadRequest {
		t.Errorf("non-numeric page: %d", code)
	}

	code, body = e.do(t, "POST", "/api/searches", req)
	if code != http.StatusOK || body["cached"] != true || body["sessionId"] != id {
		t.Errorf("repeat: %d %v", code, body)
	}

	code, body = e.do(t, "GET", "/api/searches?page=1&pageSize=10", nil)
	if code != 200 || body["total"] != 1.0 {
		t.Errorf("history: %d %v", code, body)
	}

	code, body = e.do(t, "GET", "/api/searches/srch_nope", nil)
	if code != http.StatusNotFound || body["code"] != "not_found" {
		t.Errorf("unknown session: %d %v", code, body)
	}
}

func TestAdhocSearch_MinDelay(t *testing.T) {
	// WHAT: a second ad-hoc search inside the minimum spacing is refused
	// with 429 and a Retry-After, and never reaches the driver.
	e := setup(t, ratelimit.Budget{MinDelay: time.Hour})
	e.connect(t)

	if code, body := e.do(t, "POST", "/api/linkedin/search", map[string]any{"query": "CTO Acme"}); code != 200 {
		t.Fatalf("first search: %d %v", code, body)
	}

	b, _ := json.Marshal(map[string]any{"query": "CFO Acme"})
	resp, err := http.Post(e.srv.URL+"/api/linkedin/search", "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body map[string]any
	json.NewDecoder(resp.Body).Decode(&body)
	if resp.StatusCode != http.StatusTooManyRequests || body["code"] != "rate_limited" {
		t.Fatalf("second search: %d %v", resp.StatusCode, body)
	}
	if ra := resp.Header.Get("Retry-After"); ra == "" || ra == "0" {
		t.Errorf("Retry-After: %q", ra)
	}
	if e.driver.Searches() != 1 {
		t.Errorf("driver searches: %d", e.driver.Searches())
	}
}

func TestDisconnect_EndsUsageSession(t *testing.T) {
	// WHAT: disconnecting after a search puts the scraped service into
	// cooldown, so a quick reconnect cannot resume the same session.
	e := setup(t, ratelimit.Budget{Cooldown: time.Hour, MaxSession: time.Hour})
	e.connect(t)
	if code, body := e.do(t, "POST", "/api/linkedin/search", map[string]any{"query": "CTO Acme"}); code != 200 {
		t.Fatalf("search: %d %v", code, body)
	}

	code, body := e.do(t, "POST", "/api/linkedin/disconnect", nil)
	if code != 200 || body["status"] != "disconnected" {
		t.Fatalf("disconnect: %d %v", code, body)
	}
	if st := e.limiter.ServiceStatus(ratelimit.ServiceLinkedIn); st.CooldownUntil == nil || st.Allowed {
		t.Errorf("quota after disconnect: %+v", st)
	}

	e.connect(t)
	if code, body := e.do(t, "POST", "/api/linkedin/search", map[string]any{"query": "CTO Acme"}); code != http.StatusTooManyRequests {
		t.Errorf("search after reconnect: %d %v", code, body)
	}
}

func TestAdhocSearch_RateLimited(t *testing.T) {
	// WHAT: the ad-hoc search spends the shared budget and is refused with
	// 429 and the quota view once it is gone.
	e := setup(t, ratelimit.Budget{PerMinute: 1})
	e.connect(t)

	code, body := e.do(t, "POST", "/api/linkedin/search", map[string]any{"query": "CTO Acme", "limit": 5})
	if code != 200 || body["count"] != 1.0 {
		t.Fatalf("first search: %d %v", code, body)
	}
	code, body = e.do(t, "POST", "/api/linkedin/search", map[string]any{"query": "CTO Acme"})
	if code != http.StatusTooManyRequests || body["code"] != "rate_limited" || body["rateLimit"] == nil {
		t.Errorf("second search: %d %v", code, body)
	}
	if e.driver.Searches() != 1 {
		t.Errorf("driver searches: %d", e.driver.Searches())
	}

	code, body = e.do(t, "GET", "/api/rate-limits", nil)
	services, _ := body["services"].([]any)
	if code != 200 || len(services) != 1 {
		t.Errorf("rate limits: %d %v", code, body)
	}
}

func TestAdhocSearch_AutomationFailure(t *testing.T) {
	e := setup(t, ratelimit.Budget{})
	e.connect(t)
	e.driver.Set(func(d *linkedintest.Driver) { d.FailAll = errors.New("navigation timeout") })

	code, body := e.do(t, "POST", "/api/linkedin/search", map[string]any{"query": "CTO Acme"})
	if code != http.StatusBadGateway || body["code"] != "upstream_failure" {
		t.Errorf("got %d %v", code, body)
	}
}

func TestSearchEvents_Websocket(t *testing.T) {
	// WHAT: the stream ends with the terminal snapshot and a normal close.
	e := setup(t, ratelimit.Budget{})
	e.connect(t)
	_, body := e.do(t, "POST", "/api/searches", map[string]any{"companies": []string{"Acme"}, "keywords": []string{"CEO"}})
	id := body["sessionId"].(string)

	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/api/searches/" + id + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))

	var last batch.Session
	for {
		var s batch.Session
		if err := conn.ReadJSON(&s); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("read: %v", err)
			}
			break
		}
		last = s
	}
	if last.ID != id || last.Status != batch.StatusCompleted {
		t.Errorf("last event: %+v", last)
	}

	resp, err := http.Get(e.srv.URL + "/api/searches/srch_nope/events")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown session stream: %d", resp.StatusCode)
	}
}

func TestSearchEvents_Origin(t *testing.T) {
	// WHAT: the stream accepts its own host, configured origins and clients
	// sending no Origin, and refuses any other page with 403.
	// WHY: a third-party page must not read search progress through the
	// operator's browser.
	e := setup(t, ratelimit.Budget{}, func(c *httpapi.Config) {
		c.AllowedOrigins = []string{"https://app.example.com/"}
	})
	e.connect(t)
	_, body := e.do(t, "POST", "/api/searches", map[string]any{"companies": []string{"Acme"}, "keywords": []string{"CEO"}})
	id := body["sessionId"].(string)
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/api/searches/" + id + "/events"

	for _, origin := range []string{"", e.srv.URL, "https://APP.example.com"} {
		h := http.Header{}
		if origin != "" {
			h.Set("Origin", origin)
		}
		conn, _, err := websocket.DefaultDialer.Dial(url, h)
		if err != nil {
			t.Errorf("origin %q refused: %v", origin, err)
			continue
		}
		conn.Close()
	}

	h := http.Header{"Origin": {"https://evil.example.net"}}
	conn, resp, err := websocket.DefaultDialer.Dial(url, h)
	if err == nil {
		conn.Close()
		t.Fatal("foreign origin accepted")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("foreign origin: %v %v", resp, err)
	}
}

type fakeCompanies struct{}

func (fakeCompanies) LookupCompany(_ context.Context, name string) (*registry.Company, error) {
	if name == "ghost" {
		return nil, registry.ErrNotFound
	}
	return &registry.Company{Name: strings.ToUpper(name), SIREN: "123456789"}, nil
}

type fakeProfiles struct{}

func (fakeProfiles) FindProfiles(_ context.Context, function, company string, max int) ([]contact.Contact, error) {
	return []contact.Contact{{Name: "Jean Dupont", Title: function, Company: company}}, nil
}

// failingCompanies stands for a registry that is down.
type failingCompanies struct{}

func (failingCompanies) LookupCompany(context.Context, string) (*registry.Company, error) {
	return nil, errors.New("registry: upstream 502")
}

func TestSimpleSearch(t *testing.T) {
	// WHAT: the company is resolved in the registry and the profiles are
	// searched under the resolved name; an unknown company or a failing
	// registry falls back to the name as typed.
	// WHY: this path needs no automation session, so it must answer even
	// when the registry cannot.
	e := setup(t, ratelimit.Budget{}, func(c *httpapi.Config) {
		c.Companies = fakeCompanies{}
		c.Profiles = fakeProfiles{}
	})

	code, body := e.do(t, "POST", "/api/prospects/simple-search", map[string]any{"jobFunction": "DAF", "companyName": "acme"})
	if code != 200 || body["linkedinFound"] != true || body["profilesCount"] != 1.0 || body["searchedFunction"] != "DAF" {
		t.Fatalf("simple search: %d %v", code, body)
	}
	company, _ := body["company"].(map[string]any)
	if company["name"] != "ACME" || company["siren"] != "123456789" {
		t.Errorf("company: %v", company)
	}
	contacts, _ := body["contacts"].([]any)
	if len(contacts) != 1 || contacts[0].(map[string]any)["company"] != "ACME" {
		t.Errorf("profiles not searched under the registry name: %v", contacts)
	}

	code, body = e.do(t, "POST", "/api/prospects/simple-search", map[string]any{"jobFunction": "DAF", "companyName": "ghost"})
	company, _ = body["company"].(map[string]any)
	if code != 200 || company["name"] != "ghost" || company["siren"] != nil {
		t.Errorf("unknown company: %d %v", code, body)
	}

	if code, body := e.do(t, "POST", "/api/prospects/simple-search", map[string]any{"companyName": "acme"}); code != http.StatusBadRequest {
		t.Errorf("missing function: %d %v", code, body)
	}
	if e.driver.Searches() != 0 {
		t.Errorf("simple search used the automation session: %d searches", e.driver.Searches())
	}

	down := setup(t, ratelimit.Budget{}, func(c *httpapi.Config) {
		c.Companies = failingCompanies{}
		c.Profiles = fakeProfiles{}
	})
	code, body = down.do(t, "POST", "/api/prospects/simple-search", map[string]any{"jobFunction": "CEO", "companyName": "Beta"})
	company, _ = body["company"].(map[string]any)
	if code != 200 || company["name"] != "Beta" || body["profilesCount"] != 1.0 {
		t.Errorf("registry down: %d %v", code, body)
	}

	bare := setup(t, ratelimit.Budget{})
	if code, body := bare.do(t, "POST", "/api/prospects/simple-search", map[string]any{"jobFunction": "CEO", "companyName": "Beta"}); code != http.StatusServiceUnavailable {
		t.Errorf("web search unset: %d %v", code, body)
	}
}

func TestCollaborators(t *testing.T) {
	bare := setup(t, ratelimit.Budget{})
	if code, body := bare.do(t, "GET", "/api/companies?q=acme", nil); code != http.StatusServiceUnavailable {
		t.Errorf("registry unset: %d %v", code, body)
	}

	e := setup(t, ratelimit.Budget{}, func(c *httpapi.Config) {
		c.Companies = fakeCompanies{}
		c.Profiles = fakeProfiles{}
	})
	if code, body := e.do(t, "GET", "/api/companies?q=acme", nil); code != 200 || body["name"] != "ACME" {
		t.Errorf("lookup: %d %v", code, body)
	}
	if code, _ := e.do(t, "GET", "/api/companies?q=ghost", nil); code != http.StatusNotFound {
		t.Errorf("ghost: %d", code)
	}
	if code, _ := e.do(t, "GET", "/api/companies", nil); code != http.StatusBadRequest {
		t.Errorf("missing q: %d", code)
	}
	code, body := e.do(t, "GET", "/api/profiles?function=CEO&company=Acme", nil)
	if code != 200 || body["count"] != 1.0 {
		t.Errorf("profiles: %d %v", code, body)
	}
}

func TestSecurityHeaders(t *testing.T) {
	e := setup(t, ratelimit.Budget{})
	resp, err := http.Get(e.srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.Header.Get("X-Trace-ID") == "" || resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Errorf("headers: %v", resp.Header)
	}
}

func TestMCPTools(t *testing.T) {
	e := setup(t, ratelimit.Budget{})
	e.connect(t)

	impl := &mcp.Implementation{Name: "leadscout-test", Version: "0.1.0"}
	srv := mcp.NewServer(impl, nil)
	e.api.RegisterMCP(srv)
	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = srv.Run(ctx, serverT) }()
	session, err := mcp.NewClient(impl, nil).Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer session.Close()

	call := func(name string, args any) (map[string]any, bool) {
		t.Helper()
		res, err := session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		out := map[string]any{}
		if !res.IsError {
			json.Unmarshal([]byte(res.Content[0].(*mcp.TextContent).Text), &out)
		}
		return out, res.IsError
	}

	if out, isErr := call("leadscout_auth_status", map[string]any{}); isErr || out["status"] != "connected" {
		t.Errorf("auth status: %v", out)
	}
	out, isErr := call("leadscout_start_search", map[string]any{"companies": []string{"Acme"}, "keywords": []string{"CTO"}})
	if isErr || out["sessionId"] == "" {
		t.Fatalf("start: %v", out)
	}
	e.waitDone(t, out["sessionId"].(string))
	res, isErr := call("leadscout_search_results", map[string]any{"sessionId": out["sessionId"]})
	if isErr || res["total"] != 1.0 {
		t.Errorf("results: %v", res)
	}
	if _, isErr := call("leadscout_search_status", map[string]any{"sessionId": "srch_nope"}); !isErr {
		t.Error("unknown session was not a tool error")
	}
}

func TestAuditTrail(t *testing.T) {
	// WHAT: session operations and live searches land in the audit log,
	// without the cookie.
	trail := audit.NewSQLiteLogger(dbopen.OpenMemory(t))
	if err := trail.Init(); err != nil {
		t.Fatal(err)
	}
	e := setup(t, ratelimit.Budget{}, func(c *httpapi.Config) { c.Audit = trail })
	e.connect(t)
	e.do(t, "POST", "/api/linkedin/search", map[string]any{"query": "CTO Acme"})
	e.do(t, "POST", "/api/searches", map[string]any{"companies": []string{}, "keywords": []string{"CEO"}})
	trail.Close()

	code, body := e.do(t, "GET", "/api/audit", nil)
	entries, _ := body["entries"].([]any)
	if code != 200 || len(entries) != 3 {
		t.Fatalf("audit: %d %v", code, body)
	}
	byAction := map[string]map[string]any{}
	for _, raw := range entries {
		m := raw.(map[string]any)
		byAction[m["action"].(string)] = m
		if strings.Contains(m["parameters"].(string), linkedintest.ValidCookie) {
			t.Errorf("cookie leaked into %v", m)
		}
		if m["traceId"] == "" || m["traceId"] == nil {
			t.Errorf("missing trace id: %v", m)
		}
	}
	if byAction["connect_cookie"]["status"] != "success" ||
		byAction["adhoc_search"]["status"] != "success" ||
		byAction["start_search"]["status"] != "error" {
		t.Errorf("entries: %v", byAction)
	}

	code, body = e.do(t, "GET", "/api/audit?action=adhoc_search", nil)
	if entries, _ := body["entries"].([]any); code != 200 || len(entries) != 1 {
		t.Errorf("filtered: %d %v", code, body)
	}
}
