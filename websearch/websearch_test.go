package websearch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestFindProfiles(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("q")
		w.Write([]byte(`{"items":[
			{"title":"Jean Dupont - Directeur Commercial - Carrefour | LinkedIn","link":"https://fr.linkedin.com/in/jdupont?trk=x"},
			{"title":"Jean Dupont - Directeur Commercial | LinkedIn","link":"http://fr.linkedin.com/in/jdupont"},
			{"title":"Carrefour | LinkedIn","link":"https://www.linkedin.com/company/carrefour"},
			{"title":"Marie Curie | LinkedIn","link":"https://www.linkedin.com/in/mcurie","snippet":"Responsable achats chez Carrefour · Paris"},
			{"title":"Paul Martin - DAF","link":"https://www.linkedin.com/in/pmartin"}
		]}`))
	}))
	defer srv.Close()

	c := New(Config{APIKey: "k", EngineID: "cx", BaseURL: srv.URL})
	got, err := c.FindProfiles(context.Background(), "Directeur Commercial", "Carrefour", 2)
	if err != nil {
		t.Fatal(err)
	}
	if gotQuery != `Directeur Commercial "Carrefour" site:linkedin.com/in` {
		t.Errorf("query: %q", gotQuery)
	}
	if len(got) != 2 {
		t.Fatalf("got %d profiles: %+v", len(got), got)
	}
	if got[0].Name != "Jean Dupont" || got[0].Title != "Directeur Commercial" ||
		got[0].ProfileURL != "https://fr.linkedin.com/in/jdupont" || got[0].Company != "Carrefour" {
		t.Errorf("first: %+v", got[0])
	}
	if got[1].Name != "Marie Curie" || got[1].Title != "Responsable achats" {
		t.Errorf("second: %+v", got[1])
	}
}

func TestCleanProfileURL(t *testing.T) {
	cases := map[string]string{
		"https://www.linkedin.com/in/a-b?x=1#top": "https://www.linkedin.com/in/a-b",
		"www.linkedin.com/in/a":                  "https://www.linkedin.com/in/a",
		"https://www.linkedin.com/company/acme":  "",
		"https://evil.example/linkedin.com/in/a": "",
	}
	for in, want := range cases {
		if got := cleanProfileURL(in); got != want {
			t.Errorf("%s: got %q, want %q", in, got, want)
		}
	}
}

func TestFindProfiles_Errors(t *testing.T) {
	if _, err := New(Config{}).FindProfiles(context.Background(), "CEO", "Acme", 5); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("unconfigured: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota", http.StatusForbidden)
	}))
	defer srv.Close()
	_, err := New(Config{APIKey: "k", EngineID: "cx", BaseURL: srv.URL}).FindProfiles(context.Background(), "CEO", "Acme", 5)
	if err == nil || !strings.Contains(err.Error(), "403") {
		t.Errorf("quota: %v", err)
	}
}
