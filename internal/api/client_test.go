package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"secops_dashboard/camstream/internal/domain"
)

func TestListCameras_FetchesAllPages(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/cameras" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("expected bearer token, got %q", got)
		}
		q := r.URL.Query()
		mu.Lock()
		seen = append(seen, q.Get("page"))
		mu.Unlock()
		if q.Get("premiseId") != "p-1" || q.Get("isActive") != "true" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}

		switch q.Get("page") {
		case "1":
			fmt.Fprint(w, `{"data":[{"id":"cam-1","name":"Lobby","location_description":"Front","premise_id":"p-1","is_active":true}],
				"pagination":{"page":1,"limit":100,"total_pages":2}}`)
		default:
			fmt.Fprint(w, `{"data":[{"id":"cam-2","name":"Dock","premise_id":"p-1","is_active":"false"}],
				"pagination":{"page":2,"limit":100,"total_pages":2}}`)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "secret", nil)
	cams, err := c.ListCameras(context.Background(), domain.CameraQuery{PremiseID: "p-1", ActiveOnly: true})
	if err != nil {
		t.Fatalf("list cameras: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if strings.Join(seen, ",") != "1,2" {
		t.Errorf("expected pages 1,2, got %v", seen)
	}
	if len(cams) != 2 {
		t.Fatalf("expected 2 cameras, got %d", len(cams))
	}
	if cams[0].ID != "cam-1" || cams[0].LocationDescription != "Front" || !cams[0].IsActive {
		t.Errorf("unexpected first camera %+v", cams[0])
	}
	if cams[1].ID != "cam-2" || cams[1].IsActive {
		t.Errorf("unexpected second camera %+v", cams[1])
	}
}

func TestListCameras_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "", nil).ListCameras(context.Background(), domain.CameraQuery{})
	if err == nil || !strings.Contains(err.Error(), "http 403") {
		t.Fatalf("expected http 403 error, got %v", err)
	}
}

func TestListCameras_StopsOnEmptyPage(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, `{"data":[],"pagination":{"page":1,"limit":100,"total_pages":5}}`)
	}))
	defer srv.Close()

	cams, err := NewClient(srv.URL, "", nil).ListCameras(context.Background(), domain.CameraQuery{})
	if err != nil {
		t.Fatalf("list cameras: %v", err)
	}
	if len(cams) != 0 || calls.Load() != 1 {
		t.Errorf("expected one call and no cameras, got %d calls, %d cameras", calls.Load(), len(cams))
	}
}

func TestActiveFlag(t *testing.T) {
	tests := []struct {
		in      string
		want    bool
		wantErr bool
	}{
		{`true`, true, false},
		{`"true"`, true, false},
		{`false`, false, false},
		{`"0"`, false, false},
		{`null`, false, false},
		{`"maybe"`, false, true},
	}
	for _, tt := range tests {
		var a activeFlag
		err := a.UnmarshalJSON([]byte(tt.in))
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: unexpected error %v", tt.in, err)
			continue
		}
		if bool(a) != tt.want {
			t.Errorf("%s: expected %v, got %v", tt.in, tt.want, a)
		}
	}
}
