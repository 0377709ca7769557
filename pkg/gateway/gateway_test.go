package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cunode/cunode/internal/model"
	"github.com/cunode/cunode/pkg/config"
	"github.com/cunode/cunode/pkg/cuerr"
)

func testClient(routerURL, originURL string) *Client {
	return NewClient(config.GatewayConfig{
		SchedulerRouterURL: routerURL,
		ModuleOriginURL:    originURL,
		Timeout:            5 * time.Second,
	}, nil)
}

func TestLocateScheduler(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/scheduler" || r.URL.Query().Get("process-id") != "proc-1" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"url": "http://sched.example"})
	}))
	defer srv.Close()

	url, err := testClient(srv.URL, "").LocateScheduler(context.Background(), "proc-1")
	if err != nil {
		t.Fatalf("locate: %v", err)
	}
	if url != "http://sched.example" {
		t.Errorf("url = %q", url)
	}
}

func TestLocateSchedulerEmptyURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{})
	}))
	defer srv.Close()

	_, err := testClient(srv.URL, "").LocateScheduler(context.Background(), "proc-1")
	if !cuerr.IsClass(err, cuerr.ClassExternalFetch) {
		t.Errorf("want ExternalFetch, got %v", err)
	}
}

func TestFetchProcessRecordVerifiesTags(t *testing.T) {
	cases := []struct {
		name    string
		tags    []model.Tag
		wantErr cuerr.Class
	}{
		{
			name: "valid",
			tags: []model.Tag{
				{Name: "Data-Protocol", Value: "ao"},
				{Name: "Type", Value: "Process"},
				{Name: "Module", Value: "mod-1"},
			},
		},
		{
			name: "missing module tag",
			tags: []model.Tag{
				{Name: "Data-Protocol", Value: "ao"},
				{Name: "Type", Value: "Process"},
			},
			wantErr: cuerr.ClassVerification,
		},
		{
			name: "wrong protocol",
			tags: []model.Tag{
				{Name: "Data-Protocol", Value: "arweave"},
				{Name: "Type", Value: "Process"},
				{Name: "Module", Value: "mod-1"},
			},
			wantErr: cuerr.ClassVerification,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(model.Process{
					ID:       "proc-1",
					Owner:    "owner-1",
					ModuleID: "mod-1",
					Tags:     tc.tags,
				})
			}))
			defer srv.Close()

			p, err := testClient("", "").FetchProcessRecord(context.Background(), srv.URL, "proc-1")
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("fetch: %v", err)
				}
				if p.SchedulerURL != srv.URL {
					t.Errorf("scheduler url not filled in: %q", p.SchedulerURL)
				}
				return
			}
			if !cuerr.IsClass(err, tc.wantErr) {
				t.Errorf("want %s, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestFetchProcessRecordNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(http.NotFound))
	defer srv.Close()

	_, err := testClient("", "").FetchProcessRecord(context.Background(), srv.URL, "proc-1")
	if !cuerr.IsNotFound(err) {
		t.Errorf("want NotFound, got %v", err)
	}
}

func TestFetchMessagesWindowAndPaging(t *testing.T) {
	msg := func(ord uint64) model.Message {
		return model.Message{
			ID:        fmt.Sprintf("msg-%d", ord),
			ProcessID: "proc-1",
			Ordinate:  ord,
			Timestamp: int64(1000 + ord),
		}
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("cursor") == "" {
			json.NewEncoder(w).Encode(messagePage{
				Messages: []model.Message{msg(3), msg(4)},
				Next:     "page-2",
			})
			return
		}
		json.NewEncoder(w).Encode(messagePage{
			Messages: []model.Message{msg(5), msg(6)},
		})
	}))
	defer srv.Close()

	got, err := testClient("", "").FetchMessages(context.Background(), srv.URL, "proc-1", 2, 5)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3 (ordinates 3,4,5)", len(got))
	}
	for i, want := range []uint64{3, 4, 5} {
		if got[i].Ordinate != want {
			t.Errorf("message %d: ordinate %d, want %d", i, got[i].Ordinate, want)
		}
	}
}

func TestFetchMessagesRejectsMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(messagePage{
			Messages: []model.Message{{Ordinate: 3}}, // no id, no process id
		})
	}))
	defer srv.Close()

	_, err := testClient("", "").FetchMessages(context.Background(), srv.URL, "proc-1", 0, 10)
	if !cuerr.IsClass(err, cuerr.ClassExternalFetch) {
		t.Errorf("want ExternalFetch, got %v", err)
	}
}

func TestFetchModule(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/mod-1" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte{0x00, 0x61, 0x73, 0x6d})
	}))
	defer srv.Close()

	binary, err := testClient("", srv.URL).FetchModule(context.Background(), "mod-1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(binary) != 4 {
		t.Errorf("len = %d, want 4", len(binary))
	}

	_, err = testClient("", srv.URL).FetchModule(context.Background(), "missing")
	if !cuerr.IsNotFound(err) {
		t.Errorf("want NotFound, got %v", err)
	}
}

func TestFetchModuleRejectsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	_, err := testClient("", srv.URL).FetchModule(context.Background(), "mod-1")
	if !cuerr.IsClass(err, cuerr.ClassExternalFetch) {
		t.Errorf("want ExternalFetch, got %v", err)
	}
}

func TestServerErrorSurfacesAsExternalFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "scheduler down", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL, "").LocateScheduler(context.Background(), "proc-1")
	if !cuerr.IsClass(err, cuerr.ClassExternalFetch) {
		t.Errorf("want ExternalFetch, got %v", err)
	}
	if !cuerr.IsRetryable(err) {
		t.Error("external fetch failures should be retryable")
	}
}
