package nsq

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestLookupTopicProducersFlatShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if got := req.URL.Query().Get("topic"); got != "orders" {
			t.Errorf("topic query param = %q, want orders", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"producers":[{"broadcast_address":"nsqd1","hostname":"h1","tcp_port":4150,"http_port":4151}]}`))
	}))
	defer srv.Close()

	addrs, err := lookupTopicProducers(srv.URL, "orders", time.Second)
	if err != nil {
		t.Fatalf("lookupTopicProducers: %v", err)
	}
	if len(addrs) != 1 || addrs[0] != "nsqd1:4150" {
		t.Fatalf("addrs = %v, want [nsqd1:4150]", addrs)
	}
}

func TestLookupTopicProducersLegacyShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(`{"data":{"producers":[{"broadcast_address":"nsqd2","hostname":"h2","tcp_port":4250,"http_port":4251}]}}`))
	}))
	defer srv.Close()

	addrs, err := lookupTopicProducers(srv.URL, "orders", time.Second)
	if err != nil {
		t.Fatalf("lookupTopicProducers: %v", err)
	}
	if len(addrs) != 1 || addrs[0] != "nsqd2:4250" {
		t.Fatalf("addrs = %v, want [nsqd2:4250]", addrs)
	}
}

func TestLookupTopicProducersNotFoundIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	addrs, err := lookupTopicProducers(srv.URL, "orders", time.Second)
	if err != nil {
		t.Fatalf("expected no error on 404, got %v", err)
	}
	if len(addrs) != 0 {
		t.Fatalf("addrs = %v, want empty", addrs)
	}
}

func TestLookupTopicProducersServerErrorIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	if _, err := lookupTopicProducers(srv.URL, "orders", time.Second); err == nil {
		t.Fatal("expected an error on a 500 response")
	}
}

func TestLookupTopicProducersDedupsByAddress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(`{"producers":[
			{"broadcast_address":"nsqd1","hostname":"h1","tcp_port":4150,"http_port":4151},
			{"broadcast_address":"nsqd1","hostname":"h1","tcp_port":4150,"http_port":4151}
		]}`))
	}))
	defer srv.Close()

	addrs, err := lookupTopicProducers(srv.URL, "orders", time.Second)
	if err != nil {
		t.Fatalf("lookupTopicProducers: %v", err)
	}
	if len(addrs) != 1 {
		t.Fatalf("addrs = %v, want exactly one deduped entry", addrs)
	}
}

func TestBuildLookupEndpointDefaultsScheme(t *testing.T) {
	endpoint, err := buildLookupEndpoint("127.0.0.1:4161", "orders")
	if err != nil {
		t.Fatalf("buildLookupEndpoint: %v", err)
	}
	want := "http://127.0.0.1:4161/lookup?topic=orders"
	if endpoint != want {
		t.Fatalf("endpoint = %q, want %q", endpoint, want)
	}
}

func TestUnionProducersDedupsAcrossLists(t *testing.T) {
	out := unionProducers([]string{"a", "b"}, []string{"b", "c"})
	if len(out) != 3 {
		t.Fatalf("union = %v, want 3 unique entries", out)
	}
}
