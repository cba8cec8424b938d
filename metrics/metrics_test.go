package metrics

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMetricsServer(t *testing.T) {
	l := Start("127.0.0.1:0", nil)
	if l == nil {
		t.Fatal("metrics listener should start")
	}
	defer l.Close()
	addr := l.Addr()

	resp, err := http.Get(fmt.Sprintf("http://%s/metrics", addr.String()))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 200 {
		t.Fatal("req to metrics should succeed.")
	}
	_ = resp.Body.Close()

	resp, err = http.Get(fmt.Sprintf("http://%s/debug/gc", addr.String()))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 200 {
		t.Fatal("req to gc endpoint should succeed.")
	}
	_ = resp.Body.Close()
}

func TestMeshHandlerServesMeshRegistry(t *testing.T) {
	InboundMessageCounter.WithLabelValues("peer_announce").Inc()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	MeshHandler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("mesh handler returned %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "gossip_inbound_messages") {
		t.Fatal("mesh registry should expose gossip counters")
	}
}
