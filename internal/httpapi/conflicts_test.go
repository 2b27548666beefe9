package httpapi

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/driftlabs/synccore/internal/conflict"
)

// seedConflict pushes a version then a stale mutation, returning the conflict
func seedConflict(t *testing.T, router http.Handler, entityID string) *conflict.Record {
	t.Helper()

	w := makeRequest(t, router, "POST", "/v1/sync/push", pushReq{
		Mutations: []mutation{{
			EntityType: "note", EntityID: entityID, Operation: "create",
			Data: map[string]any{"title": "server"},
		}},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("seed push failed: %d %s", w.Code, w.Body.String())
	}

	w = makeRequest(t, router, "POST", "/v1/sync/push", pushReq{
		Mutations: []mutation{{
			EntityType: "note", EntityID: entityID, BaseVersion: 0,
			Data: map[string]any{"title": "offline"},
		}},
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("stale push status = %d, want 409", w.Code)
	}
	resp := decodeBody[pushResp](t, w)
	return resp.Acks[0].Conflict
}

func TestConflictLifecycle_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	pool := getTestDB(t)
	defer pool.Close()
	router := newTestRouter(t, pool)

	for i := 1; i <= 3; i++ {
		seedConflict(t, router, fmt.Sprintf("n%d", i))
	}

	// List shows all three unresolved
	w := makeRequest(t, router, "GET", "/v1/conflicts/?entityType=note", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	list := decodeBody[struct {
		Conflicts []conflict.Record `json:"conflicts"`
	}](t, w)
	if len(list.Conflicts) != 3 {
		t.Fatalf("unresolved = %d, want 3", len(list.Conflicts))
	}

	// Auto-resolve clears them with the server_wins default
	w = makeRequest(t, router, "POST", "/v1/conflicts/auto-resolve", map[string]any{
		"entityType": "note",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("auto-resolve status = %d, body: %s", w.Code, w.Body.String())
	}
	res := decodeBody[map[string]int](t, w)
	if res["resolved"] != 3 {
		t.Errorf("resolved = %d, want 3", res["resolved"])
	}

	// Stats reflect the outcome
	w = makeRequest(t, router, "GET", "/v1/conflicts/stats", nil)
	stats := decodeBody[conflict.Stats](t, w)
	if stats.Total != 3 || stats.Unresolved != 0 || stats.Resolved != 3 {
		t.Errorf("stats = %+v, want 3 total / 0 unresolved", stats)
	}

	// Resolving an already-resolved conflict is rejected
	rec := seedConflict(t, router, "n9")
	w = makeRequest(t, router, "POST", fmt.Sprintf("/v1/conflicts/%s/resolve", rec.ID),
		map[string]any{"strategy": "server_wins"})
	if w.Code != http.StatusOK {
		t.Fatalf("first resolve status = %d", w.Code)
	}
	w = makeRequest(t, router, "POST", fmt.Sprintf("/v1/conflicts/%s/resolve", rec.ID),
		map[string]any{"strategy": "server_wins"})
	if w.Code != http.StatusConflict {
		t.Errorf("second resolve status = %d, want 409", w.Code)
	}
}
