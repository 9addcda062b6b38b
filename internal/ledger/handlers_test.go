package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func historyRouter(t *testing.T) (*gin.Engine, *Ledger) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	l := New(NewMemoryStore())
	router := gin.New()
	NewHandler(l).RegisterRoutes(&router.RouterGroup)
	return router, l
}

func getHistory(t *testing.T, router *gin.Engine, path string) map[string]any {
	t.Helper()
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("GET %s = %d: %s", path, w.Code, w.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return body
}

func TestHistoryPagination(t *testing.T) {
	router, l := historyRouter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := l.Deposit(ctx, Entry{UserID: "u1", Amount: 1000, Rail: RailCard}); err != nil {
			t.Fatalf("seed deposit %d: %v", i, err)
		}
		time.Sleep(time.Millisecond)
	}

	first := getHistory(t, router, "/users/u1/transactions?limit=2")
	if n := first["count"].(float64); n != 2 {
		t.Fatalf("first page count = %v, want 2", n)
	}
	if first["hasMore"] != true {
		t.Fatal("first page must report more")
	}
	cursor, _ := first["nextCursor"].(string)
	if cursor == "" {
		t.Fatal("first page missing cursor")
	}

	second := getHistory(t, router, "/users/u1/transactions?limit=2&cursor="+cursor)
	if n := second["count"].(float64); n != 1 {
		t.Fatalf("second page count = %v, want 1", n)
	}
	if second["hasMore"] != false {
		t.Fatal("second page must be the last")
	}
}

func TestHistoryRejectsBadCursor(t *testing.T) {
	router, _ := historyRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/users/u1/transactions?cursor=%21%21", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}
