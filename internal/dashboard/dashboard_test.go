package dashboard

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/switchboard/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openDashboardTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(&models.Case{}, &models.CaseMessage{}); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

func seedCases(t *testing.T, db *gorm.DB) (models.Case, models.Case) {
	t.Helper()
	now := time.Now()

	suggestion := models.Case{
		Kind: models.KindSuggestion, Status: models.StatusOpen,
		Pseudonym: "brisk-finch-9c", LastActivityAt: now,
	}
	if err := db.Create(&suggestion).Error; err != nil {
		t.Fatalf("seed suggestion: %v", err)
	}
	for seq, body := range []string{"first", "second"} {
		msg := models.CaseMessage{
			CaseID: suggestion.ID, Seq: seq + 1,
			SenderRole: models.RoleSubmitter, Body: body, SentAt: now,
		}
		if err := db.Create(&msg).Error; err != nil {
			t.Fatalf("seed message: %v", err)
		}
	}

	closedAt := now
	notice := models.Case{
		Kind: models.KindModNotice, Status: models.StatusClosed,
		Pseudonym: "witty-stork-2a", LastActivityAt: now, ClosedAt: &closedAt,
	}
	if err := db.Create(&notice).Error; err != nil {
		t.Fatalf("seed notice: %v", err)
	}
	return suggestion, notice
}

func newTestRouter(t *testing.T, db *gorm.DB) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	registerRoutes(router, db)
	return router
}

func TestSummary(t *testing.T) {
	db := openDashboardTestDB(t)
	seedCases(t, db)

	s, err := Summary(db)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if s.Open != 1 || s.Closed != 1 || s.Claimed != 0 || s.Answered != 0 {
		t.Errorf("summary = %+v", s)
	}
}

func TestCaseList_Filters(t *testing.T) {
	db := openDashboardTestDB(t)
	suggestion, _ := seedCases(t, db)

	all, err := CaseList(db, "", "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("all cases = %d, want 2", len(all))
	}

	open, err := CaseList(db, "", models.StatusOpen)
	if err != nil {
		t.Fatalf("list open: %v", err)
	}
	if len(open) != 1 || open[0].ID != suggestion.ID {
		t.Errorf("open cases = %v", open)
	}
	if open[0].Messages != 2 {
		t.Errorf("message count = %d, want 2", open[0].Messages)
	}

	notices, err := CaseList(db, models.KindModNotice, "")
	if err != nil {
		t.Fatalf("list notices: %v", err)
	}
	if len(notices) != 1 || notices[0].Kind != models.KindModNotice {
		t.Errorf("notices = %v", notices)
	}
}

func TestCaseByID(t *testing.T) {
	db := openDashboardTestDB(t)
	suggestion, _ := seedCases(t, db)

	detail, err := CaseByID(db, suggestion.ID)
	if err != nil {
		t.Fatalf("case by id: %v", err)
	}
	if detail.Pseudonym != "brisk-finch-9c" || len(detail.Log) != 2 {
		t.Errorf("detail = %+v", detail)
	}
	if detail.Log[0].Seq != 1 || detail.Log[1].Seq != 2 {
		t.Errorf("log out of order: %+v", detail.Log)
	}

	_, err = CaseByID(db, 999)
	if !IsNotFound(err) {
		t.Errorf("err = %v, want not-found", err)
	}
}

func TestHTTP_Summary(t *testing.T) {
	db := openDashboardTestDB(t)
	seedCases(t, db)
	router := newTestRouter(t, db)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/summary", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var s QueueSummary
	if err := json.Unmarshal(w.Body.Bytes(), &s); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if s.Open != 1 || s.Closed != 1 {
		t.Errorf("summary = %+v", s)
	}
}

func TestHTTP_CaseList(t *testing.T) {
	db := openDashboardTestDB(t)
	seedCases(t, db)
	router := newTestRouter(t, db)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/cases?status=open", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body struct {
		Cases []CaseRow `json:"cases"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Cases) != 1 || body.Cases[0].Status != models.StatusOpen {
		t.Errorf("cases = %+v", body.Cases)
	}
}

func TestHTTP_CaseDetail(t *testing.T) {
	db := openDashboardTestDB(t)
	suggestion, _ := seedCases(t, db)
	router := newTestRouter(t, db)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/cases/1", nil)
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var detail CaseDetail
	if err := json.Unmarshal(w.Body.Bytes(), &detail); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if detail.ID != suggestion.ID || len(detail.Log) != 2 {
		t.Errorf("detail = %+v", detail)
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/cases/999", nil)
	router.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing case status = %d, want 404", w.Code)
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/cases/abc", nil)
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad id status = %d, want 400", w.Code)
	}
}

func TestHTTP_Health(t *testing.T) {
	db := openDashboardTestDB(t)
	router := newTestRouter(t, db)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("health status = %d, want 200", w.Code)
	}
}
