package handler

import (
	"net/http"
	"testing"
	"time"

	"github.com/bitfantasy/nimo-sfp/internal/config"
	"github.com/bitfantasy/nimo-sfp/internal/forecast/entity"
	"github.com/bitfantasy/nimo-sfp/internal/forecast/repository"
	"github.com/bitfantasy/nimo-sfp/internal/forecast/service"
	"github.com/bitfantasy/nimo-sfp/internal/forecast/testutil"
	"github.com/bitfantasy/nimo-sfp/internal/middleware"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type apiTestEnv struct {
	*testutil.TestEnv
	repos *repository.Repositories
	cfg   *config.Config
}

func setupAPITest(t *testing.T, assignments []service.Assignment) *apiTestEnv {
	t.Helper()
	db := testutil.SetupTestDB(t)
	router := testutil.SetupRouter()

	cfg := testutil.NewTestConfig()
	cfg.Forecast.PlanningHorizon = 4
	cfg.Forecast.MandatoryMonths = 3

	repos := repository.NewRepositories(db)
	svcs := service.NewServices(repos, nil, nil,
		&testutil.FakeAssignmentSource{Assignments: assignments},
		&testutil.FakePriceSource{StandardPrices: map[string]float64{"prod-001": 10}},
		&testutil.FakeNotifier{}, cfg, zap.NewNop())
	handlers := NewHandlers(svcs)

	api := testutil.AuthGroup(router, "/api/v1")
	cycles := api.Group("/forecast-cycles")
	{
		cycles.POST("", middleware.RequireRole("sfp_admin"), handlers.Cycle.Create)
		cycles.GET("", handlers.Cycle.List)
		cycles.GET("/active", handlers.Cycle.GetActive)
		cycles.GET("/:id", handlers.Cycle.Get)
		cycles.PATCH("/:id/status", middleware.RequireRole("sfp_admin"), handlers.Cycle.UpdateStatus)
		cycles.GET("/:id/stats", middleware.RequireRole("sfp_approver"), handlers.Cycle.Stats)
	}
	forecasts := api.Group("/forecasts")
	{
		forecasts.GET("", handlers.Forecast.ListByCycle)
		forecasts.POST("/bulk-submit", handlers.Forecast.BulkSubmit)
		forecasts.GET("/:id", handlers.Forecast.Get)
		forecasts.PUT("/:id", handlers.Forecast.Update)
		forecasts.GET("/:id/history", handlers.Forecast.History)
		forecasts.POST("/:id/submit", handlers.Forecast.Submit)
		forecasts.POST("/:id/approve", middleware.RequireRole("sfp_approver"), handlers.Forecast.Approve)
		forecasts.POST("/:id/reject", middleware.RequireRole("sfp_approver"), handlers.Forecast.Reject)
	}

	return &apiTestEnv{
		TestEnv: &testutil.TestEnv{DB: db, Router: router, T: t},
		repos:   repos,
		cfg:     cfg,
	}
}

func seedAPICycle(t *testing.T, db *gorm.DB, status string) *entity.ForecastCycle {
	t.Helper()
	return testutil.SeedCycle(t, db, 2026, 10, status)
}

func TestCycleLifecycleAPI(t *testing.T) {
	env := setupAPITest(t, []service.Assignment{
		{SalesRepID: "rep-001", CustomerID: "cust-001", ProductID: "prod-001"},
	})
	admin := testutil.AdminToken()

	// 创建
	w := testutil.DoRequest(env.Router, "POST", "/api/v1/forecast-cycles", map[string]interface{}{
		"year":       2026,
		"month":      10,
		"start_date": time.Now().Format(time.RFC3339),
		"end_date":   time.Now().AddDate(0, 0, 14).Format(time.RFC3339),
	}, admin)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	resp := testutil.ParseResponse(w)
	cycleID := resp["data"].(map[string]interface{})["id"].(string)

	// 普通销售不能创建
	w = testutil.DoRequest(env.Router, "POST", "/api/v1/forecast-cycles", map[string]interface{}{
		"year": 2026, "month": 11,
		"start_date": time.Now().Format(time.RFC3339),
		"end_date":   time.Now().AddDate(0, 0, 14).Format(time.RFC3339),
	}, testutil.RepToken("rep-001"))
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for rep creating cycle, got %d", w.Code)
	}

	// 开启周期，生成预测草稿
	w = testutil.DoRequest(env.Router, "PATCH", "/api/v1/forecast-cycles/"+cycleID+"/status",
		map[string]string{"status": "open"}, admin)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 open, got %d: %s", w.Code, w.Body.String())
	}

	// 当前开放周期可查
	w = testutil.DoRequest(env.Router, "GET", "/api/v1/forecast-cycles/active", nil, testutil.RepToken("rep-001"))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 active, got %d", w.Code)
	}

	// 跳级流转报409
	w = testutil.DoRequest(env.Router, "PATCH", "/api/v1/forecast-cycles/"+cycleID+"/status",
		map[string]string{"status": "open"}, admin)
	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409 for open->open, got %d: %s", w.Code, w.Body.String())
	}
}

func TestSubmitValidationAPI(t *testing.T) {
	env := setupAPITest(t, nil)
	cycle := seedAPICycle(t, env.DB, entity.CycleStatusOpen)
	forecast := testutil.SeedForecast(t, env.DB, cycle, "rep-001", "cust-001", "prod-001",
		entity.ForecastStatusDraft, 1, env.cfg.Forecast.PlanningHorizon)

	// 缺强制月份，422带完整缺口列表
	w := testutil.DoRequest(env.Router, "POST", "/api/v1/forecasts/"+forecast.ID+"/submit", nil,
		testutil.RepToken("rep-001"))
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("Expected 422, got %d: %s", w.Code, w.Body.String())
	}
	resp := testutil.ParseResponse(w)
	violations := resp["data"].(map[string]interface{})["violations"].([]interface{})
	if len(violations) != 2 {
		t.Errorf("Expected 2 missing months, got %v", violations)
	}

	// 其他销售提交报403
	w = testutil.DoRequest(env.Router, "POST", "/api/v1/forecasts/"+forecast.ID+"/submit", nil,
		testutil.RepToken("rep-002"))
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for another rep, got %d", w.Code)
	}
}

func TestReviewAPI(t *testing.T) {
	env := setupAPITest(t, nil)
	cycle := seedAPICycle(t, env.DB, entity.CycleStatusOpen)
	forecast := testutil.SeedForecast(t, env.DB, cycle, "rep-001", "cust-001", "prod-001",
		entity.ForecastStatusSubmitted, 3, env.cfg.Forecast.PlanningHorizon)

	// 无审核角色403（路由中间件拦截）
	w := testutil.DoRequest(env.Router, "POST", "/api/v1/forecasts/"+forecast.ID+"/approve",
		map[string]string{"comment": "ok"}, testutil.RepToken("rep-001"))
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 without approver role, got %d", w.Code)
	}

	// 驳回无意见422
	w = testutil.DoRequest(env.Router, "POST", "/api/v1/forecasts/"+forecast.ID+"/reject",
		map[string]string{"comment": ""}, testutil.ApproverToken("approver-001"))
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("Expected 422 for empty reject comment, got %d: %s", w.Code, w.Body.String())
	}

	// 驳回成功
	w = testutil.DoRequest(env.Router, "POST", "/api/v1/forecasts/"+forecast.ID+"/reject",
		map[string]string{"comment": "数量待确认"}, testutil.ApproverToken("approver-001"))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 reject, got %d: %s", w.Code, w.Body.String())
	}
	resp := testutil.ParseResponse(w)
	data := resp["data"].(map[string]interface{})
	if data["status"] != entity.ForecastStatusRejected {
		t.Errorf("Expected rejected status, got %v", data["status"])
	}

	// 再次审核409
	w = testutil.DoRequest(env.Router, "POST", "/api/v1/forecasts/"+forecast.ID+"/approve",
		map[string]string{"comment": "ok"}, testutil.ApproverToken("approver-001"))
	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409 on re-review, got %d", w.Code)
	}
}

func TestBulkSubmitAPI(t *testing.T) {
	env := setupAPITest(t, nil)
	cycle := seedAPICycle(t, env.DB, entity.CycleStatusOpen)
	testutil.SeedForecast(t, env.DB, cycle, "rep-001", "cust-001", "prod-001",
		entity.ForecastStatusDraft, 3, env.cfg.Forecast.PlanningHorizon)
	testutil.SeedForecast(t, env.DB, cycle, "rep-001", "cust-002", "prod-001",
		entity.ForecastStatusDraft, 0, env.cfg.Forecast.PlanningHorizon)

	w := testutil.DoRequest(env.Router, "POST", "/api/v1/forecasts/bulk-submit",
		map[string]string{"cycle_id": cycle.ID}, testutil.RepToken("rep-001"))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := testutil.ParseResponse(w)
	data := resp["data"].(map[string]interface{})
	if data["submitted"].(float64) != 1 {
		t.Errorf("Expected 1 submitted, got %v", data["submitted"])
	}
	skipped := data["skipped"].([]interface{})
	if len(skipped) != 1 {
		t.Errorf("Expected 1 skipped, got %d", len(skipped))
	}
}

func TestStatsAPI(t *testing.T) {
	env := setupAPITest(t, nil)
	cycle := seedAPICycle(t, env.DB, entity.CycleStatusOpen)
	testutil.SeedForecast(t, env.DB, cycle, "rep-001", "cust-001", "prod-001",
		entity.ForecastStatusSubmitted, 3, env.cfg.Forecast.PlanningHorizon)
	testutil.SeedForecast(t, env.DB, cycle, "rep-002", "cust-002", "prod-001",
		entity.ForecastStatusDraft, 1, env.cfg.Forecast.PlanningHorizon)

	// 销售角色看不到统计
	w := testutil.DoRequest(env.Router, "GET", "/api/v1/forecast-cycles/"+cycle.ID+"/stats", nil,
		testutil.RepToken("rep-001"))
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for rep, got %d", w.Code)
	}

	w = testutil.DoRequest(env.Router, "GET", "/api/v1/forecast-cycles/"+cycle.ID+"/stats", nil,
		testutil.ApproverToken("approver-001"))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := testutil.ParseResponse(w)
	data := resp["data"].(map[string]interface{})
	if data["total_assigned"].(float64) != 2 {
		t.Errorf("Expected 2 assigned, got %v", data["total_assigned"])
	}
	if data["total_submitted"].(float64) != 1 {
		t.Errorf("Expected 1 submitted, got %v", data["total_submitted"])
	}
}
