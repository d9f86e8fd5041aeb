package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bitfantasy/nimo-sfp/internal/config"
	"github.com/bitfantasy/nimo-sfp/internal/forecast/entity"
	"github.com/bitfantasy/nimo-sfp/internal/forecast/repository"
	"github.com/bitfantasy/nimo-sfp/internal/forecast/service"
	"github.com/bitfantasy/nimo-sfp/internal/forecast/testutil"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// 测试用短规划期，4个月规划、前3个月强制
func newServiceTestConfig() *config.Config {
	cfg := testutil.NewTestConfig()
	cfg.Forecast.PlanningHorizon = 4
	cfg.Forecast.MandatoryMonths = 3
	return cfg
}

type serviceTestEnv struct {
	db       *gorm.DB
	repos    *repository.Repositories
	svcs     *service.Services
	notifier *testutil.FakeNotifier
	cfg      *config.Config
}

func setupServices(t *testing.T, assignments []service.Assignment) *serviceTestEnv {
	t.Helper()
	db := testutil.SetupTestDB(t)
	cfg := newServiceTestConfig()
	repos := repository.NewRepositories(db)
	notifier := &testutil.FakeNotifier{}
	prices := &testutil.FakePriceSource{
		CustomerPrices: map[string]float64{"cust-001/prod-001": 8.5},
		StandardPrices: map[string]float64{"prod-001": 10.0, "prod-002": 20.0},
	}
	svcs := service.NewServices(repos, nil, nil,
		&testutil.FakeAssignmentSource{Assignments: assignments},
		prices, notifier, cfg, zap.NewNop())
	return &serviceTestEnv{db: db, repos: repos, svcs: svcs, notifier: notifier, cfg: cfg}
}

func TestCycleCreateAndDuplicate(t *testing.T) {
	env := setupServices(t, nil)
	ctx := context.Background()

	req := &service.CreateCycleRequest{
		Year:      2026,
		Month:     10,
		StartDate: time.Now(),
		EndDate:   time.Now().AddDate(0, 0, 14),
	}
	cycle, err := env.svcs.Cycle.Create(ctx, "admin-001", req)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if cycle.Status != entity.CycleStatusDraft {
		t.Errorf("Expected draft status, got %s", cycle.Status)
	}
	if cycle.Name == "" {
		t.Error("Expected default name to be filled")
	}

	// 同(year, month)重复
	_, err = env.svcs.Cycle.Create(ctx, "admin-001", req)
	var conflictErr *service.ConflictError
	if !errors.As(err, &conflictErr) {
		t.Fatalf("Expected ConflictError for duplicate (year, month), got %v", err)
	}
}

func TestCycleCreateValidation(t *testing.T) {
	env := setupServices(t, nil)

	_, err := env.svcs.Cycle.Create(context.Background(), "admin-001", &service.CreateCycleRequest{
		Year:      2026,
		Month:     13,
		StartDate: time.Now(),
		EndDate:   time.Now().AddDate(0, 0, -1),
	})
	var validationErr *service.ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("Expected ValidationError, got %v", err)
	}
	// 月份非法和日期倒挂要一次全部报出
	if len(validationErr.Violations) != 2 {
		t.Errorf("Expected 2 violations, got %d: %v", len(validationErr.Violations), validationErr.Violations)
	}
}

func TestCycleTransitionLadder(t *testing.T) {
	env := setupServices(t, nil)
	ctx := context.Background()
	cycle := testutil.SeedCycle(t, env.db, 2026, 10, entity.CycleStatusDraft)

	// draft→closed 跳级不允许
	_, err := env.svcs.Cycle.Transition(ctx, cycle.ID, entity.CycleStatusClosed, "admin-001")
	var stateErr *service.StateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("Expected StateError for draft->closed, got %v", err)
	}

	// draft→open
	opened, err := env.svcs.Cycle.Transition(ctx, cycle.ID, entity.CycleStatusOpen, "admin-001")
	if err != nil {
		t.Fatalf("draft->open failed: %v", err)
	}
	if opened.Status != entity.CycleStatusOpen || opened.OpenedAt == nil {
		t.Errorf("Expected open status with opened_at, got %s %v", opened.Status, opened.OpenedAt)
	}

	// open→closed
	closed, err := env.svcs.Cycle.Transition(ctx, cycle.ID, entity.CycleStatusClosed, "admin-001")
	if err != nil {
		t.Fatalf("open->closed failed: %v", err)
	}
	if closed.Status != entity.CycleStatusClosed || closed.ClosedAt == nil {
		t.Errorf("Expected closed status with closed_at, got %s %v", closed.Status, closed.ClosedAt)
	}

	// closed→open 不允许重开
	_, err = env.svcs.Cycle.Transition(ctx, cycle.ID, entity.CycleStatusOpen, "admin-001")
	if !errors.As(err, &stateErr) {
		t.Fatalf("Expected StateError for closed->open, got %v", err)
	}
}

func TestSingleOpenCycle(t *testing.T) {
	env := setupServices(t, nil)
	ctx := context.Background()
	testutil.SeedCycle(t, env.db, 2026, 10, entity.CycleStatusOpen)
	second := testutil.SeedCycle(t, env.db, 2026, 11, entity.CycleStatusDraft)

	_, err := env.svcs.Cycle.Transition(ctx, second.ID, entity.CycleStatusOpen, "admin-001")
	var conflictErr *service.ConflictError
	if !errors.As(err, &conflictErr) {
		t.Fatalf("Expected ConflictError with another open cycle, got %v", err)
	}

	// 第二个周期保持draft
	reloaded, _ := env.svcs.Cycle.Get(ctx, second.ID)
	if reloaded.Status != entity.CycleStatusDraft {
		t.Errorf("Expected second cycle to remain draft, got %s", reloaded.Status)
	}
}

func TestCycleOpenGeneratesForecasts(t *testing.T) {
	assignments := []service.Assignment{
		{SalesRepID: "rep-001", CustomerID: "cust-001", ProductID: "prod-001"},
		{SalesRepID: "rep-001", CustomerID: "cust-002", ProductID: "prod-002"},
		{SalesRepID: "rep-002", CustomerID: "cust-003", ProductID: "prod-001"},
	}
	env := setupServices(t, assignments)
	ctx := context.Background()
	cycle := testutil.SeedCycle(t, env.db, 2026, 10, entity.CycleStatusDraft)

	if _, err := env.svcs.Cycle.Transition(ctx, cycle.ID, entity.CycleStatusOpen, "admin-001"); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}

	forecasts, total, err := env.repos.Forecast.FindAllCurrent(ctx, cycle.ID, 1, 50, map[string]string{})
	if err != nil {
		t.Fatalf("FindAllCurrent failed: %v", err)
	}
	if total != 3 {
		t.Fatalf("Expected 3 generated forecasts, got %d", total)
	}

	for _, f := range forecasts {
		if f.Status != entity.ForecastStatusDraft || f.Version != 1 || !f.IsCurrent {
			t.Errorf("Forecast %s: expected draft v1 current, got %s v%d current=%v",
				f.ID, f.Status, f.Version, f.IsCurrent)
		}
		if len(f.Lines) != env.cfg.Forecast.PlanningHorizon {
			t.Errorf("Forecast %s: expected %d lines, got %d", f.ID, env.cfg.Forecast.PlanningHorizon, len(f.Lines))
		}
		for _, line := range f.Lines {
			if line.Quantity != nil {
				t.Errorf("Generated line should have nil quantity, got %v", *line.Quantity)
			}
			if line.UnitPrice == 0 {
				t.Errorf("Generated line should snapshot a price")
			}
		}
	}

	// 客户价组合要拿到客户价快照
	for _, f := range forecasts {
		if f.CustomerID == "cust-001" && f.ProductID == "prod-001" {
			if f.Lines[0].UnitPrice != 8.5 || f.Lines[0].PriceSource != entity.PriceSourceCustomer {
				t.Errorf("Expected customer price 8.5, got %f (%s)", f.Lines[0].UnitPrice, f.Lines[0].PriceSource)
			}
		}
	}

	// 跟踪行按销售建立
	tracking, err := env.repos.Tracking.FindByCycleAndRep(ctx, cycle.ID, "rep-001")
	if err != nil || tracking == nil {
		t.Fatalf("Expected tracking row for rep-001: %v", err)
	}
}
