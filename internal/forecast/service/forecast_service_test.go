package service_test

import (
	"context"
	"errors"
	"testing"

	"github.com/bitfantasy/nimo-sfp/internal/forecast/entity"
	"github.com/bitfantasy/nimo-sfp/internal/forecast/service"
	"github.com/bitfantasy/nimo-sfp/internal/forecast/testutil"
)

func qty(v float64) *float64 { return &v }

func lineInputs(quantities ...*float64) []service.LineInput {
	inputs := make([]service.LineInput, len(quantities))
	for i, q := range quantities {
		inputs[i] = service.LineInput{Quantity: q}
	}
	return inputs
}

func TestForecastCreate(t *testing.T) {
	env := setupServices(t, nil)
	ctx := context.Background()
	cycle := testutil.SeedCycle(t, env.db, 2026, 10, entity.CycleStatusOpen)

	forecast, err := env.svcs.Forecast.Create(ctx, "rep-001", []string{service.RoleRep}, &service.CreateForecastRequest{
		CycleID:          cycle.ID,
		CustomerID:       "cust-001",
		ProductID:        "prod-001",
		MonthlyForecasts: lineInputs(qty(100), qty(200), qty(300), nil),
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if forecast.Version != 1 || !forecast.IsCurrent || forecast.Status != entity.ForecastStatusDraft {
		t.Errorf("Expected draft v1 current, got %s v%d current=%v", forecast.Status, forecast.Version, forecast.IsCurrent)
	}
	if forecast.TotalQuantity != 600 {
		t.Errorf("Expected total quantity 600, got %f", forecast.TotalQuantity)
	}
	// 客户价快照
	if forecast.TotalRevenue != 600*8.5 {
		t.Errorf("Expected revenue %f, got %f", 600*8.5, forecast.TotalRevenue)
	}
	if forecast.Lines[0].MonthLabel != "2026-10" {
		t.Errorf("Expected first month 2026-10, got %s", forecast.Lines[0].MonthLabel)
	}

	// 同组合重复创建
	_, err = env.svcs.Forecast.Create(ctx, "rep-001", []string{service.RoleRep}, &service.CreateForecastRequest{
		CycleID:          cycle.ID,
		CustomerID:       "cust-001",
		ProductID:        "prod-001",
		MonthlyForecasts: lineInputs(nil, nil, nil, nil),
	})
	var conflictErr *service.ConflictError
	if !errors.As(err, &conflictErr) {
		t.Fatalf("Expected ConflictError for duplicate key, got %v", err)
	}
}

func TestForecastCreateClosedCycle(t *testing.T) {
	env := setupServices(t, nil)
	cycle := testutil.SeedCycle(t, env.db, 2026, 10, entity.CycleStatusClosed)

	_, err := env.svcs.Forecast.Create(context.Background(), "rep-001", []string{service.RoleRep}, &service.CreateForecastRequest{
		CycleID:          cycle.ID,
		CustomerID:       "cust-001",
		ProductID:        "prod-001",
		MonthlyForecasts: lineInputs(nil, nil, nil, nil),
	})
	var stateErr *service.StateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("Expected StateError on closed cycle, got %v", err)
	}
}

func TestForecastCreateForOtherRep(t *testing.T) {
	env := setupServices(t, nil)
	cycle := testutil.SeedCycle(t, env.db, 2026, 10, entity.CycleStatusOpen)

	req := &service.CreateForecastRequest{
		CycleID:          cycle.ID,
		CustomerID:       "cust-001",
		ProductID:        "prod-001",
		SalesRepID:       "rep-002",
		MonthlyForecasts: lineInputs(nil, nil, nil, nil),
	}

	// 普通销售不能代建
	_, err := env.svcs.Forecast.Create(context.Background(), "rep-001", []string{service.RoleRep}, req)
	var authErr *service.AuthorizationError
	if !errors.As(err, &authErr) {
		t.Fatalf("Expected AuthorizationError, got %v", err)
	}

	// 管理员可以
	forecast, err := env.svcs.Forecast.Create(context.Background(), "admin-001", []string{service.RoleAdmin}, req)
	if err != nil {
		t.Fatalf("Admin create failed: %v", err)
	}
	if forecast.SalesRepID != "rep-002" {
		t.Errorf("Expected sales_rep_id rep-002, got %s", forecast.SalesRepID)
	}
}

func TestForecastUpdateCreatesNewVersion(t *testing.T) {
	env := setupServices(t, nil)
	ctx := context.Background()
	cycle := testutil.SeedCycle(t, env.db, 2026, 10, entity.CycleStatusOpen)
	first := testutil.SeedForecast(t, env.db, cycle, "rep-001", "cust-001", "prod-001",
		entity.ForecastStatusDraft, 2, env.cfg.Forecast.PlanningHorizon)

	next, err := env.svcs.Forecast.Update(ctx, "rep-001", []string{service.RoleRep}, first.ID, &service.UpdateForecastRequest{
		MonthlyForecasts: lineInputs(qty(50), qty(60), qty(70), qty(80)),
		ExpectedVersion:  1,
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if next.Version != 2 || !next.IsCurrent {
		t.Errorf("Expected v2 current, got v%d current=%v", next.Version, next.IsCurrent)
	}
	if next.PreviousVersionID == nil || *next.PreviousVersionID != first.ID {
		t.Errorf("Expected previous_version_id %s, got %v", first.ID, next.PreviousVersionID)
	}

	// 旧版本退位但保留
	old, err := env.repos.Forecast.FindByID(ctx, first.ID)
	if err != nil {
		t.Fatalf("FindByID old version failed: %v", err)
	}
	if old.IsCurrent {
		t.Error("Old version should no longer be current")
	}

	// 历史链包含两个版本
	history, err := env.svcs.Forecast.History(ctx, "rep-001", []string{service.RoleRep}, next.ID)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("Expected 2 versions in history, got %d", len(history))
	}
}

func TestForecastUpdateStaleVersion(t *testing.T) {
	env := setupServices(t, nil)
	ctx := context.Background()
	cycle := testutil.SeedCycle(t, env.db, 2026, 10, entity.CycleStatusOpen)
	first := testutil.SeedForecast(t, env.db, cycle, "rep-001", "cust-001", "prod-001",
		entity.ForecastStatusDraft, 2, env.cfg.Forecast.PlanningHorizon)

	// 第一次更新成功
	if _, err := env.svcs.Forecast.Update(ctx, "rep-001", []string{service.RoleRep}, first.ID, &service.UpdateForecastRequest{
		MonthlyForecasts: lineInputs(qty(50), qty(60), qty(70), nil),
		ExpectedVersion:  1,
	}); err != nil {
		t.Fatalf("First update failed: %v", err)
	}

	// 基于过期版本的并发写入方收到冲突
	_, err := env.svcs.Forecast.Update(ctx, "rep-001", []string{service.RoleRep}, first.ID, &service.UpdateForecastRequest{
		MonthlyForecasts: lineInputs(qty(1), qty(2), qty(3), nil),
		ExpectedVersion:  1,
	})
	var conflictErr *service.ConflictError
	if !errors.As(err, &conflictErr) {
		t.Fatalf("Expected ConflictError for stale version, got %v", err)
	}
}

func TestForecastUpdateClosedCycle(t *testing.T) {
	env := setupServices(t, nil)
	cycle := testutil.SeedCycle(t, env.db, 2026, 10, entity.CycleStatusClosed)
	forecast := testutil.SeedForecast(t, env.db, cycle, "rep-001", "cust-001", "prod-001",
		entity.ForecastStatusDraft, 2, env.cfg.Forecast.PlanningHorizon)

	_, err := env.svcs.Forecast.Update(context.Background(), "rep-001", []string{service.RoleRep}, forecast.ID, &service.UpdateForecastRequest{
		MonthlyForecasts: lineInputs(qty(1), qty(2), qty(3), nil),
		ExpectedVersion:  1,
	})
	var stateErr *service.StateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("Expected StateError on closed cycle, got %v", err)
	}
}

func TestForecastGetOwnership(t *testing.T) {
	env := setupServices(t, nil)
	ctx := context.Background()
	cycle := testutil.SeedCycle(t, env.db, 2026, 10, entity.CycleStatusOpen)
	forecast := testutil.SeedForecast(t, env.db, cycle, "rep-001", "cust-001", "prod-001",
		entity.ForecastStatusDraft, 2, env.cfg.Forecast.PlanningHorizon)

	// 本人可见
	if _, err := env.svcs.Forecast.Get(ctx, "rep-001", []string{service.RoleRep}, forecast.ID); err != nil {
		t.Fatalf("Owner get failed: %v", err)
	}

	// 其他销售不可见
	_, err := env.svcs.Forecast.Get(ctx, "rep-002", []string{service.RoleRep}, forecast.ID)
	var authErr *service.AuthorizationError
	if !errors.As(err, &authErr) {
		t.Fatalf("Expected AuthorizationError for another rep, got %v", err)
	}

	// 审核人可见
	if _, err := env.svcs.Forecast.Get(ctx, "approver-001", []string{service.RoleApprover}, forecast.ID); err != nil {
		t.Fatalf("Approver get failed: %v", err)
	}
}

func TestForecastListScopedToOwnData(t *testing.T) {
	env := setupServices(t, nil)
	ctx := context.Background()
	cycle := testutil.SeedCycle(t, env.db, 2026, 10, entity.CycleStatusOpen)
	testutil.SeedForecast(t, env.db, cycle, "rep-001", "cust-001", "prod-001",
		entity.ForecastStatusDraft, 2, env.cfg.Forecast.PlanningHorizon)
	testutil.SeedForecast(t, env.db, cycle, "rep-002", "cust-002", "prod-002",
		entity.ForecastStatusDraft, 2, env.cfg.Forecast.PlanningHorizon)

	// 普通销售即使不带过滤条件也只看到自己的
	_, total, err := env.svcs.Forecast.ListByCycle(ctx, "rep-001", []string{service.RoleRep}, cycle.ID, 1, 20, map[string]string{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if total != 1 {
		t.Errorf("Expected 1 forecast for rep-001, got %d", total)
	}

	// 审核人看到全部
	_, total, err = env.svcs.Forecast.ListByCycle(ctx, "approver-001", []string{service.RoleApprover}, cycle.ID, 1, 20, map[string]string{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if total != 2 {
		t.Errorf("Expected 2 forecasts for approver, got %d", total)
	}
}
