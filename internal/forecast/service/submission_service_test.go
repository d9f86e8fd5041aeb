package service_test

import (
	"context"
	"errors"
	"testing"

	"github.com/bitfantasy/nimo-sfp/internal/forecast/entity"
	"github.com/bitfantasy/nimo-sfp/internal/forecast/service"
	"github.com/bitfantasy/nimo-sfp/internal/forecast/testutil"
)

func TestSubmitRejectsMissingMandatoryMonths(t *testing.T) {
	env := setupServices(t, nil)
	ctx := context.Background()
	cycle := testutil.SeedCycle(t, env.db, 2026, 10, entity.CycleStatusOpen)
	// 只填2个月，强制窗口3个月
	forecast := testutil.SeedForecast(t, env.db, cycle, "rep-001", "cust-001", "prod-001",
		entity.ForecastStatusDraft, 2, env.cfg.Forecast.PlanningHorizon)

	_, err := env.svcs.Submission.Submit(ctx, "rep-001", []string{service.RoleRep}, forecast.ID)
	var validationErr *service.ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("Expected ValidationError, got %v", err)
	}
	// 缺口月份要指名道姓
	if len(validationErr.Violations) != 1 || validationErr.Violations[0] != "2026-12" {
		t.Errorf("Expected violation [2026-12], got %v", validationErr.Violations)
	}

	// 状态保持draft
	reloaded, _ := env.repos.Forecast.FindByID(ctx, forecast.ID)
	if reloaded.Status != entity.ForecastStatusDraft {
		t.Errorf("Expected forecast to remain draft, got %s", reloaded.Status)
	}
}

func TestSubmitDraft(t *testing.T) {
	env := setupServices(t, nil)
	ctx := context.Background()
	cycle := testutil.SeedCycle(t, env.db, 2026, 10, entity.CycleStatusOpen)
	forecast := testutil.SeedForecast(t, env.db, cycle, "rep-001", "cust-001", "prod-001",
		entity.ForecastStatusDraft, 3, env.cfg.Forecast.PlanningHorizon)

	submitted, err := env.svcs.Submission.Submit(ctx, "rep-001", []string{service.RoleRep}, forecast.ID)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if submitted.Status != entity.ForecastStatusSubmitted || submitted.SubmittedAt == nil {
		t.Errorf("Expected submitted status with timestamp, got %s %v", submitted.Status, submitted.SubmittedAt)
	}
	if len(env.notifier.Submitted) != 1 {
		t.Errorf("Expected 1 submit notification, got %d", len(env.notifier.Submitted))
	}

	// 重复提交
	_, err = env.svcs.Submission.Submit(ctx, "rep-001", []string{service.RoleRep}, forecast.ID)
	var stateErr *service.StateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("Expected StateError on double submit, got %v", err)
	}
}

func TestSubmitClosedCycle(t *testing.T) {
	env := setupServices(t, nil)
	cycle := testutil.SeedCycle(t, env.db, 2026, 10, entity.CycleStatusClosed)
	forecast := testutil.SeedForecast(t, env.db, cycle, "rep-001", "cust-001", "prod-001",
		entity.ForecastStatusDraft, 3, env.cfg.Forecast.PlanningHorizon)

	_, err := env.svcs.Submission.Submit(context.Background(), "rep-001", []string{service.RoleRep}, forecast.ID)
	var stateErr *service.StateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("Expected StateError on closed cycle, got %v", err)
	}
}

func TestApproveAndReject(t *testing.T) {
	env := setupServices(t, nil)
	ctx := context.Background()
	cycle := testutil.SeedCycle(t, env.db, 2026, 10, entity.CycleStatusOpen)
	first := testutil.SeedForecast(t, env.db, cycle, "rep-001", "cust-001", "prod-001",
		entity.ForecastStatusSubmitted, 3, env.cfg.Forecast.PlanningHorizon)
	second := testutil.SeedForecast(t, env.db, cycle, "rep-001", "cust-002", "prod-002",
		entity.ForecastStatusSubmitted, 3, env.cfg.Forecast.PlanningHorizon)

	// 无审核角色
	_, err := env.svcs.Submission.Approve(ctx, "rep-001", []string{service.RoleRep}, first.ID, "")
	var authErr *service.AuthorizationError
	if !errors.As(err, &authErr) {
		t.Fatalf("Expected AuthorizationError without approver role, got %v", err)
	}

	// 通过
	approved, err := env.svcs.Submission.Approve(ctx, "approver-001", []string{service.RoleApprover}, first.ID, "确认")
	if err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	if approved.Status != entity.ForecastStatusApproved || approved.ReviewedBy != "approver-001" {
		t.Errorf("Expected approved by approver-001, got %s by %s", approved.Status, approved.ReviewedBy)
	}

	// 驳回意见必填
	_, err = env.svcs.Submission.Reject(ctx, "approver-001", []string{service.RoleApprover}, second.ID, "")
	var validationErr *service.ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("Expected ValidationError for empty reject comment, got %v", err)
	}

	rejected, err := env.svcs.Submission.Reject(ctx, "approver-001", []string{service.RoleApprover}, second.ID, "数量偏高")
	if err != nil {
		t.Fatalf("Reject failed: %v", err)
	}
	if rejected.Status != entity.ForecastStatusRejected || rejected.ReviewComment != "数量偏高" {
		t.Errorf("Expected rejected with comment, got %s %q", rejected.Status, rejected.ReviewComment)
	}

	// 审核通知
	if len(env.notifier.Reviews) != 2 {
		t.Errorf("Expected 2 review notifications, got %d", len(env.notifier.Reviews))
	}

	// 已通过的不能再审
	_, err = env.svcs.Submission.Approve(ctx, "approver-001", []string{service.RoleApprover}, first.ID, "")
	var stateErr *service.StateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("Expected StateError on re-approve, got %v", err)
	}
}

func TestResubmitAfterRejection(t *testing.T) {
	env := setupServices(t, nil)
	ctx := context.Background()
	cycle := testutil.SeedCycle(t, env.db, 2026, 10, entity.CycleStatusOpen)
	rejected := testutil.SeedForecast(t, env.db, cycle, "rep-001", "cust-001", "prod-001",
		entity.ForecastStatusRejected, 3, env.cfg.Forecast.PlanningHorizon)

	resubmitted, err := env.svcs.Submission.Submit(ctx, "rep-001", []string{service.RoleRep}, rejected.ID)
	if err != nil {
		t.Fatalf("Resubmit failed: %v", err)
	}
	// 重新提交产生新版本，直接进submitted
	if resubmitted.Version != rejected.Version+1 {
		t.Errorf("Expected version %d, got %d", rejected.Version+1, resubmitted.Version)
	}
	if resubmitted.Status != entity.ForecastStatusSubmitted {
		t.Errorf("Expected submitted status, got %s", resubmitted.Status)
	}
	if resubmitted.PreviousVersionID == nil || *resubmitted.PreviousVersionID != rejected.ID {
		t.Errorf("Expected previous_version_id %s, got %v", rejected.ID, resubmitted.PreviousVersionID)
	}
	// 行快照原样拷贝
	if len(resubmitted.Lines) != len(rejected.Lines) {
		t.Fatalf("Expected %d lines, got %d", len(rejected.Lines), len(resubmitted.Lines))
	}
	if resubmitted.Lines[0].UnitPrice != rejected.Lines[0].UnitPrice {
		t.Errorf("Line prices should be copied, not re-resolved")
	}

	// 被驳回版本退位
	old, _ := env.repos.Forecast.FindByID(ctx, rejected.ID)
	if old.IsCurrent {
		t.Error("Rejected version should no longer be current")
	}
}

func TestBulkSubmit(t *testing.T) {
	env := setupServices(t, nil)
	ctx := context.Background()
	cycle := testutil.SeedCycle(t, env.db, 2026, 10, entity.CycleStatusOpen)

	// 2个可提交，1个缺强制月份，1个已提交（不在draft范围内）
	testutil.SeedForecast(t, env.db, cycle, "rep-001", "cust-001", "prod-001",
		entity.ForecastStatusDraft, 3, env.cfg.Forecast.PlanningHorizon)
	testutil.SeedForecast(t, env.db, cycle, "rep-001", "cust-002", "prod-001",
		entity.ForecastStatusDraft, 4, env.cfg.Forecast.PlanningHorizon)
	incomplete := testutil.SeedForecast(t, env.db, cycle, "rep-001", "cust-003", "prod-001",
		entity.ForecastStatusDraft, 1, env.cfg.Forecast.PlanningHorizon)
	testutil.SeedForecast(t, env.db, cycle, "rep-001", "cust-004", "prod-001",
		entity.ForecastStatusSubmitted, 3, env.cfg.Forecast.PlanningHorizon)

	result, err := env.svcs.Submission.BulkSubmit(ctx, "rep-001", []string{service.RoleRep}, cycle.ID, "")
	if err != nil {
		t.Fatalf("BulkSubmit failed: %v", err)
	}
	if result.Submitted != 2 {
		t.Errorf("Expected 2 submitted, got %d", result.Submitted)
	}
	if len(result.Skipped) != 1 {
		t.Fatalf("Expected 1 skipped, got %d", len(result.Skipped))
	}
	if result.Skipped[0].ID != incomplete.ID {
		t.Errorf("Expected skipped %s, got %s", incomplete.ID, result.Skipped[0].ID)
	}
	if len(result.Skipped[0].Reasons) == 0 {
		t.Error("Expected skip reasons to name the missing months")
	}

	// 其他销售不能批量替人提交
	_, err = env.svcs.Submission.BulkSubmit(ctx, "rep-002", []string{service.RoleRep}, cycle.ID, "rep-001")
	var authErr *service.AuthorizationError
	if !errors.As(err, &authErr) {
		t.Fatalf("Expected AuthorizationError, got %v", err)
	}
}

func TestCompletionStats(t *testing.T) {
	env := setupServices(t, nil)
	ctx := context.Background()
	cycle := testutil.SeedCycle(t, env.db, 2026, 10, entity.CycleStatusOpen)

	testutil.SeedForecast(t, env.db, cycle, "rep-001", "cust-001", "prod-001",
		entity.ForecastStatusSubmitted, 3, env.cfg.Forecast.PlanningHorizon)
	testutil.SeedForecast(t, env.db, cycle, "rep-001", "cust-002", "prod-001",
		entity.ForecastStatusDraft, 3, env.cfg.Forecast.PlanningHorizon)
	testutil.SeedForecast(t, env.db, cycle, "rep-002", "cust-003", "prod-001",
		entity.ForecastStatusApproved, 3, env.cfg.Forecast.PlanningHorizon)

	stats, err := env.svcs.Submission.CompletionStats(ctx, cycle.ID)
	if err != nil {
		t.Fatalf("CompletionStats failed: %v", err)
	}
	if stats.TotalAssigned != 3 {
		t.Errorf("Expected 3 assigned, got %d", stats.TotalAssigned)
	}
	// submitted和approved都算已提交
	if stats.TotalSubmitted != 2 {
		t.Errorf("Expected 2 submitted, got %d", stats.TotalSubmitted)
	}
	if stats.CompletionPercentage < 66 || stats.CompletionPercentage > 67 {
		t.Errorf("Expected completion ~66.7%%, got %f", stats.CompletionPercentage)
	}
	if stats.TotalForecastAmount <= 0 {
		t.Errorf("Expected positive forecast amount, got %f", stats.TotalForecastAmount)
	}
	if len(stats.Reps) != 2 {
		t.Errorf("Expected 2 rep rows, got %d", len(stats.Reps))
	}

	// 不存在的周期
	_, err = env.svcs.Submission.CompletionStats(ctx, "no-such-cycle")
	var notFoundErr *service.NotFoundError
	if !errors.As(err, &notFoundErr) {
		t.Fatalf("Expected NotFoundError, got %v", err)
	}
}
