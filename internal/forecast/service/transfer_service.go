package service

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bitfantasy/nimo-sfp/internal/config"
	"github.com/bitfantasy/nimo-sfp/internal/forecast/entity"
	"github.com/bitfantasy/nimo-sfp/internal/forecast/repository"
	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"
)

// TransferService 预测单批量导入导出服务
// 表格约定：每行一个(customer, product)组合，标识列后跟规划期的逐月数量列
type TransferService struct {
	forecastRepo *repository.ForecastRepository
	cycleRepo    *repository.CycleRepository
	artifactRepo *repository.ArtifactRepository
	forecastSvc  *ForecastService
	minioClient  *minio.Client
	bucketName   string
	audit        AuditSink
	cfg          *config.Config
	logger       *zap.Logger
}

// NewTransferService 创建导入导出服务
func NewTransferService(
	forecastRepo *repository.ForecastRepository,
	cycleRepo *repository.CycleRepository,
	artifactRepo *repository.ArtifactRepository,
	forecastSvc *ForecastService,
	minioClient *minio.Client,
	bucketName string,
	audit AuditSink,
	cfg *config.Config,
	logger *zap.Logger,
) *TransferService {
	return &TransferService{
		forecastRepo: forecastRepo,
		cycleRepo:    cycleRepo,
		artifactRepo: artifactRepo,
		forecastSvc:  forecastSvc,
		minioClient:  minioClient,
		bucketName:   bucketName,
		audit:        audit,
		cfg:          cfg,
		logger:       logger,
	}
}

var templateIDHeaders = []string{"customer_id", "product_id"}

// BuildTemplate 生成预填模板
// 一行一个组合，预填当前版本的数量，调用方直接改数回传
func (s *TransferService) BuildTemplate(ctx context.Context, actorID, cycleID string) (*excelize.File, string, error) {
	cycle, err := s.cycleRepo.FindByID(ctx, cycleID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, "", &NotFoundError{Resource: "cycle"}
		}
		return nil, "", fmt.Errorf("find cycle: %w", err)
	}

	forecasts, err := s.forecastRepo.ListCurrentByRep(ctx, cycleID, actorID)
	if err != nil {
		return nil, "", fmt.Errorf("list forecasts: %w", err)
	}

	labels := entity.MonthLabels(cycle.Year, cycle.Month, s.cfg.Forecast.PlanningHorizon)

	f := excelize.NewFile()
	sheet := "Forecast"
	f.SetSheetName("Sheet1", sheet)

	boldStyle, _ := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Size: 11},
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"#D9E1F2"}},
		Border: []excelize.Border{
			{Type: "bottom", Color: "000000", Style: 1},
		},
	})

	headers := append(append([]string{}, templateIDHeaders...), labels...)
	for i, h := range headers {
		col, _ := excelize.ColumnNumberToName(i + 1)
		cell := col + "1"
		f.SetCellValue(sheet, cell, h)
		f.SetCellStyle(sheet, cell, cell, boldStyle)
	}

	for rowIdx, forecast := range forecasts {
		row := rowIdx + 2
		f.SetCellValue(sheet, fmt.Sprintf("A%d", row), forecast.CustomerID)
		f.SetCellValue(sheet, fmt.Sprintf("B%d", row), forecast.ProductID)
		for _, line := range forecast.Lines {
			col, _ := excelize.ColumnNumberToName(len(templateIDHeaders) + line.MonthIndex)
			if line.Quantity != nil {
				f.SetCellValue(sheet, fmt.Sprintf("%s%d", col, row), *line.Quantity)
			}
		}
	}

	f.SetColWidth(sheet, "A", "B", 16)
	lastCol, _ := excelize.ColumnNumberToName(len(headers))
	f.SetColWidth(sheet, "C", lastCol, 10)

	filename := fmt.Sprintf("forecast_%04d%02d_%s.xlsx", cycle.Year, cycle.Month, actorID)
	return f, filename, nil
}

// ImportRowError 逐行导入错误
type ImportRowError struct {
	Row     int    `json:"row"`
	Message string `json:"message"`
}

// ImportResult 批量导入结果
type ImportResult struct {
	Imported int              `json:"imported"`
	Failed   int              `json:"failed"`
	Errors   []ImportRowError `json:"errors"`
}

// ImportForecasts 批量导入
// 只有结构性错误（缺标识列、月份列不符）拒绝整个文件；
// 行级错误逐行上报，合法行照常导入，不受坏行牵连
func (s *TransferService) ImportForecasts(ctx context.Context, actorID string, roles []string, cycleID, filename string, reader io.Reader) (*ImportResult, error) {
	cycle, err := s.cycleRepo.FindByID(ctx, cycleID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, &NotFoundError{Resource: "cycle"}
		}
		return nil, fmt.Errorf("find cycle: %w", err)
	}
	if cycle.Status != entity.CycleStatusOpen {
		return nil, &StateError{Entity: "cycle", Current: cycle.Status, Target: entity.CycleStatusOpen}
	}

	rows, err := s.readRows(filename, reader)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &ValidationError{Violations: []string{"file has no header row"}}
	}

	labels := entity.MonthLabels(cycle.Year, cycle.Month, s.cfg.Forecast.PlanningHorizon)
	if violations := validateHeader(rows[0], labels); len(violations) > 0 {
		return nil, &ValidationError{Violations: violations}
	}

	result := &ImportResult{Errors: []ImportRowError{}}
	for i, row := range rows[1:] {
		rowNum := i + 2
		if err := s.importRow(ctx, actorID, roles, cycleID, row, len(labels)); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, ImportRowError{Row: rowNum, Message: err.Error()})
			continue
		}
		result.Imported++
	}

	s.audit.Record(ctx, "cycle", cycleID, entity.AuditActionBulkImport, actorID, map[string]interface{}{
		"imported": result.Imported,
		"failed":   result.Failed,
	})
	return result, nil
}

// validateHeader 结构校验：标识列和月份列都必须齐全且顺序正确
func validateHeader(header []string, labels []string) []string {
	var violations []string
	for i, want := range templateIDHeaders {
		if i >= len(header) || !strings.EqualFold(strings.TrimSpace(header[i]), want) {
			violations = append(violations, fmt.Sprintf("missing required column %q", want))
		}
	}
	for i, label := range labels {
		idx := len(templateIDHeaders) + i
		if idx >= len(header) || strings.TrimSpace(header[idx]) != label {
			violations = append(violations, fmt.Sprintf("missing month column %q", label))
		}
	}
	return violations
}

func (s *TransferService) importRow(ctx context.Context, actorID string, roles []string, cycleID string, row []string, horizon int) error {
	if len(row) < len(templateIDHeaders) {
		return errors.New("row has no identifier columns")
	}
	customerID := strings.TrimSpace(row[0])
	productID := strings.TrimSpace(row[1])
	if customerID == "" || productID == "" {
		return errors.New("customer_id and product_id are required")
	}

	current, err := s.forecastRepo.FindCurrent(ctx, cycleID, actorID, customerID, productID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("no assigned forecast for customer %s product %s", customerID, productID)
		}
		return err
	}

	inputs := make([]LineInput, horizon)
	for i := 0; i < horizon; i++ {
		idx := len(templateIDHeaders) + i
		if idx >= len(row) {
			break
		}
		cell := strings.TrimSpace(row[idx])
		if cell == "" {
			continue
		}
		qty, err := strconv.ParseFloat(cell, 64)
		if err != nil {
			return fmt.Errorf("invalid quantity %q in month %d", cell, i+1)
		}
		if qty < 0 {
			return fmt.Errorf("negative quantity in month %d", i+1)
		}
		inputs[i].Quantity = &qty
	}

	_, err = s.forecastSvc.Update(ctx, actorID, roles, current.ID, &UpdateForecastRequest{
		MonthlyForecasts: inputs,
		ExpectedVersion:  current.Version,
	})
	return err
}

// readRows 读取xlsx或csv为行矩阵
// csv兼容Excel导出的GBK编码，内容非UTF-8时先转码再解析
func (s *TransferService) readRows(filename string, reader io.Reader) ([][]string, error) {
	if strings.HasSuffix(strings.ToLower(filename), ".csv") {
		raw, err := io.ReadAll(reader)
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		var r io.Reader = bytes.NewReader(raw)
		if !utf8.Valid(raw) {
			r = transform.NewReader(bytes.NewReader(raw), simplifiedchinese.GBK.NewDecoder())
		}
		cr := csv.NewReader(r)
		cr.FieldsPerRecord = -1
		rows, err := cr.ReadAll()
		if err != nil {
			return nil, &ValidationError{Violations: []string{"malformed csv: " + err.Error()}}
		}
		return rows, nil
	}

	f, err := excelize.OpenReader(reader)
	if err != nil {
		return nil, &ValidationError{Violations: []string{"malformed excel file: " + err.Error()}}
	}
	defer f.Close()
	rows, err := f.GetRows(f.GetSheetName(0))
	if err != nil {
		return nil, fmt.Errorf("read excel: %w", err)
	}
	return rows, nil
}

// ReportLink 报表下载信息
type ReportLink struct {
	ArtifactID string    `json:"artifact_id"`
	FileName   string    `json:"file_name"`
	URL        string    `json:"url"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// ExportReport 导出周期汇总报表
// 文件归档到MinIO并登记，返回带时效的下载链接；过期文件由清理任务回收
func (s *TransferService) ExportReport(ctx context.Context, actorID, cycleID string, stats *CycleStats) (*ReportLink, error) {
	if s.minioClient == nil {
		return nil, errors.New("report storage is not configured")
	}

	cycle, err := s.cycleRepo.FindByID(ctx, cycleID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, &NotFoundError{Resource: "cycle"}
		}
		return nil, fmt.Errorf("find cycle: %w", err)
	}

	f := excelize.NewFile()
	sheet := "Summary"
	f.SetSheetName("Sheet1", sheet)

	boldStyle, _ := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	headers := []string{"销售", "应提交", "已提交", "未提交"}
	for i, h := range headers {
		col, _ := excelize.ColumnNumberToName(i + 1)
		f.SetCellValue(sheet, col+"1", h)
		f.SetCellStyle(sheet, col+"1", col+"1", boldStyle)
	}
	for rowIdx, rep := range stats.Reps {
		row := rowIdx + 2
		f.SetCellValue(sheet, fmt.Sprintf("A%d", row), rep.SalesRepID)
		f.SetCellValue(sheet, fmt.Sprintf("B%d", row), rep.Assigned)
		f.SetCellValue(sheet, fmt.Sprintf("C%d", row), rep.Submitted)
		f.SetCellValue(sheet, fmt.Sprintf("D%d", row), rep.Pending)
	}
	summaryRow := len(stats.Reps) + 2
	f.SetCellValue(sheet, fmt.Sprintf("A%d", summaryRow), "汇总")
	f.SetCellValue(sheet, fmt.Sprintf("B%d", summaryRow), stats.TotalAssigned)
	f.SetCellValue(sheet, fmt.Sprintf("C%d", summaryRow), stats.TotalSubmitted)
	f.SetCellValue(sheet, fmt.Sprintf("D%d", summaryRow),
		fmt.Sprintf("完成率 %.1f%% / 总金额 %.2f", stats.CompletionPercentage, stats.TotalForecastAmount))
	f.SetCellStyle(sheet, fmt.Sprintf("A%d", summaryRow), fmt.Sprintf("D%d", summaryRow), boldStyle)

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("write report: %w", err)
	}

	now := time.Now()
	fileName := fmt.Sprintf("cycle_report_%04d%02d_%d.xlsx", cycle.Year, cycle.Month, now.Unix())
	objectKey := fmt.Sprintf("reports/%s/%s", cycleID, fileName)

	_, err = s.minioClient.PutObject(ctx, s.bucketName, objectKey,
		bytes.NewReader(buf.Bytes()), int64(buf.Len()),
		minio.PutObjectOptions{ContentType: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"})
	if err != nil {
		return nil, fmt.Errorf("upload report: %w", err)
	}

	artifact := &entity.ReportArtifact{
		ID:        uuid.New().String()[:32],
		CycleID:   cycleID,
		ObjectKey: objectKey,
		FileName:  fileName,
		SizeBytes: int64(buf.Len()),
		CreatedBy: actorID,
		CreatedAt: now,
	}
	if err := s.artifactRepo.Create(ctx, artifact); err != nil {
		return nil, fmt.Errorf("register artifact: %w", err)
	}

	expiry := 24 * time.Hour
	presigned, err := s.minioClient.PresignedGetObject(ctx, s.bucketName, objectKey, expiry, url.Values{})
	if err != nil {
		return nil, fmt.Errorf("presign report: %w", err)
	}

	return &ReportLink{
		ArtifactID: artifact.ID,
		FileName:   fileName,
		URL:        presigned.String(),
		ExpiresAt:  now.Add(expiry),
	}, nil
}
