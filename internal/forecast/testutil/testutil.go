package testutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/bitfantasy/nimo-sfp/internal/config"
	"github.com/bitfantasy/nimo-sfp/internal/forecast/entity"
	"github.com/bitfantasy/nimo-sfp/internal/middleware"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	TestSchema = "test_sfp"
	JWTSecret  = "nimo-sfp-jwt-secret-key-2026"
)

// TestEnv holds test environment resources
type TestEnv struct {
	DB     *gorm.DB
	Router *gin.Engine
	T      *testing.T
}

// projectRoot returns the project root directory by looking for go.mod
func projectRoot() string {
	_, filename, _, _ := runtime.Caller(0)
	dir := filepath.Dir(filename)
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}

// loadEnv loads .env from the project root
func loadEnv() {
	root := projectRoot()
	if root != "" {
		godotenv.Load(filepath.Join(root, ".env"))
	}
}

// SetupTestDB creates a test database connection using a dedicated test schema.
// Each test gets an isolated schema that is cleaned up after the test.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	loadEnv()

	host := getEnv("DB_HOST", "127.0.0.1")
	port := getEnv("DB_PORT", "5432")
	user := getEnv("DB_USER", "nimo")
	password := getEnv("DB_PASSWORD", "nimo123")
	dbname := getEnv("DB_NAME", "nimo_sfp")

	baseDSN := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		host, port, user, password, dbname)

	// Create a unique test schema for isolation
	schemaName := fmt.Sprintf("%s_%d", TestSchema, time.Now().UnixNano()%1000000)

	// First: create schema using a temporary connection
	setupDB, err := gorm.Open(postgres.Open(baseDSN), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("Failed to connect to database for schema setup: %v", err)
	}
	setupDB.Exec(fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schemaName))
	sqlSetup, _ := setupDB.DB()
	sqlSetup.Close()

	// Second: open connection with search_path in DSN so ALL pooled connections use test schema
	testDSN := fmt.Sprintf("%s search_path=%s", baseDSN, schemaName)
	db, err := gorm.Open(postgres.Open(testDSN), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}

	// Migrate test tables
	err = db.AutoMigrate(
		&entity.ForecastCycle{},
		&entity.Forecast{},
		&entity.ForecastLine{},
		&entity.SubmissionTracking{},
		&entity.AuditLog{},
		&entity.ReportArtifact{},
	)
	if err != nil {
		t.Fatalf("Failed to migrate test tables: %v", err)
	}

	// Partial unique indexes: single open cycle, single current version per key.
	// AutoMigrate cannot express these, created the same way the server does.
	db.Exec("CREATE UNIQUE INDEX IF NOT EXISTS idx_forecast_cycles_single_open ON forecast_cycles (status) WHERE status = 'open'")
	db.Exec("CREATE UNIQUE INDEX IF NOT EXISTS idx_forecasts_current_key ON forecasts (cycle_id, sales_rep_id, customer_id, product_id) WHERE is_current")

	// Cleanup on test completion
	t.Cleanup(func() {
		sqlDB, _ := db.DB()
		if sqlDB != nil {
			sqlDB.Close()
		}
		// Reconnect to drop the schema
		cleanDB, cleanErr := gorm.Open(postgres.Open(baseDSN), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if cleanErr == nil {
			cleanDB.Exec(fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schemaName))
			sqlClean, _ := cleanDB.DB()
			if sqlClean != nil {
				sqlClean.Close()
			}
		}
	})

	return db
}

// NewTestConfig returns a config with short planning parameters for tests
func NewTestConfig() *config.Config {
	return &config.Config{
		Forecast: config.ForecastConfig{
			PlanningHorizon:    16,
			MandatoryMonths:    12,
			ReminderWindowDays: 3,
			RetentionDays:      90,
		},
		MinIO: config.MinIOConfig{
			Bucket: "sfp-test",
		},
	}
}

// SetupRouter creates a gin test router with JWT middleware
func SetupRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(gin.Recovery())
	return r
}

// AuthGroup creates an API group with JWT auth middleware for testing
func AuthGroup(r *gin.Engine, path string) *gin.RouterGroup {
	return r.Group(path, middleware.JWTAuth(JWTSecret))
}

// GenerateTestToken creates a valid JWT token for testing
func GenerateTestToken(userID, name, email string, roles, permissions []string) string {
	if roles == nil {
		roles = []string{}
	}
	if permissions == nil {
		permissions = []string{}
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"sub":   userID,
		"uid":   userID,
		"name":  name,
		"email": email,
		"roles": roles,
		"perms": permissions,
		"iss":   "nimo-sfp",
		"iat":   now.Unix(),
		"exp":   now.Add(24 * time.Hour).Unix(),
		"jti":   fmt.Sprintf("test-jti-%d", now.UnixNano()),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, _ := token.SignedString([]byte(JWTSecret))
	return tokenString
}

// AdminToken returns a token for a default admin test user
func AdminToken() string {
	return GenerateTestToken("test-admin-001", "Test Admin", "admin@test.com",
		[]string{"sfp_admin"}, []string{"*"})
}

// ApproverToken returns a token for an approver test user
func ApproverToken(userID string) string {
	return GenerateTestToken(userID, "Test Approver", userID+"@test.com",
		[]string{"sfp_approver"}, nil)
}

// RepToken returns a token for a sales rep test user
func RepToken(userID string) string {
	return GenerateTestToken(userID, "Test Rep", userID+"@test.com",
		[]string{"sfp_rep"}, nil)
}

// DoRequest executes an HTTP request against the test router
func DoRequest(r *gin.Engine, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	var reqBody *bytes.Buffer
	if body != nil {
		jsonBytes, _ := json.Marshal(body)
		reqBody = bytes.NewBuffer(jsonBytes)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, _ := http.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// ParseResponse parses the JSON response body into a handler.Response-like map
func ParseResponse(w *httptest.ResponseRecorder) map[string]interface{} {
	var result map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &result)
	return result
}

// SeedCycle creates a forecast cycle in the given status
func SeedCycle(t *testing.T, db *gorm.DB, year, month int, status string) *entity.ForecastCycle {
	t.Helper()
	now := time.Now()
	cycle := &entity.ForecastCycle{
		ID:        uuid.New().String()[:32],
		Name:      fmt.Sprintf("%04d-%02d预测周期", year, month),
		Year:      year,
		Month:     month,
		StartDate: now.AddDate(0, 0, -7),
		EndDate:   now.AddDate(0, 0, 7),
		Status:    status,
		AutoClose: true,
		CreatedBy: "test-admin-001",
	}
	if status == entity.CycleStatusOpen {
		opened := now.Add(-time.Hour)
		cycle.OpenedAt = &opened
	}
	if err := db.Create(cycle).Error; err != nil {
		t.Fatalf("Failed to seed cycle: %v", err)
	}
	return cycle
}

// SeedForecast creates a current-version forecast with the given number of
// filled leading months out of horizon total months
func SeedForecast(t *testing.T, db *gorm.DB, cycle *entity.ForecastCycle, repID, customerID, productID, status string, filled, horizon int) *entity.Forecast {
	t.Helper()
	forecast := &entity.Forecast{
		ID:               uuid.New().String()[:32],
		CycleID:          cycle.ID,
		SalesRepID:       repID,
		CustomerID:       customerID,
		ProductID:        productID,
		Status:           status,
		Version:          1,
		IsCurrent:        true,
		UseCustomerPrice: true,
	}
	if status != entity.ForecastStatusDraft {
		submitted := time.Now().Add(-time.Minute)
		forecast.SubmittedAt = &submitted
	}

	labels := entity.MonthLabels(cycle.Year, cycle.Month, horizon)
	for i, label := range labels {
		line := entity.ForecastLine{
			ID:          uuid.New().String()[:32],
			ForecastID:  forecast.ID,
			MonthIndex:  i + 1,
			MonthLabel:  label,
			UnitPrice:   10.0,
			PriceSource: entity.PriceSourceStandard,
		}
		if i < filled {
			qty := float64(100 + i)
			line.Quantity = &qty
		}
		forecast.Lines = append(forecast.Lines, line)
	}
	forecast.ComputeTotals()

	if err := db.Create(forecast).Error; err != nil {
		t.Fatalf("Failed to seed forecast: %v", err)
	}
	return forecast
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
