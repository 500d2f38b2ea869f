package database

import (
	"fmt"
	"time"

	"github.com/careops/clinicflow/internal/config"
	"github.com/careops/clinicflow/internal/domain"
	"github.com/careops/clinicflow/internal/domain/appointment"
	"github.com/careops/clinicflow/internal/domain/flow"
	"github.com/careops/clinicflow/internal/domain/occupancy"
	"github.com/careops/clinicflow/pkg/metrics"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func Connect(cfg config.DatabaseConfig) (*gorm.DB, error) {
	gormCfg := &gorm.Config{
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Silent),
		PrepareStmt:                              true,
		TranslateError:                           true,
		DisableForeignKeyConstraintWhenMigrating: false,
		DisableAutomaticPing:                     false,
	}

	db, err := gorm.Open(postgres.New(postgres.Config{
		DSN:                  cfg.DNS(),
		PreferSimpleProtocol: false,
	}), gormCfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	// Configure connection pool
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return db, nil
}

// InstrumentQueries registers gorm callbacks timing every statement by
// operation and table.
func InstrumentQueries(db *gorm.DB, col *metrics.Collector) error {
	const startKey = "metrics:start_time"

	before := func(tx *gorm.DB) {
		tx.InstanceSet(startKey, time.Now())
	}
	after := func(op string) func(tx *gorm.DB) {
		return func(tx *gorm.DB) {
			v, ok := tx.InstanceGet(startKey)
			if !ok {
				return
			}
			start, ok := v.(time.Time)
			if !ok {
				return
			}
			col.DBQueryDuration.WithLabelValues(op, tx.Statement.Table).Observe(time.Since(start).Seconds())
		}
	}

	if err := db.Callback().Create().Before("gorm:create").Register("metrics:before_create", before); err != nil {
		return err
	}
	if err := db.Callback().Create().After("gorm:create").Register("metrics:after_create", after("create")); err != nil {
		return err
	}
	if err := db.Callback().Query().Before("gorm:query").Register("metrics:before_query", before); err != nil {
		return err
	}
	if err := db.Callback().Query().After("gorm:query").Register("metrics:after_query", after("query")); err != nil {
		return err
	}
	if err := db.Callback().Update().Before("gorm:update").Register("metrics:before_update", before); err != nil {
		return err
	}
	if err := db.Callback().Update().After("gorm:update").Register("metrics:after_update", after("update")); err != nil {
		return err
	}
	if err := db.Callback().Delete().Before("gorm:delete").Register("metrics:before_delete", before); err != nil {
		return err
	}
	if err := db.Callback().Delete().After("gorm:delete").Register("metrics:after_delete", after("delete")); err != nil {
		return err
	}
	if err := db.Callback().Raw().Before("gorm:raw").Register("metrics:before_raw", before); err != nil {
		return err
	}
	if err := db.Callback().Raw().After("gorm:raw").Register("metrics:after_raw", after("raw")); err != nil {
		return err
	}
	return nil
}

func Migrate(db *gorm.DB, log *zap.Logger) error {
	log.Info("running database migrations")
	start := time.Now()

	schemas := []string{"clinical", "auth", "audit"} // logical namespace
	for _, schema := range schemas {
		if err := db.Exec(fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)).Error; err != nil {
			return fmt.Errorf("creating schema %s: %w", schema, err)
		}
	}

	models := []any{
		&domain.User{},
		&domain.AuditLog{},
		&appointment.Appointment{},
		&flow.PatientFlowState{},
		&flow.FlowStageHistory{},
		&occupancy.Occupancy{},
	}

	if err := db.AutoMigrate(models...); err != nil {
		return fmt.Errorf("auto-migrating models: %w", err)
	}

	if err := createIndexes(db); err != nil {
		return fmt.Errorf("creating indexes: %w", err)
	}

	log.Info("migrations completed", zap.Duration("duration", time.Since(start)))
	return nil
}

func createIndexes(db *gorm.DB) error {
	indexes := []struct {
		name  string
		query string
	}{
		// At most one non-terminal flow state per appointment.
		{
			name:  "idx_flow_states_one_active",
			query: `CREATE UNIQUE INDEX IF NOT EXISTS idx_flow_states_one_active ON clinical.patient_flow_states (clinic_id, appointment_id) WHERE stage <> 'checked_out'`,
		},
		// At most one open interval per flow state.
		{
			name:  "idx_flow_history_one_open",
			query: `CREATE UNIQUE INDEX IF NOT EXISTS idx_flow_history_one_open ON clinical.flow_stage_history (flow_state_id) WHERE exited_at IS NULL`,
		},
		{
			name:  "idx_flow_history_state_entered",
			query: `CREATE INDEX IF NOT EXISTS idx_flow_history_state_entered ON clinical.flow_stage_history (flow_state_id, entered_at)`,
		},
		{
			name:  "idx_chair_occupancy_status",
			query: `CREATE INDEX IF NOT EXISTS idx_chair_occupancy_status ON clinical.chair_occupancy (clinic_id, status)`,
		},
		{
			name:  "idx_flow_states_stage_board",
			query: `CREATE INDEX IF NOT EXISTS idx_flow_states_stage_board ON clinical.patient_flow_states (clinic_id, stage) WHERE stage <> 'checked_out'`,
		},
	}

	for _, idx := range indexes {
		if err := db.Exec(idx.query).Error; err != nil {
			return fmt.Errorf("creating index %s: %w", idx.name, err)
		}
	}

	return nil
}
