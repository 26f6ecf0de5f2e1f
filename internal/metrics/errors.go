package metrics

import "codeberg.org/mutker/hwmonctl/internal/errors"

const (
	ErrInvalidConfig = errors.ErrInvalidConfig
	ErrInvalidDBPath = errors.ErrorCode("metrics_invalid_db_path")

	ErrSchemaInitFailed       = errors.ErrorCode("metrics_schema_init_failed")
	ErrSchemaValidationFailed = errors.ErrorCode("metrics_schema_validation_failed")
	ErrSchemaMigrationFailed  = errors.ErrorCode("metrics_schema_migration_failed")
	ErrTransactionFailed      = errors.ErrorCode("metrics_transaction_failed")

	ErrStorageInit     = errors.ErrInitFailed
	ErrStorageClose    = errors.ErrShutdownFailed
	ErrServiceShutdown = errors.ErrShutdownFailed

	ErrMetricsCollection = errors.ErrorCode("metrics_collection_failed")
	ErrInvalidMetrics    = errors.ErrorCode("metrics_invalid_metrics")
	ErrOperationTimeout  = errors.ErrTimeout
)

// phaseFailure is attached to storage errors to tell which step broke.
type phaseFailure struct {
	Phase  string
	Target string `json:",omitempty"`
	Error  string
}

func phaseError(code errors.ErrorCode, phase, target string, err error) errors.Error {
	return errors.New().WithData(code, phaseFailure{Phase: phase, Target: target, Error: err.Error()})
}
