// File: internal/observability/findings.go
package observability

import (
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-capture/api/schemas"
)

// FindingLogger returns a knowledge base observer that logs every finding as it
// is recorded. Vulnerabilities are logged at warn level, notes at info.
func FindingLogger(logger *zap.Logger) func(schemas.Finding) {
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Named("findings")
	return func(f schemas.Finding) {
		fields := []zap.Field{
			zap.String("plugin", f.Plugin),
			zap.String("uri", f.URI),
			zap.String("severity", string(f.Severity)),
		}
		if f.TransactionID != 0 {
			fields = append(fields, zap.Uint64("transaction_id", f.TransactionID))
		}
		if f.IsVuln() {
			log.Warn(f.Name, fields...)
			return
		}
		log.Info(f.Name, fields...)
	}
}
