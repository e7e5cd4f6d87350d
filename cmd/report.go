// File: cmd/report.go
package cmd

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-capture/api/schemas"
	"github.com/xkilldash9x/scalpel-capture/internal/config"
	"github.com/xkilldash9x/scalpel-capture/internal/observability"
	"github.com/xkilldash9x/scalpel-capture/internal/reporting"
	"github.com/xkilldash9x/scalpel-capture/internal/store"
)

// findingStore is the slice of store.Store the commands use.
type findingStore interface {
	EnsureSchema(ctx context.Context) error
	PersistFindings(ctx context.Context, scanID string, findings []schemas.Finding) error
	GetFindingsByScanID(ctx context.Context, scanID string) ([]schemas.Finding, error)
}

// storeProvider defines an interface for components that can create a data store.
// Tests inject a mock instead of a live database connection.
type storeProvider interface {
	// Create initializes and returns a findingStore, a cleanup function to release
	// resources, and an error if the creation fails.
	Create(ctx context.Context, cfg config.Interface) (findingStore, func(), error)
}

// defaultStoreProvider connects to PostgreSQL.
type defaultStoreProvider struct{}

// NewStoreProvider is a factory function that creates a new defaultStoreProvider.
func NewStoreProvider() storeProvider {
	return &defaultStoreProvider{}
}

// Create connects to the PostgreSQL database using the provided configuration,
// initializes the store service, and returns it along with a cleanup function
// to close the database connection pool.
func (p *defaultStoreProvider) Create(ctx context.Context, cfg config.Interface) (findingStore, func(), error) {
	logger := observability.GetLogger()
	if cfg.Database().URL == "" {
		return nil, nil, fmt.Errorf("database URL is not configured (SCALPEL_DATABASE_URL)")
	}

	pool, err := pgxpool.New(ctx, cfg.Database().URL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	storeService, err := store.New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to initialize store service: %w", err)
	}

	cleanup := func() {
		pool.Close()
		logger.Debug("Database connection pool closed.")
	}
	return storeService, cleanup, nil
}

// persistFindings writes the scan's findings to the database.
func persistFindings(ctx context.Context, cfg config.Interface, provider storeProvider, scanID string, findings []schemas.Finding, logger *zap.Logger) error {
	s, cleanup, err := provider.Create(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	if cleanup != nil {
		defer cleanup()
	}

	if err := s.EnsureSchema(ctx); err != nil {
		return err
	}
	if err := s.PersistFindings(ctx, scanID, findings); err != nil {
		return fmt.Errorf("failed to persist findings: %w", err)
	}
	logger.Info("Findings persisted", zap.String("scan_id", scanID), zap.Int("count", len(findings)))
	return nil
}

// newReportCmd creates the `report` command, which renders a persisted scan.
func newReportCmd(provider storeProvider) *cobra.Command {
	var scanID string
	var outputPath string
	var format string

	reportCmd := &cobra.Command{
		Use:   "report",
		Short: "Generate a report for a persisted scan",
		Long: `Loads the findings of a scan from the database and renders them with one of
the reporters. Without --output the report is printed to stdout.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			return runReport(ctx, observability.GetLogger(), cfg, scanID, outputPath, format, provider)
		},
	}

	reportCmd.Flags().StringVar(&scanID, "scan-id", "", "The ID of the scan to generate a report for (required)")
	_ = reportCmd.MarkFlagRequired("scan-id")
	reportCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file path. If unset, the report is printed to stdout.")
	reportCmd.Flags().StringVarP(&format, "format", "f", "json", "Format for the output report (csv, json or sarif).")

	return reportCmd
}

// runReport contains the core, testable logic for generating a report.
func runReport(
	ctx context.Context,
	logger *zap.Logger,
	cfg config.Interface,
	scanID, outputPath, format string,
	provider storeProvider,
) error {
	logger.Info("Starting report generation", zap.String("scan_id", scanID))

	s, cleanup, err := provider.Create(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	if cleanup != nil {
		defer cleanup()
	}

	findings, err := s.GetFindingsByScanID(ctx, scanID)
	if err != nil {
		logger.Error("Failed to load findings", zap.Error(err), zap.String("scan_id", scanID))
		return fmt.Errorf("failed to load scan findings: %w", err)
	}
	if len(findings) == 0 {
		logger.Warn("No findings recorded for scan", zap.String("scan_id", scanID))
	}

	report := &reporting.Report{ScanID: scanID, Vulns: []schemas.Finding{}, Infos: []schemas.Finding{}}
	for _, f := range findings {
		if f.IsVuln() {
			report.Vulns = append(report.Vulns, f)
		} else {
			report.Infos = append(report.Infos, f)
		}
	}

	reporter, err := reporting.New(format, outputPath, Version, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize reporter: %w", err)
	}
	if err := writeReport(reporter, report); err != nil {
		return err
	}
	if outputPath != "" {
		logger.Info("Report successfully written to file", zap.String("path", outputPath))
	}
	return nil
}
