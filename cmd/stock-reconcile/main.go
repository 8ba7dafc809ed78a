package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/records_backend/appctx"
	"bitbucket.org/mmdatafocus/records_backend/config"
	"bitbucket.org/mmdatafocus/records_backend/models"
	"bitbucket.org/mmdatafocus/records_backend/utils"
	"github.com/sirupsen/logrus"
)

func main() {
	tenantID := flag.String("tenant-id", "", "Optional: reconcile one tenant (default all tenants with products)")
	outDir := flag.String("out", ".", "Directory for the xlsx report")
	upload := flag.Bool("upload", false, "Upload the report to REPORT_BUCKET")
	flag.Parse()

	cfg := config.Load()
	logger := config.NewLogger(cfg.LogLevel)
	// tenants are filtered explicitly
	ctx := appctx.Set(context.Background(), appctx.ContextKeySkipTenantScope, true)

	db, err := config.ConnectDatabaseWithRetry(ctx, cfg.Database, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "database: %v\n", err)
		os.Exit(1)
	}

	tenants := []string{strings.TrimSpace(*tenantID)}
	if tenants[0] == "" {
		tenants = nil
		if err := db.WithContext(ctx).Model(&models.Product{}).Distinct().Pluck("tenant_id", &tenants).Error; err != nil {
			fmt.Fprintf(os.Stderr, "list tenants: %v\n", err)
			os.Exit(1)
		}
	}
	if *upload && cfg.ReportBucket == "" {
		fmt.Fprintln(os.Stderr, "--upload needs REPORT_BUCKET")
		os.Exit(1)
	}

	stamp := time.Now().UTC().Format("20060102-150405")
	failed := false
	for _, tenant := range tenants {
		fields := logrus.Fields{"module": "stock-reconcile", "tenant_id": tenant}
		findings, products, err := reconcileTenant(ctx, db, tenant)
		if err != nil {
			config.LogError(logger, "stock-reconcile", "reconcileTenant", tenant, nil, err)
			failed = true
			continue
		}
		fields["products"] = products
		fields["findings"] = len(findings)

		data, err := buildReport(tenant, findings)
		if err != nil {
			config.LogError(logger, "stock-reconcile", "buildReport", tenant, nil, err)
			failed = true
			continue
		}
		name := fmt.Sprintf("stock-reconcile-%s-%s.xlsx", tenant, stamp)
		if err := os.WriteFile(strings.TrimRight(*outDir, "/")+"/"+name, data, 0o644); err != nil {
			config.LogError(logger, "stock-reconcile", "WriteFile", name, nil, err)
			failed = true
			continue
		}
		if *upload {
			if err := utils.UploadBytesToGCS(ctx, cfg.ReportBucket, "stock-reconcile/"+name, data, xlsxContentType); err != nil {
				config.LogError(logger, "stock-reconcile", "UploadBytesToGCS", name, nil, err)
				failed = true
			}
		}
		if len(findings) > 0 {
			logger.WithFields(fields).Warn("stock ledger drift found")
		} else {
			logger.WithFields(fields).Info("stock ledger consistent")
		}
	}
	if failed {
		os.Exit(1)
	}
}
