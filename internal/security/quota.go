// Package security carries this control plane's ambient quota and
// rate-limiting stack, adapted from the old per-company subscription quota
// service and Redis token-bucket limiter down to what the Deployment
// Manager's MAX_DEPLOYS cap and the API Adapter's per-project deployment
// quota actually need.
package security

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// DeploymentQuota bounds how much of the control plane's concurrency cap
// and deployment history a single project may consume. Trimmed from the
// old per-company DeploymentQuota down to the fields this spec's model
// actually uses: a per-project concurrent-deployment ceiling (enforced by
// the API Adapter ahead of MAX_DEPLOYS, the Manager's own global cap) and
// a rolling monthly count.
type DeploymentQuota struct {
	MaxConcurrentDeployments int
	MaxDeploymentsPerMonth   int
}

// QuotaService looks up a project's DeploymentQuota from Postgres,
// falling back to a free-tier default when the project has no row yet.
// Grounded on the old QuotaService's subscription-plan join, narrowed to
// a single project_quotas table since this control plane has no
// company/subscription hierarchy to join through.
type QuotaService struct {
	db *sql.DB
}

// NewQuotaService builds a QuotaService against db.
func NewQuotaService(db *sql.DB) *QuotaService {
	return &QuotaService{db: db}
}

// GetQuotaForProject returns project's DeploymentQuota, or the free-tier
// default if no row exists for it.
func (qs *QuotaService) GetQuotaForProject(ctx context.Context, project string) (DeploymentQuota, error) {
	const query = `
		SELECT max_concurrent_deployments, max_deployments_per_month
		FROM project_quotas
		WHERE project_name = $1
	`

	var quota DeploymentQuota
	err := qs.db.QueryRowContext(ctx, query, project).Scan(
		&quota.MaxConcurrentDeployments,
		&quota.MaxDeploymentsPerMonth,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return qs.FreeQuota(), nil
		}
		return DeploymentQuota{}, fmt.Errorf("security: quota lookup for project %s: %w", project, err)
	}
	return quota, nil
}

// FreeQuota is the default DeploymentQuota for a project with no explicit
// row in project_quotas.
func (qs *QuotaService) FreeQuota() DeploymentQuota {
	return DeploymentQuota{
		MaxConcurrentDeployments: 1,
		MaxDeploymentsPerMonth:   100,
	}
}

// Usage is a project's current consumption against its DeploymentQuota.
type Usage struct {
	CurrentConcurrentDeployments int
	CurrentDeploymentsPerMonth   int
}

// WithinQuota reports whether usage still fits within q, and a
// human-readable reason when it doesn't.
func (q DeploymentQuota) WithinQuota(usage Usage) (bool, string) {
	if usage.CurrentConcurrentDeployments >= q.MaxConcurrentDeployments {
		return false, "concurrent deployment limit exceeded"
	}
	if usage.CurrentDeploymentsPerMonth >= q.MaxDeploymentsPerMonth {
		return false, "monthly deployment limit exceeded"
	}
	return true, ""
}

// MonthlyUsage returns project's deployment count for the current calendar
// month (keyed YYYYMM), or 0 if it has not deployed yet this month.
func (qs *QuotaService) MonthlyUsage(ctx context.Context, project string) (int, error) {
	const query = `
		SELECT count FROM project_deployment_usage
		WHERE project_name = $1 AND month = $2
	`

	var count int
	err := qs.db.QueryRowContext(ctx, query, project, time.Now().Format("200601")).Scan(&count)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, fmt.Errorf("security: usage lookup for project %s: %w", project, err)
	}
	return count, nil
}

// RecordDeployment increments project's deployment counter for the current
// calendar month. Used
// by the API Adapter right after a successful Deploy call.
func (qs *QuotaService) RecordDeployment(ctx context.Context, project string) error {
	const query = `
		INSERT INTO project_deployment_usage (project_name, month, count)
		VALUES ($1, $2, 1)
		ON CONFLICT (project_name, month) DO UPDATE SET count = project_deployment_usage.count + 1
	`
	_, err := qs.db.ExecContext(ctx, query, project, time.Now().Format("200601"))
	if err != nil {
		return fmt.Errorf("security: recording deployment usage for project %s: %w", project, err)
	}
	return nil
}
