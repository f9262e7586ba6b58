package main

import (
	"time"

	"github.com/liamcoop/billingrules/multitenantengine"
	"github.com/liamcoop/billingrules/rules"
)

// API request and response models

type CreateTenantRequest struct {
	Name   string                   `json:"name" example:"Acme Corp"`
	Schema multitenantengine.Schema `json:"schema,omitempty"`
}

type TenantResponse struct {
	ID            string    `json:"id" example:"123e4567-e89b-12d3-a456-426614174000"`
	Name          string    `json:"name" example:"Acme Corp"`
	SchemaVersion int       `json:"schemaVersion" example:"1"`
	CreatedAt     time.Time `json:"created_at" example:"2024-01-15T10:30:00Z"`
}

type TenantsListResponse struct {
	Tenants []TenantResponse `json:"tenants"`
}

type CreateSchemaRequest struct {
	Definition multitenantengine.Schema `json:"definition"`
}

type SchemaResponse struct {
	Version    int                      `json:"version" example:"1"`
	Status     string                   `json:"status" example:"active"`
	Definition multitenantengine.Schema `json:"definition"`
}

type RuleGroupsListResponse struct {
	RuleGroups []*rules.RuleGroupDefinition `json:"ruleGroups"`
}

// EvaluateRequest carries either one record or a batch of records
type EvaluateRequest struct {
	TenantID    string           `json:"tenantId" example:"123e4567-e89b-12d3-a456-426614174000"`
	RuleGroupID string           `json:"ruleGroupId" example:"pick-and-pack"`
	Record      map[string]any   `json:"record,omitempty"`
	Records     []map[string]any `json:"records,omitempty"`
}

// EvaluationResultResponse is one rule's outcome. Charge is a two-place
// decimal string, or null when the rule did not apply.
type EvaluationResultResponse struct {
	RuleID         string  `json:"rule_id" example:"per-unit-pick"`
	RuleName       string  `json:"rule_name" example:"Per unit pick fee"`
	AdjustmentType string  `json:"adjustment_type" example:"charge"`
	Matched        bool    `json:"matched" example:"true"`
	Charge         *string `json:"charge" example:"25.00"`
	Detail         string  `json:"detail,omitempty" example:"10 x 2.50"`
	Error          *string `json:"error,omitempty"`
}

// OrderResponse holds the results for one record
type OrderResponse struct {
	Results     []EvaluationResultResponse `json:"results"`
	Total       string                     `json:"total" example:"25.00"`
	Diagnostics []string                   `json:"diagnostics,omitempty"`
}

// EvaluateResponse inlines the single-record results, or lists one
// OrderResponse per record for a batch
type EvaluateResponse struct {
	*OrderResponse
	Orders         []OrderResponse `json:"orders,omitempty"`
	EvaluationTime string          `json:"evaluationTime" example:"120µs"`
}

type ErrorResponse struct {
	Error   string `json:"error" example:"invalid rule group"`
	Details string `json:"details,omitempty"`
}

type HealthResponse struct {
	Status        string `json:"status" example:"healthy"`
	TenantsLoaded int    `json:"tenantsLoaded"`
	Error         string `json:"error,omitempty"`
}

func tenantResponse(t *multitenantengine.Tenant) TenantResponse {
	return TenantResponse{
		ID:            t.ID,
		Name:          t.Name,
		SchemaVersion: t.SchemaVersion,
		CreatedAt:     t.CreatedAt,
	}
}

func orderResponse(results []*rules.EvaluationResult, diags []string) OrderResponse {
	out := OrderResponse{
		Results:     make([]EvaluationResultResponse, len(results)),
		Total:       rules.Total(results).StringFixed(2),
		Diagnostics: diags,
	}
	for i, res := range results {
		r := EvaluationResultResponse{
			RuleID:         res.RuleID,
			RuleName:       res.RuleName,
			AdjustmentType: string(res.AdjustmentType),
			Matched:        res.Matched,
			Detail:         res.Detail,
		}
		if res.Charge != nil {
			charge := res.Charge.StringFixed(2)
			r.Charge = &charge
		}
		if res.Error != nil {
			msg := res.Error.Error()
			r.Error = &msg
		}
		out.Results[i] = r
	}
	return out
}
