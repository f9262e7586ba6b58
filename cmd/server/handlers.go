package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/liamcoop/billingrules/internal/logger"
	"github.com/liamcoop/billingrules/multitenantengine"
	"github.com/liamcoop/billingrules/rules"
)

// maxBodyBytes bounds request bodies, batches included
const maxBodyBytes = 8 << 20

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.PingContext(r.Context()); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, HealthResponse{
			Status: "unhealthy",
			Error:  err.Error(),
		})
		return
	}

	respondJSON(w, http.StatusOK, HealthResponse{
		Status:        "healthy",
		TenantsLoaded: len(s.manager.ListTenants()),
	})
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req EvaluateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	if req.TenantID == "" {
		respondError(w, http.StatusBadRequest, "tenantId is required", nil)
		return
	}
	if req.RuleGroupID == "" {
		respondError(w, http.StatusBadRequest, "ruleGroupId is required", nil)
		return
	}
	if (req.Record == nil) == (req.Records == nil) {
		respondError(w, http.StatusBadRequest, "exactly one of record or records is required", nil)
		return
	}

	tenant, err := s.manager.GetTenant(req.TenantID)
	if err != nil {
		respondError(w, http.StatusNotFound, "tenant not found", err)
		return
	}

	start := time.Now()

	if req.Record != nil {
		rec, diags := tenant.Record(req.Record)
		results, err := tenant.Engine.EvaluateOrder(r.Context(), req.RuleGroupID, rec)
		if err != nil {
			respondRuleGroupError(w, err)
			return
		}
		order := orderResponse(results, diags)
		respondJSON(w, http.StatusOK, EvaluateResponse{
			OrderResponse:  &order,
			EvaluationTime: time.Since(start).String(),
		})
		return
	}

	records := make([]rules.Record, len(req.Records))
	diags := make([][]string, len(req.Records))
	for i, raw := range req.Records {
		records[i], diags[i] = tenant.Record(raw)
	}

	batches, err := tenant.Engine.EvaluateOrders(r.Context(), req.RuleGroupID, records)
	if err != nil {
		respondRuleGroupError(w, err)
		return
	}

	orders := make([]OrderResponse, len(batches))
	for i, results := range batches {
		orders[i] = orderResponse(results, diags[i])
	}
	respondJSON(w, http.StatusOK, EvaluateResponse{
		Orders:         orders,
		EvaluationTime: time.Since(start).String(),
	})
}

func (s *Server) handleListTenants(w http.ResponseWriter, r *http.Request) {
	tenants := s.manager.Tenants()
	resp := TenantsListResponse{Tenants: make([]TenantResponse, len(tenants))}
	for i, t := range tenants {
		resp.Tenants[i] = tenantResponse(t)
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req CreateTenantRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	tenant, err := s.manager.CreateTenant(r.Context(), req.Name, req.Schema)
	if errors.Is(err, multitenantengine.ErrInvalidTenant) {
		respondError(w, http.StatusBadRequest, "invalid tenant", err)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to create tenant", err)
		return
	}

	respondJSON(w, http.StatusCreated, tenantResponse(tenant))
}

func (s *Server) handleUpdateSchema(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")

	var req CreateSchemaRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	version, err := s.manager.UpdateTenantSchema(r.Context(), tenantID, req.Definition)
	switch {
	case multitenantengine.IsNotFound(err):
		respondError(w, http.StatusNotFound, "tenant not found", err)
		return
	case errors.Is(err, multitenantengine.ErrInvalidTenant):
		respondError(w, http.StatusBadRequest, "invalid schema", err)
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, "failed to update schema", err)
		return
	}

	respondJSON(w, http.StatusOK, SchemaResponse{
		Version:    version,
		Status:     "active",
		Definition: req.Definition,
	})
}

func (s *Server) handleGetSchema(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.tenant(w, r)
	if !ok {
		return
	}
	if tenant.SchemaVersion == 0 {
		respondError(w, http.StatusNotFound, "schema not found", nil)
		return
	}

	respondJSON(w, http.StatusOK, SchemaResponse{
		Version:    tenant.SchemaVersion,
		Status:     "active",
		Definition: tenant.Schema,
	})
}

func (s *Server) handleCreateRuleGroup(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.tenant(w, r)
	if !ok {
		return
	}

	def, ok := readDefinition(w, r)
	if !ok {
		return
	}
	if def.ID == "" {
		def.ID = uuid.NewString()
	}

	if _, err := tenant.Engine.AddRuleGroup(r.Context(), def); err != nil {
		respondRuleGroupError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, def)
}

func (s *Server) handleListRuleGroups(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.tenant(w, r)
	if !ok {
		return
	}

	defs, err := tenant.Engine.ListRuleGroups(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list rule groups", err)
		return
	}
	if defs == nil {
		defs = []*rules.RuleGroupDefinition{}
	}
	respondJSON(w, http.StatusOK, RuleGroupsListResponse{RuleGroups: defs})
}

func (s *Server) handleGetRuleGroup(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.tenant(w, r)
	if !ok {
		return
	}

	group, err := tenant.Engine.RuleGroup(r.Context(), chi.URLParam(r, "groupId"))
	if err != nil {
		respondRuleGroupError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rules.DefinitionOf(group))
}

func (s *Server) handleUpdateRuleGroup(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.tenant(w, r)
	if !ok {
		return
	}
	groupID := chi.URLParam(r, "groupId")

	def, ok := readDefinition(w, r)
	if !ok {
		return
	}
	if def.ID != "" && def.ID != groupID {
		respondError(w, http.StatusBadRequest, "rule group id does not match the URL", nil)
		return
	}
	def.ID = groupID

	if _, err := tenant.Engine.UpdateRuleGroup(r.Context(), def); err != nil {
		respondRuleGroupError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, def)
}

func (s *Server) handleDeleteRuleGroup(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.tenant(w, r)
	if !ok {
		return
	}

	if err := tenant.Engine.DeleteRuleGroup(r.Context(), chi.URLParam(r, "groupId")); err != nil {
		respondRuleGroupError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleInvalidateRuleGroup(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.tenant(w, r)
	if !ok {
		return
	}

	if err := tenant.Engine.Invalidate(r.Context(), chi.URLParam(r, "groupId")); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to invalidate rule group", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// tenant resolves the {tenantId} URL parameter, writing a 404 if it is unknown
func (s *Server) tenant(w http.ResponseWriter, r *http.Request) (*multitenantengine.Tenant, bool) {
	tenant, err := s.manager.GetTenant(chi.URLParam(r, "tenantId"))
	if err != nil {
		respondError(w, http.StatusNotFound, "tenant not found", err)
		return nil, false
	}
	return tenant, true
}

func readDefinition(w http.ResponseWriter, r *http.Request) (*rules.RuleGroupDefinition, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return nil, false
	}
	def, err := rules.ParseRuleGroupDefinition(body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid rule group", err)
		return nil, false
	}
	return def, true
}

// decodeJSON keeps numbers as json.Number so record values stay exact
func decodeJSON(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	return dec.Decode(v)
}

func respondRuleGroupError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, rules.ErrRuleDefinition):
		respondError(w, http.StatusBadRequest, "invalid rule group", err)
	case errors.Is(err, rules.ErrRuleGroupNotFound):
		respondError(w, http.StatusNotFound, "rule group not found", err)
	case errors.Is(err, rules.ErrRuleGroupExists):
		respondError(w, http.StatusConflict, "rule group already exists", err)
	default:
		respondError(w, http.StatusInternalServerError, "rule group operation failed", err)
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("failed to encode response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := ErrorResponse{Error: message}
	if err != nil {
		response.Details = err.Error()
		if status >= http.StatusInternalServerError {
			logger.Error(message, "error", err)
		}
	}
	respondJSON(w, status, response)
}
