//go:build integration

package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/liamcoop/billingrules/multitenantengine"
	"github.com/liamcoop/billingrules/rules"
)

// setupTestDB creates a PostgreSQL testcontainer and runs migrations
func setupTestDB(t *testing.T) (*sql.DB, string) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_PASSWORD": "password",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	postgres, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() { postgres.Terminate(ctx) })

	host, err := postgres.Host(ctx)
	require.NoError(t, err)
	port, err := postgres.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://postgres:password@%s:%s/testdb?sslmode=disable", host, port.Port())
	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	for i := 0; i < 30; i++ {
		if err := db.Ping(); err == nil {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	migrationSQL, err := os.ReadFile("../../migrations/000001_initial_schema.up.sql")
	require.NoError(t, err)
	_, err = db.Exec(string(migrationSQL))
	require.NoError(t, err, "failed to run migrations")

	return db, dsn
}

func TestEndToEnd_CreateTenantAndEvaluate(t *testing.T) {
	db, _ := setupTestDB(t)
	s := NewServer(db, multitenantengine.NewManager(db))

	rec := doRequest(t, s, http.MethodPost, "/api/v1/tenants", CreateTenantRequest{
		Name:   "Acme",
		Schema: multitenantengine.Schema{"quantity": "integer", "region": "text"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	tenant := decodeBody[TenantResponse](t, rec)
	assert.Equal(t, 1, tenant.SchemaVersion)

	base := "/api/v1/tenants/" + tenant.ID + "/rule-groups"
	rec = doRequest(t, s, http.MethodPost, base, pickFees)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doRequest(t, s, http.MethodPost, "/api/v1/evaluate", map[string]any{
		"tenantId":    tenant.ID,
		"ruleGroupId": "pick-fees",
		"record":      map[string]any{"quantity": "10", "region": "EU"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeBody[EvaluateResponse](t, rec)
	assert.Equal(t, "25.00", *resp.Results[0].Charge)
	assert.Equal(t, "26.00", resp.Total)

	rec = doRequest(t, s, http.MethodPost, "/api/v1/tenants/"+tenant.ID+"/schema", CreateSchemaRequest{
		Definition: multitenantengine.Schema{"quantity": "decimal"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 2, decodeBody[SchemaResponse](t, rec).Version)

	rec = doRequest(t, s, http.MethodGet, "/api/v1/tenants/"+tenant.ID+"/schema", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decodeBody[SchemaResponse](t, rec).Version)

	// A fresh manager sees everything persisted so far
	reloaded := multitenantengine.NewManager(db)
	require.NoError(t, reloaded.LoadAllTenants(context.Background()))
	reloadedTenant, err := reloaded.GetTenant(tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, reloadedTenant.SchemaVersion)

	defs, err := reloadedTenant.Engine.ListRuleGroups(context.Background())
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, 1, defs[0].Version)
}

func TestEndToEnd_InvalidationAcrossInstances(t *testing.T) {
	db, dsn := setupTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	writer := NewServer(db, multitenantengine.NewManager(db))
	rec := doRequest(t, writer, http.MethodPost, "/api/v1/tenants", CreateTenantRequest{
		Name:   "Acme",
		Schema: multitenantengine.Schema{"quantity": "integer"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	tenantID := decodeBody[TenantResponse](t, rec).ID

	base := "/api/v1/tenants/" + tenantID + "/rule-groups"
	rec = doRequest(t, writer, http.MethodPost, base, pickFees)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// A second instance with its own cache, kept fresh by NOTIFY
	readerManager := multitenantengine.NewManager(db)
	require.NoError(t, readerManager.LoadAllTenants(ctx))
	listener, err := rules.NewListener(dsn, rules.DefaultNotifyChannel, readerManager)
	require.NoError(t, err)
	defer listener.Close()
	go listener.Run(ctx)
	reader := NewServer(db, readerManager)

	charge := func() string {
		rec := doRequest(t, reader, http.MethodPost, "/api/v1/evaluate", map[string]any{
			"tenantId":    tenantID,
			"ruleGroupId": "pick-fees",
			"record":      map[string]any{"quantity": 10},
		})
		if rec.Code != http.StatusOK {
			return rec.Body.String()
		}
		resp := decodeBody[EvaluateResponse](t, rec)
		if len(resp.Results) == 0 || resp.Results[0].Charge == nil {
			return ""
		}
		return *resp.Results[0].Charge
	}
	require.Equal(t, "25.00", charge())

	updated := strings.Replace(pickFees, `"2.50"`, `"3.00"`, 1)
	rec = doRequest(t, writer, http.MethodPut, base+"/pick-fees", updated)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Eventually(t, func() bool { return charge() == "30.00" }, 5*time.Second, 50*time.Millisecond)
}
