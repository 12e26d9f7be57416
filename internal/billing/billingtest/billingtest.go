// Package billingtest provides an in-memory database with the billing schema
// and seed helpers for package tests.
package billingtest

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	orgdomain "github.com/smallbiznis/radbridge/internal/organization/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var dbSeq atomic.Int64

var schema = []string{
	`CREATE TABLE organizations (
		id BIGINT PRIMARY KEY,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		subscription_tier TEXT,
		credit_balance BIGINT NOT NULL DEFAULT 0 CHECK (credit_balance >= 0),
		billing_reference TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_organizations_billing_reference ON organizations(billing_reference)`,
	`CREATE TABLE organization_relationships (
		id BIGINT PRIMARY KEY,
		org_a_id BIGINT NOT NULL,
		org_b_id BIGINT NOT NULL,
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE purgatory_events (
		id BIGINT PRIMARY KEY,
		organization_id BIGINT NOT NULL,
		reason TEXT NOT NULL,
		triggered_by TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		resolved_at DATETIME
	)`,
	`CREATE TABLE billing_events (
		id BIGINT PRIMARY KEY,
		organization_id BIGINT,
		stripe_event_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		amount BIGINT NOT NULL DEFAULT 0,
		currency TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		payload TEXT,
		created_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_billing_events_stripe_event_id ON billing_events(stripe_event_id)`,
	`CREATE TABLE users (
		id BIGINT PRIMARY KEY,
		organization_id BIGINT NOT NULL,
		email TEXT NOT NULL,
		first_name TEXT NOT NULL DEFAULT '',
		last_name TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL
	)`,
	`CREATE TABLE audit_logs (
		id BIGINT PRIMARY KEY,
		org_id BIGINT,
		actor_type TEXT NOT NULL,
		actor_id TEXT,
		action TEXT NOT NULL,
		target_type TEXT NOT NULL,
		target_id TEXT,
		metadata TEXT,
		created_at DATETIME NOT NULL
	)`,
}

// NewDB opens a private in-memory database with the billing schema applied.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Discard,
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("apply schema: %v", err)
		}
	}
	return db
}

// NewNode returns a snowflake generator for test ids.
func NewNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	return node
}

type OrgSeed struct {
	Type             orgdomain.Type
	Status           orgdomain.Status
	Tier             string
	CreditBalance    int64
	BillingReference string
}

func SeedOrganization(t *testing.T, db *gorm.DB, node *snowflake.Node, seed OrgSeed) snowflake.ID {
	t.Helper()
	id := node.Generate()
	now := time.Now().UTC()

	var tier, ref any
	if seed.Tier != "" {
		tier = seed.Tier
	}
	if seed.BillingReference != "" {
		ref = seed.BillingReference
	}
	status := seed.Status
	if status == "" {
		status = orgdomain.StatusActive
	}
	typ := seed.Type
	if typ == "" {
		typ = orgdomain.TypeReferringPractice
	}

	if err := db.Exec(
		`INSERT INTO organizations (id, name, type, status, subscription_tier, credit_balance, billing_reference, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, "org-"+id.String(), typ, status, tier, seed.CreditBalance, ref, now, now,
	).Error; err != nil {
		t.Fatalf("seed organization: %v", err)
	}
	return id
}

func SeedRelationship(t *testing.T, db *gorm.DB, node *snowflake.Node, a, b snowflake.ID, status orgdomain.Status) snowflake.ID {
	t.Helper()
	id := node.Generate()
	now := time.Now().UTC()
	if err := db.Exec(
		`INSERT INTO organization_relationships (id, org_a_id, org_b_id, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, a, b, status, now, now,
	).Error; err != nil {
		t.Fatalf("seed relationship: %v", err)
	}
	return id
}

func SeedOpenPurgatoryEvent(t *testing.T, db *gorm.DB, node *snowflake.Node, orgID snowflake.ID, reason string) snowflake.ID {
	t.Helper()
	id := node.Generate()
	if err := db.Exec(
		`INSERT INTO purgatory_events (id, organization_id, reason, triggered_by, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, orgID, reason, "seed", orgdomain.PurgatoryEventOpen, time.Now().UTC(),
	).Error; err != nil {
		t.Fatalf("seed purgatory event: %v", err)
	}
	return id
}

func SeedAdmin(t *testing.T, db *gorm.DB, node *snowflake.Node, orgID snowflake.ID, email, role string) snowflake.ID {
	t.Helper()
	id := node.Generate()
	if err := db.Exec(
		`INSERT INTO users (id, organization_id, email, first_name, last_name, role) VALUES (?, ?, ?, ?, ?, ?)`,
		id, orgID, email, "Ada", "Admin", role,
	).Error; err != nil {
		t.Fatalf("seed admin: %v", err)
	}
	return id
}

// Organization reloads an organization row.
func Organization(t *testing.T, db *gorm.DB, id snowflake.ID) orgdomain.Organization {
	t.Helper()
	var org orgdomain.Organization
	if err := db.Where("id = ?", id).Take(&org).Error; err != nil {
		t.Fatalf("load organization: %v", err)
	}
	return org
}

func RelationshipStatus(t *testing.T, db *gorm.DB, id snowflake.ID) orgdomain.Status {
	t.Helper()
	var status string
	if err := db.Raw(`SELECT status FROM organization_relationships WHERE id = ?`, id).Scan(&status).Error; err != nil {
		t.Fatalf("load relationship: %v", err)
	}
	return orgdomain.Status(status)
}

// Count returns the number of rows in table matching where.
func Count(t *testing.T, db *gorm.DB, table, where string, args ...any) int64 {
	t.Helper()
	query := "SELECT COUNT(1) FROM " + table
	if where != "" {
		query += " WHERE " + where
	}
	var count int64
	if err := db.Raw(query, args...).Scan(&count).Error; err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return count
}
