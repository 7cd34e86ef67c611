package models_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/mmdatafocus/recoveries_backend/config"
	"github.com/mmdatafocus/recoveries_backend/models"
	"github.com/mmdatafocus/recoveries_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// directory is an in-memory IdentityProvider keyed by email.
type directory map[string]models.Actor

func (d directory) GetByEmail(_ context.Context, email string) (*models.Actor, error) {
	a, ok := d[strings.ToLower(email)]
	if !ok {
		return nil, utils.ErrorUnauthorized
	}
	return &a, nil
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []models.AuditEvent
}

func (p *recordingPublisher) Publish(_ context.Context, msg any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg.(models.AuditEvent))
	return "msg", nil
}

func (p *recordingPublisher) events() []models.AuditEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.AuditEvent(nil), p.msgs...)
}

var (
	admin = models.Actor{
		Email: "ada.admin@corp.test", DisplayName: "Ada Admin",
		Roles: []string{models.RoleAdmin},
	}
	ictFinance = models.Actor{
		Email: "ivan.ict@corp.test", DisplayName: "Ivan Ict",
		Roles: []string{models.RoleIctFinance}, Department: "ICT",
	}
	northAgent = models.Actor{
		Email: "nina.north@corp.test", DisplayName: "Nina North",
		Roles: []string{models.RoleBranchAgent}, Branch: "North",
	}
	deptFinance = models.Actor{
		Email: "fred.finance@corp.test", DisplayName: "Fred Finance",
		Roles: []string{models.RoleDeptFinance}, Department: "Finance",
	}
	tech = models.Actor{
		Email: "tom.tech@corp.test", DisplayName: "Tom Tech",
		Roles: []string{models.RoleTech},
	}
	// no elevated role: scoped by the name derived from jane.doe@...
	claimant = models.Actor{
		Email: "jane.doe@corp.test", DisplayName: "jane.doe@corp.test",
	}
)

func testDirectory() directory {
	d := directory{}
	for _, a := range []models.Actor{admin, ictFinance, northAgent, deptFinance, tech, claimant} {
		d[strings.ToLower(a.Email)] = a
	}
	return d
}

type fixture struct {
	db        *gorm.DB
	publisher *recordingPublisher
	recovery  *models.RecoveryManager
	journal   *models.JournalManager
	failItems *atomic.Bool
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "recoveries.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// one writer at a time; the managers never query outside an open transaction
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, models.MigrateTable(db))
	require.NoError(t, models.InstallGuards(db))
	return db
}

func newFixture(t *testing.T, flags config.FeatureFlags) *fixture {
	t.Helper()
	db := newTestDB(t)

	failItems := &atomic.Bool{}
	require.NoError(t, db.Callback().Create().Before("gorm:create").Register("test:fail_recovery_items", func(tx *gorm.DB) {
		if failItems.Load() && tx.Statement.Table == "RecoveryItem" {
			tx.AddError(errors.New("injected item insert failure"))
		}
	}))

	publisher := &recordingPublisher{}
	identity := testDirectory()
	docs := models.NewDocumentStore(nil, flags)
	return &fixture{
		db:        db,
		publisher: publisher,
		recovery:  models.NewRecoveryManager(db, identity, docs, publisher, nil, flags),
		journal:   models.NewJournalManager(db, identity, docs, nil, publisher, nil, flags),
		failItems: failItems,
	}
}

func (f *fixture) seedRecovery(t *testing.T, rec models.Recovery) models.Recovery {
	t.Helper()
	if rec.Status == "" {
		rec.Status = models.RecoveryStatusDraft
	}
	require.NoError(t, f.db.Create(&rec).Error)
	return rec
}

func (f *fixture) seedJournal(t *testing.T, j models.JournalVoucher) models.JournalVoucher {
	t.Helper()
	require.NoError(t, f.db.Create(&j).Error)
	return j
}

func (f *fixture) recoveryAudits(t *testing.T, recoveryID int) []string {
	t.Helper()
	var audits []models.RecoveryAudit
	require.NoError(t, f.db.Where("recoveryID = ?", recoveryID).Order("auditID").Find(&audits).Error)
	out := make([]string, len(audits))
	for i, a := range audits {
		out[i] = a.Action
	}
	return out
}

func (f *fixture) journalAudits(t *testing.T, journalID int) []string {
	t.Helper()
	var audits []models.JournalAudit
	require.NoError(t, f.db.Where("journalID = ?", journalID).Order("auditID").Find(&audits).Error)
	out := make([]string, len(audits))
	for i, a := range audits {
		out[i] = a.Action
	}
	return out
}

func (f *fixture) items(t *testing.T, recoveryID int) []models.RecoveryItem {
	t.Helper()
	var items []models.RecoveryItem
	require.NoError(t, f.db.Where("recoveryID = ?", recoveryID).Order("itemID").Find(&items).Error)
	return items
}

func (f *fixture) reload(t *testing.T, recoveryID int) models.Recovery {
	t.Helper()
	var rec models.Recovery
	require.NoError(t, f.db.Where("recoveryID = ?", recoveryID).First(&rec).Error)
	return rec
}

func qty(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func qtyPtr(v int64) *decimal.Decimal {
	d := decimal.NewFromInt(v)
	return &d
}

func intPtr(v int) *int { return &v }

func recoveryIDs(views []models.RecoveryView) []int {
	ids := make([]int, len(views))
	for i, v := range views {
		ids[i] = v.RecoveryID
	}
	return ids
}
