package models

import (
	"context"
	"time"

	"github.com/mmdatafocus/recoveries_backend/config"
	"github.com/mmdatafocus/recoveries_backend/metrics"
	"gorm.io/gorm"
)

// RecoveryAudit and JournalAudit are append-only. The append-only guard
// plugin rejects updates and deletes against AuditTables.
type RecoveryAudit struct {
	AuditID    int       `gorm:"column:auditID;primaryKey;autoIncrement" json:"auditID"`
	Date       time.Time `gorm:"column:date;not null" json:"date"`
	RecoveryID int       `gorm:"column:recoveryID;not null;index" json:"recoveryID"`
	User       string    `gorm:"column:user;size:191" json:"user"`
	Action     string    `gorm:"column:action;type:text" json:"action"`
}

func (RecoveryAudit) TableName() string { return "RecoveryAudit" }

type JournalAudit struct {
	AuditID   int       `gorm:"column:auditID;primaryKey;autoIncrement" json:"auditID"`
	Date      time.Time `gorm:"column:date;not null" json:"date"`
	JournalID int       `gorm:"column:journalID;not null;index" json:"journalID"`
	User      string    `gorm:"column:user;size:191" json:"user"`
	Action    string    `gorm:"column:action;type:text" json:"action"`
}

func (JournalAudit) TableName() string { return "JournalAudit" }

var AuditTables = []string{"RecoveryAudit", "JournalAudit"}

const (
	AuditKindRecovery = "recovery"
	AuditKindJournal  = "journal"
)

// AuditEvent is the message published for every committed audit entry.
type AuditEvent struct {
	Kind     string    `json:"kind"`
	ParentID int       `json:"parentId"`
	User     string    `json:"user"`
	Action   string    `json:"action"`
	Date     time.Time `json:"date"`
}

// AuditPublisher delivers audit events to downstream consumers.
type AuditPublisher interface {
	Publish(ctx context.Context, msg any) (string, error)
}

// auditTrail collects the entries written inside one transaction so they can
// be published once it commits.
type auditTrail struct {
	events []AuditEvent
}

func (a *auditTrail) addRecovery(tx *gorm.DB, recoveryID int, user, action string) error {
	audit := RecoveryAudit{
		Date:       time.Now(),
		RecoveryID: recoveryID,
		User:       user,
		Action:     action,
	}
	if err := tx.Create(&audit).Error; err != nil {
		return err
	}
	a.events = append(a.events, AuditEvent{
		Kind:     AuditKindRecovery,
		ParentID: recoveryID,
		User:     user,
		Action:   action,
		Date:     audit.Date,
	})
	return nil
}

func (a *auditTrail) addJournal(tx *gorm.DB, journalID int, user, action string) error {
	audit := JournalAudit{
		Date:      time.Now(),
		JournalID: journalID,
		User:      user,
		Action:    action,
	}
	if err := tx.Create(&audit).Error; err != nil {
		return err
	}
	a.events = append(a.events, AuditEvent{
		Kind:     AuditKindJournal,
		ParentID: journalID,
		User:     user,
		Action:   action,
		Date:     audit.Date,
	})
	return nil
}

// publish runs after commit. Failures are logged and counted; the entries
// themselves are already durable.
func (a *auditTrail) publish(ctx context.Context, publisher AuditPublisher, m *metrics.Metrics) {
	counts := map[string]int{}
	for _, e := range a.events {
		counts[e.Kind]++
	}
	for kind, n := range counts {
		m.AddAuditEntries(kind, n)
	}
	if publisher == nil {
		return
	}
	for _, e := range a.events {
		if _, err := publisher.Publish(ctx, e); err != nil {
			m.IncrementAuditPublishFailure()
			config.LogError(config.GetLogger(), "Audit", "publish", "publishing audit event", e, err)
		}
	}
}

func recoveryAudits(db *gorm.DB, recoveryIDs []int) (map[int][]RecoveryAudit, error) {
	out := make(map[int][]RecoveryAudit, len(recoveryIDs))
	if len(recoveryIDs) == 0 {
		return out, nil
	}
	var audits []RecoveryAudit
	if err := db.Where("recoveryID IN ?", recoveryIDs).Order("auditID").Find(&audits).Error; err != nil {
		return nil, err
	}
	for _, a := range audits {
		out[a.RecoveryID] = append(out[a.RecoveryID], a)
	}
	return out, nil
}

func journalAudits(db *gorm.DB, journalIDs []int) (map[int][]JournalAudit, error) {
	out := make(map[int][]JournalAudit, len(journalIDs))
	if len(journalIDs) == 0 {
		return out, nil
	}
	var audits []JournalAudit
	if err := db.Where("journalID IN ?", journalIDs).Order("auditID").Find(&audits).Error; err != nil {
		return nil, err
	}
	for _, a := range audits {
		out[a.JournalID] = append(out[a.JournalID], a)
	}
	return out, nil
}
