package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/mmdatafocus/recoveries_backend/config"
	"github.com/mmdatafocus/recoveries_backend/metrics"
	"github.com/mmdatafocus/recoveries_backend/utils"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// JournalVoucher groups recoveries for finance processing. Its members are
// the recoveries whose journalID points at it.
type JournalVoucher struct {
	JournalID      int             `gorm:"column:journalID;primaryKey;autoIncrement" json:"journalID"`
	Status         string          `gorm:"column:status;size:50" json:"status"`
	JvAmount       decimal.Decimal `gorm:"column:jvAmount;type:decimal(20,4);not null;default:0" json:"jvAmount"`
	Department     string          `gorm:"column:department;size:100" json:"department"`
	Reference      string          `gorm:"column:reference;size:255" json:"reference"`
	SubmissionDate *time.Time      `gorm:"column:submissionDate" json:"submissionDate"`
}

func (JournalVoucher) TableName() string { return "JournalVoucher" }

func (j JournalVoucher) scopeFields() (string, string, string, string) {
	return "", j.Department, "", ""
}

type NewJournal struct {
	Status     string          `json:"status" validate:"required,max=50"`
	JvAmount   decimal.Decimal `json:"jvAmount"`
	Department string          `json:"department" validate:"max=100"`
	Reference  string          `json:"reference" validate:"max=255"`
	// nil leaves membership alone; empty clears it
	RecoveryIDs *[]int `json:"recoveryIDs"`
}

func (input *NewJournal) fillable() map[string]interface{} {
	return map[string]interface{}{
		"status":     input.Status,
		"jvAmount":   input.JvAmount,
		"department": input.Department,
		"reference":  input.Reference,
	}
}

type JournalView struct {
	JournalVoucher
	Recoveries    []RecoveryView `json:"recoveries"`
	JournalAudits []JournalAudit `json:"journalAudits"`
}

const (
	journalLockTTL  = 30 * time.Second
	journalLockWait = 2 * time.Second
)

type JournalManager struct {
	db             *gorm.DB
	identity       IdentityProvider
	docs           *DocumentStore
	locks          *config.RedisStore
	publisher      AuditPublisher
	metrics        *metrics.Metrics
	applyGetScope  bool
	keepReferences bool
}

// NewJournalManager wires the manager. locks, publisher and m may be nil.
func NewJournalManager(db *gorm.DB, identity IdentityProvider, docs *DocumentStore, locks *config.RedisStore, publisher AuditPublisher, m *metrics.Metrics, flags config.FeatureFlags) *JournalManager {
	if docs == nil {
		docs = NewDocumentStore(nil, flags)
	}
	return &JournalManager{
		db:             db,
		identity:       identity,
		docs:           docs,
		locks:          locks,
		publisher:      publisher,
		metrics:        m,
		applyGetScope:  flags.JournalGetApplyScope,
		keepReferences: flags.JournalDeleteKeepReferences,
	}
}

// Get returns the journal with full detail of its recoveries. The journal
// scope is only applied when JOURNAL_GET_APPLY_SCOPE is set.
func (m *JournalManager) Get(ctx context.Context, journalID int, actor Actor) (_ *JournalView, err error) {
	ctx, span := tracer.Start(ctx, "JournalManager.Get", trace.WithAttributes(attribute.Int("journal.id", journalID)))
	start := time.Now()
	defer func() {
		observe(m.metrics, "journal.get", start, err)
		endSpan(span, err)
	}()

	if !actor.HasRole(journalReadRoles...) {
		return nil, utils.ErrorUnauthorized
	}
	db := m.db.WithContext(ctx)
	journal, err := findJournal(db, journalID)
	if err != nil {
		return nil, err
	}
	if m.applyGetScope && !JournalScope(actor).Matches(*journal) {
		return nil, utils.ErrorRecordNotFound
	}

	var recs []Recovery
	if err := db.Where("journalID = ?", journalID).Order("recoveryID").Find(&recs).Error; err != nil {
		return nil, err
	}
	recoveries, err := newRecoveryLoaders(db, m.docs).views(ctx, recs, viewOptions{withAudits: true, withDocs: true})
	if err != nil {
		return nil, err
	}
	audits, err := journalAudits(db, []int{journalID})
	if err != nil {
		return nil, err
	}
	return &JournalView{
		JournalVoucher: *journal,
		Recoveries:     recoveries,
		JournalAudits:  orEmpty(audits[journalID]),
	}, nil
}

// List returns the journals visible to actor, each with its recoveries'
// items and its own audit history.
func (m *JournalManager) List(ctx context.Context, actor Actor) (_ []JournalView, err error) {
	ctx, span := tracer.Start(ctx, "JournalManager.List")
	start := time.Now()
	defer func() {
		observe(m.metrics, "journal.list", start, err)
		endSpan(span, err)
	}()

	if !actor.HasRole(journalReadRoles...) {
		return nil, utils.ErrorUnauthorized
	}
	db := m.db.WithContext(ctx)
	var journals []JournalVoucher
	if err := JournalScope(actor).Apply(db.Model(&JournalVoucher{})).Order("journalID").Find(&journals).Error; err != nil {
		return nil, err
	}
	out := make([]JournalView, len(journals))
	if len(journals) == 0 {
		return out, nil
	}

	ids := make([]int, len(journals))
	for i, j := range journals {
		ids[i] = j.JournalID
	}
	var recs []Recovery
	if err := db.Where("journalID IN ?", ids).Order("recoveryID").Find(&recs).Error; err != nil {
		return nil, err
	}
	views, err := newRecoveryLoaders(db, m.docs).views(ctx, recs, viewOptions{})
	if err != nil {
		return nil, err
	}
	members := make(map[int][]RecoveryView, len(journals))
	for _, v := range views {
		members[*v.JournalID] = append(members[*v.JournalID], v)
	}
	audits, err := journalAudits(db, ids)
	if err != nil {
		return nil, err
	}
	for i, j := range journals {
		recoveries := members[j.JournalID]
		if recoveries == nil {
			recoveries = []RecoveryView{}
		}
		out[i] = JournalView{JournalVoucher: j, Recoveries: recoveries, JournalAudits: orEmpty(audits[j.JournalID])}
	}
	return out, nil
}

// Upsert creates (journalID <= 0) or updates a journal, reassigns its
// members when input.RecoveryIDs is set and records the resulting status.
func (m *JournalManager) Upsert(ctx context.Context, journalID int, requester Actor, input *NewJournal) (_ int, err error) {
	ctx, span := tracer.Start(ctx, "JournalManager.Upsert", trace.WithAttributes(attribute.Int("journal.id", journalID)))
	start := time.Now()
	defer func() {
		observe(m.metrics, "journal.upsert", start, err)
		endSpan(span, err)
	}()

	actor, err := resolveActor(ctx, m.identity, requester)
	if err != nil {
		return 0, err
	}
	if !actor.HasRole(journalMutationRoles...) {
		return 0, utils.ErrorUnauthorized
	}
	if input == nil {
		return 0, utils.NewValidationError("journal payload is required")
	}
	if err := utils.ValidateStruct(input); err != nil {
		return 0, err
	}

	if journalID > 0 {
		unlock, err := m.lock(ctx, journalID)
		if err != nil {
			return 0, err
		}
		defer unlock()
	}

	trail := &auditTrail{}
	tx := m.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return 0, txError(tx.Error)
	}
	id, err := m.upsertTx(tx, journalID, actor, input, trail)
	if err != nil {
		tx.Rollback()
		config.LogError(config.GetLogger(), "JournalManager", "Upsert", "rolled back", map[string]interface{}{"journalID": journalID}, err)
		return 0, txError(err)
	}
	if err := tx.Commit().Error; err != nil {
		return 0, txError(err)
	}

	trail.publish(ctx, m.publisher, m.metrics)
	return id, nil
}

func (m *JournalManager) upsertTx(tx *gorm.DB, journalID int, actor *Actor, input *NewJournal, trail *auditTrail) (int, error) {
	if journalID > 0 {
		if _, err := findJournal(tx, journalID); err != nil {
			return 0, err
		}
		if err := tx.Model(&JournalVoucher{}).Where("journalID = ?", journalID).Updates(input.fillable()).Error; err != nil {
			return 0, err
		}
	} else {
		now := time.Now()
		journal := JournalVoucher{
			Status:         input.Status,
			JvAmount:       input.JvAmount,
			Department:     input.Department,
			Reference:      input.Reference,
			SubmissionDate: &now,
		}
		if err := tx.Create(&journal).Error; err != nil {
			return 0, err
		}
		journalID = journal.JournalID
	}

	user := actor.AuditName()
	if input.RecoveryIDs != nil {
		if err := reassignRecoveries(tx, journalID, *input.RecoveryIDs, user, trail); err != nil {
			return 0, err
		}
	}
	if err := trail.addJournal(tx, journalID, user, input.Status); err != nil {
		return 0, err
	}
	return journalID, nil
}

// Delete removes the journal. Its members are detached in the same
// transaction unless JOURNAL_DELETE_KEEP_REFERENCES is set.
func (m *JournalManager) Delete(ctx context.Context, journalID int, requester Actor) (err error) {
	ctx, span := tracer.Start(ctx, "JournalManager.Delete", trace.WithAttributes(attribute.Int("journal.id", journalID)))
	start := time.Now()
	defer func() {
		observe(m.metrics, "journal.delete", start, err)
		endSpan(span, err)
	}()

	actor, err := resolveActor(ctx, m.identity, requester)
	if err != nil {
		return err
	}
	if !actor.HasRole(journalMutationRoles...) {
		return utils.ErrorUnauthorized
	}
	unlock, err := m.lock(ctx, journalID)
	if err != nil {
		return err
	}
	defer unlock()

	trail := &auditTrail{}
	tx := m.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return txError(tx.Error)
	}
	if err := m.deleteTx(tx, journalID, actor.AuditName(), trail); err != nil {
		tx.Rollback()
		return txError(err)
	}
	if err := tx.Commit().Error; err != nil {
		return txError(err)
	}

	trail.publish(ctx, m.publisher, m.metrics)
	return nil
}

func (m *JournalManager) deleteTx(tx *gorm.DB, journalID int, user string, trail *auditTrail) error {
	if _, err := findJournal(tx, journalID); err != nil {
		return err
	}
	if !m.keepReferences {
		if err := detachRecoveries(tx, journalID, nil, user, trail); err != nil {
			return err
		}
	}
	if err := trail.addJournal(tx, journalID, user, "Deleted Journal"); err != nil {
		return err
	}
	return tx.Where("journalID = ?", journalID).Delete(&JournalVoucher{}).Error
}

// UpdateRecoverables reassigns members and sets jvAmount. An empty id list
// writes nothing.
func (m *JournalManager) UpdateRecoverables(ctx context.Context, journalID int, requester Actor, recoveryIDs []int, jvAmount decimal.Decimal) (err error) {
	ctx, span := tracer.Start(ctx, "JournalManager.UpdateRecoverables", trace.WithAttributes(
		attribute.Int("journal.id", journalID),
		attribute.Int("recoveries.count", len(recoveryIDs)),
	))
	start := time.Now()
	defer func() {
		observe(m.metrics, "journal.update_recoverables", start, err)
		endSpan(span, err)
	}()

	actor, err := resolveActor(ctx, m.identity, requester)
	if err != nil {
		return err
	}
	if !actor.HasRole(journalMutationRoles...) {
		return utils.ErrorUnauthorized
	}
	if len(recoveryIDs) == 0 {
		return nil
	}
	unlock, err := m.lock(ctx, journalID)
	if err != nil {
		return err
	}
	defer unlock()

	user := actor.AuditName()
	trail := &auditTrail{}
	tx := m.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return txError(tx.Error)
	}
	err = func() error {
		if _, err := findJournal(tx, journalID); err != nil {
			return err
		}
		if err := reassignRecoveries(tx, journalID, recoveryIDs, user, trail); err != nil {
			return err
		}
		if err := tx.Model(&JournalVoucher{}).Where("journalID = ?", journalID).Update("jvAmount", jvAmount).Error; err != nil {
			return err
		}
		return trail.addJournal(tx, journalID, user, "Modified Recoverables")
	}()
	if err != nil {
		tx.Rollback()
		return txError(err)
	}
	if err := tx.Commit().Error; err != nil {
		return txError(err)
	}

	trail.publish(ctx, m.publisher, m.metrics)
	return nil
}

// JournalLockKey is the redis key serialising membership writes on journalID.
func JournalLockKey(journalID int) string {
	return fmt.Sprintf("lock:journal:%d", journalID)
}

// lock waits up to journalLockWait for the membership lock of journalID and
// returns its release. A lock still held after that is ErrorConflict. When
// redis is not configured or fails, the operation proceeds on the
// transaction alone.
func (m *JournalManager) lock(ctx context.Context, journalID int) (func(), error) {
	key := JournalLockKey(journalID)
	lock, err := m.locks.Lock(ctx, key, journalLockTTL, journalLockWait)
	if errors.Is(err, config.ErrLockBusy) {
		return nil, utils.ErrorConflict
	}
	if err != nil {
		config.LogError(config.GetLogger(), "JournalManager", "lock", "obtaining lock", key, err)
	}
	if lock == nil {
		return func() {}, nil
	}
	return func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			config.LogError(config.GetLogger(), "JournalManager", "lock", "releasing lock", key, err)
		}
	}, nil
}

func findJournal(db *gorm.DB, journalID int) (*JournalVoucher, error) {
	var journals []JournalVoucher
	if err := db.Where("journalID = ?", journalID).Find(&journals).Error; err != nil {
		return nil, err
	}
	if len(journals) == 0 {
		return nil, utils.ErrorRecordNotFound
	}
	return &journals[0], nil
}

// reassignRecoveries makes recoveryIDs the exact member set of journalID.
// Only recoveries leaving or joining the set are written.
func reassignRecoveries(tx *gorm.DB, journalID int, recoveryIDs []int, user string, trail *auditTrail) error {
	ids := utils.UniqueInts(recoveryIDs)

	var targets []Recovery
	if len(ids) > 0 {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Select("recoveryID", "journalID").Where("recoveryID IN ?", ids).Order("recoveryID").Find(&targets).Error; err != nil {
			return err
		}
		if len(targets) != len(ids) {
			found := make(map[int]bool, len(targets))
			for _, r := range targets {
				found[r.RecoveryID] = true
			}
			var missing []int
			for _, id := range ids {
				if !found[id] {
					missing = append(missing, id)
				}
			}
			return utils.NewValidationError("unknown recovery ids %v", missing)
		}
	}

	if err := detachRecoveries(tx, journalID, ids, user, trail); err != nil {
		return err
	}

	for _, r := range targets {
		if r.JournalID != nil && *r.JournalID == journalID {
			continue
		}
		res := tx.Model(&Recovery{}).
			Where("recoveryID = ? AND (journalID IS NULL OR journalID <> ?)", r.RecoveryID, journalID).
			Update("journalID", journalID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			continue
		}
		if err := trail.addRecovery(tx, r.RecoveryID, user, fmt.Sprintf("Added to Journal %d", journalID)); err != nil {
			return err
		}
	}
	return nil
}

// detachRecoveries clears journalID on the members of journalID that are
// not in keep. A recovery that moved to another journal meanwhile is left
// alone.
func detachRecoveries(tx *gorm.DB, journalID int, keep []int, user string, trail *auditTrail) error {
	query := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Select("recoveryID").Where("journalID = ?", journalID)
	if len(keep) > 0 {
		query = query.Where("recoveryID NOT IN ?", keep)
	}
	var leaving []Recovery
	if err := query.Order("recoveryID").Find(&leaving).Error; err != nil {
		return err
	}
	for _, r := range leaving {
		res := tx.Model(&Recovery{}).
			Where("recoveryID = ? AND journalID = ?", r.RecoveryID, journalID).
			Update("journalID", nil)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			continue
		}
		if err := trail.addRecovery(tx, r.RecoveryID, user, fmt.Sprintf("Removed from Journal %d", journalID)); err != nil {
			return err
		}
	}
	return nil
}

// FindOrphanedRecoveries returns recoveries whose journalID points at a
// journal that no longer exists.
func FindOrphanedRecoveries(ctx context.Context, db *gorm.DB) ([]Recovery, error) {
	var recs []Recovery
	err := db.WithContext(ctx).
		Where("journalID IS NOT NULL AND journalID NOT IN (?)", db.Model(&JournalVoucher{}).Select("journalID")).
		Order("recoveryID").
		Find(&recs).Error
	return recs, err
}

// ClearOrphanedRecoveries detaches every orphaned recovery with an audit
// entry each and returns how many were detached.
func ClearOrphanedRecoveries(ctx context.Context, db *gorm.DB, user string) (int, error) {
	trail := &auditTrail{}
	var cleared int
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		orphans, err := FindOrphanedRecoveries(ctx, tx)
		if err != nil {
			return err
		}
		for _, rec := range orphans {
			if err := tx.Model(&Recovery{}).Where("recoveryID = ?", rec.RecoveryID).Update("journalID", nil).Error; err != nil {
				return err
			}
			action := fmt.Sprintf("Removed from Journal %d", *rec.JournalID)
			if err := trail.addRecovery(tx, rec.RecoveryID, user, action); err != nil {
				return err
			}
		}
		cleared = len(orphans)
		return nil
	})
	if err != nil {
		return 0, txError(err)
	}
	return cleared, nil
}
