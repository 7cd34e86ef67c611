package models

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mmdatafocus/recoveries_backend/config"
	"github.com/mmdatafocus/recoveries_backend/metrics"
	"github.com/mmdatafocus/recoveries_backend/utils"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

type Recovery struct {
	RecoveryID int            `gorm:"column:recoveryID;primaryKey;autoIncrement" json:"recoveryID"`
	Status     RecoveryStatus `gorm:"column:status;size:50;not null" json:"status"`
	Branch     string         `gorm:"column:branch;size:100" json:"branch"`
	Department string         `gorm:"column:department;size:100" json:"department"`
	FirstName  string         `gorm:"column:firstName;size:100" json:"firstName"`
	LastName   string         `gorm:"column:lastName;size:100" json:"lastName"`
	Email      string         `gorm:"column:email;size:191" json:"email"`
	Notes      string         `gorm:"column:notes;type:text" json:"notes"`
	// only the journal manager writes journalID
	JournalID  *int      `gorm:"column:journalID;index" json:"journalID"`
	CreateUser string    `gorm:"column:createUser;size:191" json:"createUser"`
	ModUser    string    `gorm:"column:modUser;size:191" json:"modUser"`
	CreateDate time.Time `gorm:"column:createDate;autoCreateTime" json:"createDate"`
	ModDate    time.Time `gorm:"column:modDate;autoUpdateTime" json:"modDate"`
}

func (Recovery) TableName() string { return "Recovery" }

func (r Recovery) scopeFields() (string, string, string, string) {
	return r.Branch, r.Department, r.FirstName, r.LastName
}

type RecoveryItem struct {
	ItemID      int             `gorm:"column:itemID;primaryKey;autoIncrement" json:"itemID"`
	RecoveryID  int             `gorm:"column:recoveryID;not null;index" json:"recoveryID"`
	ItemCatID   int             `gorm:"column:itemCatID" json:"itemCatID"`
	Description string          `gorm:"column:description;size:255" json:"description"`
	Quantity    decimal.Decimal `gorm:"column:quantity;type:decimal(20,4);not null;default:0" json:"quantity"`
	UnitPrice   decimal.Decimal `gorm:"column:unitPrice;type:decimal(20,4);not null;default:0" json:"unitPrice"`
}

func (RecoveryItem) TableName() string { return "RecoveryItem" }

// ItemState carries the client's per-field error flags.
type ItemState struct {
	ItemCategoryErr bool `json:"itemCategoryErr"`
	DescriptionErr  bool `json:"descriptionErr"`
	QuantityErr     bool `json:"quantityErr"`
	UnitPriceErr    bool `json:"unitPriceErr"`
	ClientChangeErr bool `json:"clientChangeErr"`
}

type NewRecoveryItem struct {
	ItemID      int             `json:"itemID"`
	ItemCatID   int             `json:"itemCatID"`
	Description string          `json:"description" validate:"max=255"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`

	// client-only, never persisted
	Category         string           `json:"category"`
	OriginalQuantity *decimal.Decimal `json:"originalQuantity"`
	RevisedCost      *decimal.Decimal `json:"revisedCost"`
	TmpId            int              `json:"tmpId"`
	State            *ItemState       `json:"state"`
}

// toRecoveryItem keeps the persisted fields only. A non-positive itemID
// means the store assigns one.
func (input NewRecoveryItem) toRecoveryItem(recoveryID int) RecoveryItem {
	itemID := input.ItemID
	if itemID < 0 {
		itemID = 0
	}
	return RecoveryItem{
		ItemID:      itemID,
		RecoveryID:  recoveryID,
		ItemCatID:   input.ItemCatID,
		Description: input.Description,
		Quantity:    input.Quantity,
		UnitPrice:   input.UnitPrice,
	}
}

func (input NewRecoveryItem) quantityChanged() bool {
	return input.OriginalQuantity != nil && !input.OriginalQuantity.Equal(input.Quantity)
}

type NewRecovery struct {
	Status     RecoveryStatus `json:"status" validate:"required"`
	Branch     string         `json:"branch" validate:"max=100"`
	Department string         `json:"department" validate:"max=100"`
	FirstName  string         `json:"firstName" validate:"max=100"`
	LastName   string         `json:"lastName" validate:"max=100"`
	Email      string         `json:"email" validate:"omitempty,max=191"`
	Notes      string         `json:"notes"`
	// audit text for this write; defaults per operation
	Action        string            `json:"action"`
	RecoveryItems []NewRecoveryItem `json:"recoveryItems" validate:"dive"`
}

func (input *NewRecovery) fillable() map[string]interface{} {
	return map[string]interface{}{
		"status":     input.Status,
		"branch":     input.Branch,
		"department": input.Department,
		"firstName":  input.FirstName,
		"lastName":   input.LastName,
		"email":      input.Email,
		"notes":      input.Notes,
	}
}

func (input *NewRecovery) validate() error {
	if input == nil {
		return utils.NewValidationError("recovery payload is required")
	}
	if err := utils.ValidateStruct(input); err != nil {
		return err
	}
	if !input.Status.Valid() {
		return utils.NewValidationError("status is required")
	}
	return nil
}

type RecoveryItemView struct {
	RecoveryItem
	Category string     `json:"category"`
	TmpId    int        `json:"tmpId,omitempty"`
	State    *ItemState `json:"state,omitempty"`
}

type RecoveryView struct {
	Recovery
	RecoveryItems  []RecoveryItemView `json:"recoveryItems"`
	RecoveryAudits []RecoveryAudit    `json:"recoveryAudits,omitempty"`
	DocNames       []string           `json:"docName"`
	Journal        *JournalVoucher    `json:"journal"`
}

const (
	getFirstTmpId  = 2000
	listFirstTmpId = 1000
)

type RecoveryManager struct {
	db                 *gorm.DB
	identity           IdentityProvider
	docs               *DocumentStore
	publisher          AuditPublisher
	metrics            *metrics.Metrics
	applyDocumentScope bool
}

// NewRecoveryManager wires the manager. identity must resolve uncached;
// publisher and m may be nil.
func NewRecoveryManager(db *gorm.DB, identity IdentityProvider, docs *DocumentStore, publisher AuditPublisher, m *metrics.Metrics, flags config.FeatureFlags) *RecoveryManager {
	if docs == nil {
		docs = NewDocumentStore(nil, flags)
	}
	return &RecoveryManager{
		db:                 db,
		identity:           identity,
		docs:               docs,
		publisher:          publisher,
		metrics:            m,
		applyDocumentScope: flags.DocumentGetApplyScope,
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcomeOf(err))
	}
	span.End()
}

// Get returns the recovery if actor may see it. Out-of-scope and missing
// recoveries are both ErrorRecordNotFound.
func (m *RecoveryManager) Get(ctx context.Context, recoveryID int, actor Actor) (_ *RecoveryView, err error) {
	ctx, span := tracer.Start(ctx, "RecoveryManager.Get", trace.WithAttributes(attribute.Int("recovery.id", recoveryID)))
	start := time.Now()
	defer func() {
		observe(m.metrics, "recovery.get", start, err)
		endSpan(span, err)
	}()

	db := m.db.WithContext(ctx)
	var recs []Recovery
	if err := RecoveryScope(actor).Apply(db.Where("recoveryID = ?", recoveryID)).Find(&recs).Error; err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, utils.ErrorRecordNotFound
	}

	views, err := newRecoveryLoaders(db, m.docs).views(ctx, recs[:1], viewOptions{
		firstTmpId: getFirstTmpId,
		withAudits: true,
		withDocs:   true,
	})
	if err != nil {
		return nil, err
	}
	return &views[0], nil
}

// List returns every recovery visible to actor with items, audits,
// document names and parent journal.
func (m *RecoveryManager) List(ctx context.Context, actor Actor) (_ []RecoveryView, err error) {
	ctx, span := tracer.Start(ctx, "RecoveryManager.List")
	start := time.Now()
	defer func() {
		observe(m.metrics, "recovery.list", start, err)
		endSpan(span, err)
	}()

	db := m.db.WithContext(ctx)
	scope := RecoveryScope(actor)
	span.SetAttributes(attribute.String("scope.kind", scope.Kind.String()))

	var recs []Recovery
	if err := scope.Apply(db.Model(&Recovery{})).Order("recoveryID").Find(&recs).Error; err != nil {
		return nil, err
	}
	return newRecoveryLoaders(db, m.docs).views(ctx, recs, viewOptions{
		firstTmpId:  listFirstTmpId,
		withAudits:  true,
		withDocs:    true,
		withJournal: true,
	})
}

// Upsert creates (recoveryID <= 0) or updates a recovery and replaces its
// items wholesale. Parent, audit entries and items commit together.
func (m *RecoveryManager) Upsert(ctx context.Context, recoveryID int, requester Actor, input *NewRecovery) (_ int, err error) {
	ctx, span := tracer.Start(ctx, "RecoveryManager.Upsert", trace.WithAttributes(attribute.Int("recovery.id", recoveryID)))
	start := time.Now()
	defer func() {
		observe(m.metrics, "recovery.upsert", start, err)
		endSpan(span, err)
	}()

	actor, err := resolveActor(ctx, m.identity, requester)
	if err != nil {
		return 0, err
	}
	if err := input.validate(); err != nil {
		return 0, err
	}

	db := m.db.WithContext(ctx)
	if recoveryID > 0 {
		var visible []Recovery
		if err := RecoveryScope(*actor).Apply(db.Select("recoveryID").Where("recoveryID = ?", recoveryID)).Find(&visible).Error; err != nil {
			return 0, err
		}
		if len(visible) == 0 {
			return 0, utils.ErrorRecordNotFound
		}
	} else if !actor.HasRole(recoveryCreateRoles...) {
		return 0, utils.ErrorUnauthorized
	}

	trail := &auditTrail{}
	tx := db.Begin()
	if tx.Error != nil {
		return 0, txError(tx.Error)
	}
	id, err := m.upsertTx(tx, recoveryID, actor, input, trail)
	if err != nil {
		tx.Rollback()
		config.LogError(config.GetLogger(), "RecoveryManager", "Upsert", "rolled back", map[string]interface{}{"recoveryID": recoveryID}, err)
		return 0, txError(err)
	}
	if err := tx.Commit().Error; err != nil {
		return 0, txError(err)
	}

	trail.publish(ctx, m.publisher, m.metrics)
	return id, nil
}

func (m *RecoveryManager) upsertTx(tx *gorm.DB, recoveryID int, actor *Actor, input *NewRecovery, trail *auditTrail) (int, error) {
	action := strings.TrimSpace(input.Action)
	if recoveryID > 0 {
		fields := input.fillable()
		if !input.Status.FreezesModUser() {
			fields["modUser"] = actor.Email
		}
		if err := tx.Model(&Recovery{}).Where("recoveryID = ?", recoveryID).Updates(fields).Error; err != nil {
			return 0, err
		}
		if action == "" {
			action = "Updated Recovery"
		}
	} else {
		rec := Recovery{
			Status:     input.Status,
			Branch:     input.Branch,
			Department: input.Department,
			FirstName:  input.FirstName,
			LastName:   input.LastName,
			Email:      input.Email,
			Notes:      input.Notes,
			CreateUser: actor.Email,
			ModUser:    actor.Email,
		}
		if err := tx.Create(&rec).Error; err != nil {
			return 0, err
		}
		recoveryID = rec.RecoveryID
		if action == "" {
			action = "Created Recovery"
		}
	}

	user := actor.AuditName()
	if err := trail.addRecovery(tx, recoveryID, user, action); err != nil {
		return 0, err
	}

	if err := tx.Where("recoveryID = ?", recoveryID).Delete(&RecoveryItem{}).Error; err != nil {
		return 0, err
	}

	labels, err := m.missingCategoryLabels(tx, input.RecoveryItems)
	if err != nil {
		return 0, err
	}
	for _, newItem := range input.RecoveryItems {
		if newItem.quantityChanged() {
			category := newItem.Category
			if category == "" {
				category = labels[newItem.ItemCatID]
			}
			change := fmt.Sprintf("Changing Quantity of %s from %s to %s", category, newItem.OriginalQuantity.String(), newItem.Quantity.String())
			if err := trail.addRecovery(tx, recoveryID, user, change); err != nil {
				return 0, err
			}
		}

		item := newItem.toRecoveryItem(recoveryID)
		if item.ItemID > 0 {
			err = insertWithIdentity(tx, &item)
		} else {
			err = tx.Create(&item).Error
		}
		if err != nil {
			return 0, err
		}
	}
	return recoveryID, nil
}

// missingCategoryLabels looks up labels for quantity-change items that did
// not send one.
func (m *RecoveryManager) missingCategoryLabels(tx *gorm.DB, items []NewRecoveryItem) (map[int]string, error) {
	var ids []int
	for _, item := range items {
		if item.quantityChanged() && item.Category == "" {
			ids = append(ids, item.ItemCatID)
		}
	}
	return categoryLabels(tx, utils.UniqueInts(ids))
}

// insertWithIdentity inserts item keeping its caller-supplied itemID.
// SQL Server needs IDENTITY_INSERT switched on for the session.
func insertWithIdentity(tx *gorm.DB, item *RecoveryItem) error {
	if tx.Dialector.Name() != "sqlserver" {
		return tx.Create(item).Error
	}
	table := item.TableName()
	if err := tx.Exec("SET IDENTITY_INSERT " + table + " ON").Error; err != nil {
		return err
	}
	err := tx.Create(item).Error
	if offErr := tx.Exec("SET IDENTITY_INSERT " + table + " OFF").Error; err == nil {
		err = offErr
	}
	return err
}

// AddDocuments stores files under docNames (pairwise) and writes one audit
// entry listing them, all in one transaction.
func (m *RecoveryManager) AddDocuments(ctx context.Context, recoveryID int, requester Actor, files [][]byte, docNames []string) (err error) {
	ctx, span := tracer.Start(ctx, "RecoveryManager.AddDocuments", trace.WithAttributes(
		attribute.Int("recovery.id", recoveryID),
		attribute.Int("documents.count", len(docNames)),
	))
	start := time.Now()
	defer func() {
		observe(m.metrics, "recovery.add_documents", start, err)
		endSpan(span, err)
	}()

	actor, err := resolveActor(ctx, m.identity, requester)
	if err != nil {
		return err
	}
	if !actor.HasRole(documentUploadRoles...) {
		return utils.ErrorUnauthorized
	}
	if len(docNames) == 0 {
		return utils.NewValidationError("docNames is required")
	}
	if len(files) != len(docNames) {
		return utils.NewValidationError("got %d files for %d docNames", len(files), len(docNames))
	}
	for _, name := range docNames {
		if strings.TrimSpace(name) == "" {
			return utils.NewValidationError("docNames must not contain empty names")
		}
	}

	db := m.db.WithContext(ctx)
	var recs []Recovery
	if err := db.Select("recoveryID").Where("recoveryID = ?", recoveryID).Find(&recs).Error; err != nil {
		return err
	}
	if len(recs) == 0 {
		return utils.ErrorRecordNotFound
	}

	trail := &auditTrail{}
	tx := db.Begin()
	if tx.Error != nil {
		return txError(tx.Error)
	}
	for i, name := range docNames {
		if err := m.docs.Save(ctx, tx, recoveryID, name, files[i]); err != nil {
			tx.Rollback()
			return txError(err)
		}
	}
	action := "Added File(s): " + strings.Join(docNames, ", ")
	if err := trail.addRecovery(tx, recoveryID, actor.AuditName(), action); err != nil {
		tx.Rollback()
		return txError(err)
	}
	if err := tx.Commit().Error; err != nil {
		return txError(err)
	}

	trail.publish(ctx, m.publisher, m.metrics)
	return nil
}

// GetDocument returns the content of one document. The recovery scope is
// only applied when DOCUMENT_GET_APPLY_SCOPE is set.
func (m *RecoveryManager) GetDocument(ctx context.Context, recoveryID int, docName string, actor Actor) (_ []byte, err error) {
	ctx, span := tracer.Start(ctx, "RecoveryManager.GetDocument", trace.WithAttributes(attribute.Int("recovery.id", recoveryID)))
	start := time.Now()
	defer func() {
		observe(m.metrics, "recovery.get_document", start, err)
		endSpan(span, err)
	}()

	db := m.db.WithContext(ctx)
	if m.applyDocumentScope {
		var visible []Recovery
		if err := RecoveryScope(actor).Apply(db.Select("recoveryID").Where("recoveryID = ?", recoveryID)).Find(&visible).Error; err != nil {
			return nil, err
		}
		if len(visible) == 0 {
			return nil, utils.ErrorRecordNotFound
		}
	}
	return m.docs.Load(ctx, db, recoveryID, docName)
}
