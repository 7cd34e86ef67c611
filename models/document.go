package models

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/recoveries_backend/config"
	"github.com/mmdatafocus/recoveries_backend/utils"
	"gorm.io/gorm"
)

// BackUpDoc is a document attached to a recovery. Content lives in Document,
// or in the blob store under ObjectKey when one is configured.
type BackUpDoc struct {
	DocumentID int       `gorm:"column:documentID;primaryKey;autoIncrement" json:"documentID"`
	RecoveryID int       `gorm:"column:recoveryID;not null;uniqueIndex:idx_backupdocs_recovery_doc" json:"recoveryID"`
	DocName    string    `gorm:"column:docName;size:191;not null;uniqueIndex:idx_backupdocs_recovery_doc" json:"docName"`
	Document   []byte    `gorm:"column:document;type:longblob" json:"-"`
	ObjectKey  string    `gorm:"column:objectKey;size:512" json:"-"`
	UploadDate time.Time `gorm:"column:uploadDate" json:"uploadDate"`
}

func (BackUpDoc) TableName() string { return "BackUpDocs" }

// BlobStore holds document bytes outside the database.
type BlobStore interface {
	Put(ctx context.Context, key string, content []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// DocumentStore writes and reads BackUpDocs. It never opens its own
// transaction; callers pass the handle to work on.
type DocumentStore struct {
	blobs                 BlobStore
	replaceByRecoveryOnly bool
}

// NewDocumentStore keeps content in the database when blobs is nil.
func NewDocumentStore(blobs BlobStore, flags config.FeatureFlags) *DocumentStore {
	return &DocumentStore{blobs: blobs, replaceByRecoveryOnly: flags.DocumentReplaceByRecoveryOnly}
}

// Save inserts docName for recoveryID, or replaces its content when it
// already exists.
func (s *DocumentStore) Save(ctx context.Context, tx *gorm.DB, recoveryID int, docName string, content []byte) error {
	var existing []BackUpDoc
	if err := tx.Select("documentID").
		Where("recoveryID = ? AND docName = ?", recoveryID, docName).
		Find(&existing).Error; err != nil {
		return err
	}

	doc := BackUpDoc{
		RecoveryID: recoveryID,
		DocName:    docName,
		Document:   content,
		UploadDate: time.Now(),
	}
	if s.blobs != nil {
		doc.ObjectKey = utils.DocumentObjectKey(recoveryID, docName)
		doc.Document = nil
		if err := s.blobs.Put(ctx, doc.ObjectKey, content); err != nil {
			return err
		}
	}

	if len(existing) == 0 {
		return tx.Create(&doc).Error
	}

	replace := tx.Model(&BackUpDoc{}).Where("recoveryID = ?", recoveryID)
	if !s.replaceByRecoveryOnly {
		replace = replace.Where("docName = ?", docName)
	}
	return replace.Updates(map[string]interface{}{
		"document":   doc.Document,
		"objectKey":  doc.ObjectKey,
		"uploadDate": doc.UploadDate,
	}).Error
}

// Load returns the content of docName, or ErrorRecordNotFound.
func (s *DocumentStore) Load(ctx context.Context, db *gorm.DB, recoveryID int, docName string) ([]byte, error) {
	var docs []BackUpDoc
	if err := db.WithContext(ctx).
		Where("recoveryID = ? AND docName = ?", recoveryID, docName).
		Find(&docs).Error; err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, utils.ErrorRecordNotFound
	}
	doc := docs[0]
	if doc.ObjectKey == "" {
		return doc.Document, nil
	}
	if s.blobs == nil {
		return nil, utils.ErrorRecordNotFound
	}
	content, err := s.blobs.Get(ctx, doc.ObjectKey)
	if errors.Is(err, utils.ErrorBlobNotFound) {
		return nil, utils.ErrorRecordNotFound
	}
	return content, err
}

// Names returns the document names per recovery, in upload order.
func (s *DocumentStore) Names(db *gorm.DB, recoveryIDs []int) (map[int][]string, error) {
	out := make(map[int][]string, len(recoveryIDs))
	if len(recoveryIDs) == 0 {
		return out, nil
	}
	var docs []BackUpDoc
	if err := db.Select("documentID", "recoveryID", "docName").
		Where("recoveryID IN ?", recoveryIDs).
		Order("documentID").
		Find(&docs).Error; err != nil {
		return nil, err
	}
	for _, d := range docs {
		out[d.RecoveryID] = append(out[d.RecoveryID], d.DocName)
	}
	return out, nil
}
