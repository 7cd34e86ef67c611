package models_test

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/mmdatafocus/recoveries_backend/config"
	"github.com/mmdatafocus/recoveries_backend/models"
	"github.com/mmdatafocus/recoveries_backend/utils"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newMySQLMock(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	db, err := gorm.Open(mysql.New(mysql.Config{Conn: sqlDB, SkipInitializeWithVersion: true}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("gorm.Open: %v", err)
	}
	return db, mock
}

func TestAddDocumentsMySQLStatements(t *testing.T) {
	db, mock := newMySQLMock(t)
	manager := models.NewRecoveryManager(db, testDirectory(), nil, nil, nil, config.FeatureFlags{})

	mock.ExpectQuery("SELECT `recoveryID` FROM `Recovery` WHERE recoveryID = \\?").
		WithArgs(7).
		WillReturnRows(sqlmock.NewRows([]string{"recoveryID"}).AddRow(7))
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT `documentID` FROM `BackUpDocs` WHERE recoveryID = \\? AND docName = \\?").
		WithArgs(7, "receipt.pdf").
		WillReturnRows(sqlmock.NewRows([]string{"documentID"}))
	mock.ExpectExec("INSERT INTO `BackUpDocs`").
		WithArgs(7, "receipt.pdf", []byte("pdf"), "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(11, 1))
	mock.ExpectExec("INSERT INTO `RecoveryAudit`").
		WithArgs(sqlmock.AnyArg(), 7, "Tom Tech", "Added File(s): receipt.pdf").
		WillReturnResult(sqlmock.NewResult(21, 1))
	mock.ExpectCommit()

	err := manager.AddDocuments(context.Background(), 7, tech, [][]byte{[]byte("pdf")}, []string{"receipt.pdf"})
	if err != nil {
		t.Fatalf("AddDocuments: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAddDocumentsMySQLRollsBackOnAuditFailure(t *testing.T) {
	db, mock := newMySQLMock(t)
	manager := models.NewRecoveryManager(db, testDirectory(), nil, nil, nil, config.FeatureFlags{})

	mock.ExpectQuery("SELECT `recoveryID` FROM `Recovery`").
		WithArgs(7).
		WillReturnRows(sqlmock.NewRows([]string{"recoveryID"}).AddRow(7))
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT `documentID` FROM `BackUpDocs`").
		WithArgs(7, "receipt.pdf").
		WillReturnRows(sqlmock.NewRows([]string{"documentID"}).AddRow(3))
	mock.ExpectExec("UPDATE `BackUpDocs` SET .* WHERE recoveryID = \\? AND docName = \\?").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO `RecoveryAudit`").
		WillReturnError(errors.New("lock wait timeout"))
	mock.ExpectRollback()

	err := manager.AddDocuments(context.Background(), 7, admin, [][]byte{[]byte("pdf")}, []string{"receipt.pdf"})
	if !errors.Is(err, utils.ErrorTransactionFailed) {
		t.Fatalf("AddDocuments error = %v, want ErrorTransactionFailed", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
