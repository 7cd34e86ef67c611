package models_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/mmdatafocus/recoveries_backend/config"
	"github.com/mmdatafocus/recoveries_backend/models"
	"github.com/mmdatafocus/recoveries_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func journalOf(t *testing.T, f *fixture, recoveryID int) *int {
	t.Helper()
	return f.reload(t, recoveryID).JournalID
}

func TestJournalReassignmentIsSetDifference(t *testing.T) {
	f := newFixture(t, config.FeatureFlags{})
	ctx := context.Background()

	r1 := f.seedRecovery(t, models.Recovery{})
	r2 := f.seedRecovery(t, models.Recovery{})
	r3 := f.seedRecovery(t, models.Recovery{})
	other := f.seedJournal(t, models.JournalVoucher{Status: "Open"})
	outsider := f.seedRecovery(t, models.Recovery{JournalID: intPtr(other.JournalID)})

	jid, err := f.journal.Upsert(ctx, 0, ictFinance, &models.NewJournal{
		Status:      "Open",
		RecoveryIDs: &[]int{r1.RecoveryID, r2.RecoveryID},
	})
	require.NoError(t, err)
	require.Equal(t, jid, *journalOf(t, f, r1.RecoveryID))
	require.Equal(t, jid, *journalOf(t, f, r2.RecoveryID))
	r2Audits := f.recoveryAudits(t, r2.RecoveryID)
	r2ModDate := f.reload(t, r2.RecoveryID).ModDate

	_, err = f.journal.Upsert(ctx, jid, ictFinance, &models.NewJournal{
		Status:      "Submitted",
		RecoveryIDs: &[]int{r2.RecoveryID, r3.RecoveryID},
	})
	require.NoError(t, err)

	assert.Nil(t, journalOf(t, f, r1.RecoveryID))
	assert.Equal(t, jid, *journalOf(t, f, r2.RecoveryID))
	assert.Equal(t, jid, *journalOf(t, f, r3.RecoveryID))
	assert.Equal(t, other.JournalID, *journalOf(t, f, outsider.RecoveryID))

	assert.Equal(t, r2Audits, f.recoveryAudits(t, r2.RecoveryID), "r2 stayed a member and is not rewritten")
	assert.Equal(t, r2ModDate, f.reload(t, r2.RecoveryID).ModDate)
	assert.Equal(t, []string{
		fmt.Sprintf("Added to Journal %d", jid),
		fmt.Sprintf("Removed from Journal %d", jid),
	}, f.recoveryAudits(t, r1.RecoveryID))
	assert.Empty(t, f.recoveryAudits(t, outsider.RecoveryID))
	assert.Equal(t, []string{"Open", "Submitted"}, f.journalAudits(t, jid))
}

func TestJournalUpsertCreateStampsSubmissionDate(t *testing.T) {
	f := newFixture(t, config.FeatureFlags{})
	ctx := context.Background()

	jid, err := f.journal.Upsert(ctx, 0, admin, &models.NewJournal{
		Status:     "Open",
		JvAmount:   decimal.RequireFromString("125.50"),
		Department: "Finance",
	})
	require.NoError(t, err)

	var j models.JournalVoucher
	require.NoError(t, f.db.Where("journalID = ?", jid).First(&j).Error)
	require.NotNil(t, j.SubmissionDate)
	submitted := *j.SubmissionDate
	assert.True(t, j.JvAmount.Equal(decimal.RequireFromString("125.5")))

	_, err = f.journal.Upsert(ctx, jid, admin, &models.NewJournal{Status: "Closed", Department: "Finance"})
	require.NoError(t, err)
	require.NoError(t, f.db.Where("journalID = ?", jid).First(&j).Error)
	assert.Equal(t, "Closed", j.Status)
	require.NotNil(t, j.SubmissionDate)
	assert.True(t, submitted.Equal(*j.SubmissionDate), "submissionDate is set once")
}

func TestJournalUpsertMembershipPresence(t *testing.T) {
	f := newFixture(t, config.FeatureFlags{})
	ctx := context.Background()

	r1 := f.seedRecovery(t, models.Recovery{})
	jid, err := f.journal.Upsert(ctx, 0, admin, &models.NewJournal{Status: "Open", RecoveryIDs: &[]int{r1.RecoveryID}})
	require.NoError(t, err)

	_, err = f.journal.Upsert(ctx, jid, admin, &models.NewJournal{Status: "Open"})
	require.NoError(t, err)
	assert.Equal(t, jid, *journalOf(t, f, r1.RecoveryID), "absent recoveryIDs leaves membership alone")

	_, err = f.journal.Upsert(ctx, jid, admin, &models.NewJournal{Status: "Open", RecoveryIDs: &[]int{}})
	require.NoError(t, err)
	assert.Nil(t, journalOf(t, f, r1.RecoveryID), "empty recoveryIDs clears membership")
}

func TestJournalUnknownRecoveryRollsBack(t *testing.T) {
	f := newFixture(t, config.FeatureFlags{})
	ctx := context.Background()

	r1 := f.seedRecovery(t, models.Recovery{})
	jid, err := f.journal.Upsert(ctx, 0, admin, &models.NewJournal{Status: "Open", RecoveryIDs: &[]int{r1.RecoveryID}})
	require.NoError(t, err)

	_, err = f.journal.Upsert(ctx, jid, admin, &models.NewJournal{Status: "Changed", RecoveryIDs: &[]int{4242}})
	require.ErrorIs(t, err, utils.ErrorValidation)

	assert.Equal(t, jid, *journalOf(t, f, r1.RecoveryID))
	assert.Equal(t, []string{"Open"}, f.journalAudits(t, jid))
	var j models.JournalVoucher
	require.NoError(t, f.db.Where("journalID = ?", jid).First(&j).Error)
	assert.Equal(t, "Open", j.Status)
}

func TestJournalUpsertMissingIsNotFound(t *testing.T) {
	f := newFixture(t, config.FeatureFlags{})

	_, err := f.journal.Upsert(context.Background(), 777, admin, &models.NewJournal{Status: "Open"})
	assert.ErrorIs(t, err, utils.ErrorRecordNotFound)

	var count int64
	require.NoError(t, f.db.Model(&models.JournalVoucher{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestJournalMutationsRequireRole(t *testing.T) {
	f := newFixture(t, config.FeatureFlags{})
	ctx := context.Background()
	j := f.seedJournal(t, models.JournalVoucher{Status: "Open"})

	for _, actor := range []models.Actor{deptFinance, northAgent, tech, claimant} {
		_, err := f.journal.Upsert(ctx, 0, actor, &models.NewJournal{Status: "Open"})
		assert.ErrorIs(t, err, utils.ErrorUnauthorized, actor.Email)
		assert.ErrorIs(t, f.journal.Delete(ctx, j.JournalID, actor), utils.ErrorUnauthorized, actor.Email)
		assert.ErrorIs(t, f.journal.UpdateRecoverables(ctx, j.JournalID, actor, []int{1}, decimal.Zero), utils.ErrorUnauthorized, actor.Email)
	}
	for _, actor := range []models.Actor{northAgent, tech, claimant} {
		_, err := f.journal.List(ctx, actor)
		assert.ErrorIs(t, err, utils.ErrorUnauthorized, actor.Email)
		_, err = f.journal.Get(ctx, j.JournalID, actor)
		assert.ErrorIs(t, err, utils.ErrorUnauthorized, actor.Email)
	}
}

func TestJournalDeleteDetachesMembers(t *testing.T) {
	f := newFixture(t, config.FeatureFlags{})
	ctx := context.Background()

	target := f.seedJournal(t, models.JournalVoucher{Status: "Open"})
	other := f.seedJournal(t, models.JournalVoucher{Status: "Open"})
	member := f.seedRecovery(t, models.Recovery{JournalID: intPtr(target.JournalID)})
	bystander := f.seedRecovery(t, models.Recovery{JournalID: intPtr(other.JournalID)})

	require.NoError(t, f.journal.Delete(ctx, target.JournalID, admin))

	assert.Nil(t, journalOf(t, f, member.RecoveryID))
	assert.Equal(t, other.JournalID, *journalOf(t, f, bystander.RecoveryID))
	assert.Equal(t, []string{fmt.Sprintf("Removed from Journal %d", target.JournalID)}, f.recoveryAudits(t, member.RecoveryID))
	assert.Equal(t, []string{"Deleted Journal"}, f.journalAudits(t, target.JournalID))

	var count int64
	require.NoError(t, f.db.Model(&models.JournalVoucher{}).Where("journalID = ?", target.JournalID).Count(&count).Error)
	assert.Zero(t, count)

	assert.ErrorIs(t, f.journal.Delete(ctx, target.JournalID, admin), utils.ErrorRecordNotFound)
}

func TestJournalDeleteKeepReferences(t *testing.T) {
	f := newFixture(t, config.FeatureFlags{JournalDeleteKeepReferences: true})
	ctx := context.Background()

	target := f.seedJournal(t, models.JournalVoucher{Status: "Open"})
	member := f.seedRecovery(t, models.Recovery{JournalID: intPtr(target.JournalID)})

	require.NoError(t, f.journal.Delete(ctx, target.JournalID, admin))
	assert.Equal(t, target.JournalID, *journalOf(t, f, member.RecoveryID))

	orphans, err := models.FindOrphanedRecoveries(ctx, f.db)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, member.RecoveryID, orphans[0].RecoveryID)

	cleared, err := models.ClearOrphanedRecoveries(ctx, f.db, "cleanup")
	require.NoError(t, err)
	assert.Equal(t, 1, cleared)
	assert.Nil(t, journalOf(t, f, member.RecoveryID))
	assert.Equal(t, []string{fmt.Sprintf("Removed from Journal %d", target.JournalID)}, f.recoveryAudits(t, member.RecoveryID))
}

func TestUpdateRecoverables(t *testing.T) {
	f := newFixture(t, config.FeatureFlags{})
	ctx := context.Background()

	j := f.seedJournal(t, models.JournalVoucher{Status: "Open", JvAmount: decimal.NewFromInt(10)})
	r1 := f.seedRecovery(t, models.Recovery{JournalID: intPtr(j.JournalID)})
	r2 := f.seedRecovery(t, models.Recovery{})

	require.NoError(t, f.journal.UpdateRecoverables(ctx, j.JournalID, admin, nil, decimal.NewFromInt(99)))
	require.NoError(t, f.journal.UpdateRecoverables(ctx, j.JournalID, admin, []int{}, decimal.NewFromInt(99)))
	assert.Empty(t, f.journalAudits(t, j.JournalID), "empty id list writes nothing")

	var reloaded models.JournalVoucher
	require.NoError(t, f.db.Where("journalID = ?", j.JournalID).First(&reloaded).Error)
	assert.True(t, reloaded.JvAmount.Equal(decimal.NewFromInt(10)))

	require.NoError(t, f.journal.UpdateRecoverables(ctx, j.JournalID, ictFinance, []int{r2.RecoveryID}, decimal.RequireFromString("42.25")))

	assert.Nil(t, journalOf(t, f, r1.RecoveryID))
	assert.Equal(t, j.JournalID, *journalOf(t, f, r2.RecoveryID))
	require.NoError(t, f.db.Where("journalID = ?", j.JournalID).First(&reloaded).Error)
	assert.True(t, reloaded.JvAmount.Equal(decimal.RequireFromString("42.25")))
	assert.Equal(t, []string{"Modified Recoverables"}, f.journalAudits(t, j.JournalID))

	assert.ErrorIs(t, f.journal.UpdateRecoverables(ctx, 9999, admin, []int{r2.RecoveryID}, decimal.Zero), utils.ErrorRecordNotFound)
}

func TestJournalDetachSkipsRecoveryMovedElsewhere(t *testing.T) {
	f := newFixture(t, config.FeatureFlags{})
	ctx := context.Background()

	j1 := f.seedJournal(t, models.JournalVoucher{Status: "Open"})
	j2 := f.seedJournal(t, models.JournalVoucher{Status: "Open"})
	r1 := f.seedRecovery(t, models.Recovery{JournalID: intPtr(j1.JournalID)})
	r2 := f.seedRecovery(t, models.Recovery{JournalID: intPtr(j1.JournalID)})
	r3 := f.seedRecovery(t, models.Recovery{})

	// another writer moves r1 to j2 after it was read as a j1 member
	armed := &atomic.Bool{}
	armed.Store(true)
	require.NoError(t, f.db.Callback().Update().Before("gorm:update").Register("test:move_to_other_journal", func(tx *gorm.DB) {
		if tx.Statement.Table != "Recovery" || !armed.CompareAndSwap(true, false) {
			return
		}
		err := tx.Session(&gorm.Session{NewDB: true}).
			Exec("UPDATE Recovery SET journalID = ? WHERE recoveryID = ?", j2.JournalID, r1.RecoveryID).Error
		if err != nil {
			tx.AddError(err)
		}
	}))

	require.NoError(t, f.journal.UpdateRecoverables(ctx, j1.JournalID, admin, []int{r3.RecoveryID}, decimal.NewFromInt(5)))
	require.False(t, armed.Load())

	assert.Equal(t, j2.JournalID, *journalOf(t, f, r1.RecoveryID))
	assert.Empty(t, f.recoveryAudits(t, r1.RecoveryID))
	assert.Nil(t, journalOf(t, f, r2.RecoveryID))
	assert.Equal(t, []string{fmt.Sprintf("Removed from Journal %d", j1.JournalID)}, f.recoveryAudits(t, r2.RecoveryID))
	assert.Equal(t, j1.JournalID, *journalOf(t, f, r3.RecoveryID))
	assert.Equal(t, []string{fmt.Sprintf("Added to Journal %d", j1.JournalID)}, f.recoveryAudits(t, r3.RecoveryID))
}

func TestJournalViewsSerialiseEmptyCollections(t *testing.T) {
	f := newFixture(t, config.FeatureFlags{})
	ctx := context.Background()

	j := f.seedJournal(t, models.JournalVoucher{Status: "Open"})
	r := f.seedRecovery(t, models.Recovery{JournalID: intPtr(j.JournalID)})

	view, err := f.journal.Get(ctx, j.JournalID, admin)
	require.NoError(t, err)
	body, err := json.Marshal(view)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"journalAudits":[]`)
	assert.Contains(t, string(body), `"docName":[]`)

	views, err := f.journal.List(ctx, admin)
	require.NoError(t, err)
	require.Len(t, views, 1)
	require.Len(t, views[0].Recoveries, 1)
	assert.Equal(t, r.RecoveryID, views[0].Recoveries[0].RecoveryID)
	body, err = json.Marshal(views)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"journalAudits":[]`)
}

func TestJournalListTwoTierScope(t *testing.T) {
	f := newFixture(t, config.FeatureFlags{})
	ctx := context.Background()

	finance := f.seedJournal(t, models.JournalVoucher{Status: "Open", Department: "Finance"})
	ops := f.seedJournal(t, models.JournalVoucher{Status: "Open", Department: "Ops"})
	member := f.seedRecovery(t, models.Recovery{JournalID: intPtr(finance.JournalID)})
	_, err := f.recovery.Upsert(ctx, member.RecoveryID, admin, &models.NewRecovery{
		Status:        models.RecoveryStatusApproved,
		RecoveryItems: []models.NewRecoveryItem{{Description: "x", Quantity: qty(1)}},
	})
	require.NoError(t, err)

	all, err := f.journal.List(ctx, ictFinance)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, finance.JournalID, all[0].JournalID)
	assert.Equal(t, ops.JournalID, all[1].JournalID)
	require.Len(t, all[0].Recoveries, 1)
	assert.Len(t, all[0].Recoveries[0].RecoveryItems, 1)
	assert.Empty(t, all[0].Recoveries[0].RecoveryAudits, "list does not nest recovery audits")
	assert.Empty(t, all[1].Recoveries)

	own, err := f.journal.List(ctx, deptFinance)
	require.NoError(t, err)
	require.Len(t, own, 1)
	assert.Equal(t, finance.JournalID, own[0].JournalID)
}

func TestJournalGetScopeSwitch(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t, config.FeatureFlags{})
	ops := f.seedJournal(t, models.JournalVoucher{Status: "Open", Department: "Ops"})
	member := f.seedRecovery(t, models.Recovery{JournalID: intPtr(ops.JournalID)})
	require.NoError(t, f.recovery.AddDocuments(ctx, member.RecoveryID, tech, [][]byte{[]byte("x")}, []string{"a.pdf"}))

	view, err := f.journal.Get(ctx, ops.JournalID, deptFinance)
	require.NoError(t, err, "single fetch is unscoped by default")
	require.Len(t, view.Recoveries, 1)
	assert.Equal(t, []string{"a.pdf"}, view.Recoveries[0].DocNames)
	assert.Equal(t, []string{"Added File(s): a.pdf"}, auditActions(view.Recoveries[0].RecoveryAudits))

	_, err = f.journal.Get(ctx, 31337, admin)
	assert.ErrorIs(t, err, utils.ErrorRecordNotFound)

	scoped := newFixture(t, config.FeatureFlags{JournalGetApplyScope: true})
	ops = scoped.seedJournal(t, models.JournalVoucher{Status: "Open", Department: "Ops"})
	_, err = scoped.journal.Get(ctx, ops.JournalID, deptFinance)
	assert.ErrorIs(t, err, utils.ErrorRecordNotFound)
	_, err = scoped.journal.Get(ctx, ops.JournalID, admin)
	assert.NoError(t, err)
}
