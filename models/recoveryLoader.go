package models

import (
	"context"
	"time"

	"github.com/graph-gophers/dataloader/v7"
	"github.com/mmdatafocus/recoveries_backend/utils"
	"gorm.io/gorm"
)

// recoveryLoaders batch the per-recovery lookups of one read so that N
// recoveries cost a fixed number of queries. Build a fresh set per read;
// the loaders cache.
type recoveryLoaders struct {
	items      *dataloader.Loader[int, []RecoveryItem]
	audits     *dataloader.Loader[int, []RecoveryAudit]
	docNames   *dataloader.Loader[int, []string]
	journals   *dataloader.Loader[int, *JournalVoucher]
	categories *dataloader.Loader[int, string]
}

type recoveryReader struct {
	db   *gorm.DB
	docs *DocumentStore
}

func newRecoveryLoaders(db *gorm.DB, docs *DocumentStore) *recoveryLoaders {
	r := &recoveryReader{db: db, docs: docs}
	return &recoveryLoaders{
		items:      dataloader.NewBatchedLoader(r.getItems, dataloader.WithWait[int, []RecoveryItem](time.Millisecond)),
		audits:     dataloader.NewBatchedLoader(r.getAudits, dataloader.WithWait[int, []RecoveryAudit](time.Millisecond)),
		docNames:   dataloader.NewBatchedLoader(r.getDocNames, dataloader.WithWait[int, []string](time.Millisecond)),
		journals:   dataloader.NewBatchedLoader(r.getJournals, dataloader.WithWait[int, *JournalVoucher](time.Millisecond)),
		categories: dataloader.NewBatchedLoader(r.getCategories, dataloader.WithWait[int, string](time.Millisecond)),
	}
}

func handleError[T any](itemsLength int, err error) []*dataloader.Result[T] {
	result := make([]*dataloader.Result[T], itemsLength)
	for i := 0; i < itemsLength; i++ {
		result[i] = &dataloader.Result[T]{Error: err}
	}
	return result
}

// generateLoaderResults orders resultMap by keys, filling gaps with zero values.
func generateLoaderResults[T any](resultMap map[int]T, keys []int) []*dataloader.Result[T] {
	results := make([]*dataloader.Result[T], 0, len(keys))
	for _, id := range keys {
		results = append(results, &dataloader.Result[T]{Data: resultMap[id]})
	}
	return results
}

func (r *recoveryReader) getItems(ctx context.Context, recoveryIDs []int) []*dataloader.Result[[]RecoveryItem] {
	var items []RecoveryItem
	err := r.db.WithContext(ctx).Where("recoveryID IN ?", recoveryIDs).Order("itemID").Find(&items).Error
	if err != nil {
		return handleError[[]RecoveryItem](len(recoveryIDs), err)
	}
	resultMap := make(map[int][]RecoveryItem)
	for _, item := range items {
		resultMap[item.RecoveryID] = append(resultMap[item.RecoveryID], item)
	}
	return generateLoaderResults(resultMap, recoveryIDs)
}

func (r *recoveryReader) getAudits(ctx context.Context, recoveryIDs []int) []*dataloader.Result[[]RecoveryAudit] {
	resultMap, err := recoveryAudits(r.db.WithContext(ctx), recoveryIDs)
	if err != nil {
		return handleError[[]RecoveryAudit](len(recoveryIDs), err)
	}
	return generateLoaderResults(resultMap, recoveryIDs)
}

func (r *recoveryReader) getDocNames(ctx context.Context, recoveryIDs []int) []*dataloader.Result[[]string] {
	resultMap, err := r.docs.Names(r.db.WithContext(ctx), recoveryIDs)
	if err != nil {
		return handleError[[]string](len(recoveryIDs), err)
	}
	return generateLoaderResults(resultMap, recoveryIDs)
}

func (r *recoveryReader) getJournals(ctx context.Context, journalIDs []int) []*dataloader.Result[*JournalVoucher] {
	var journals []JournalVoucher
	if err := r.db.WithContext(ctx).Where("journalID IN ?", journalIDs).Find(&journals).Error; err != nil {
		return handleError[*JournalVoucher](len(journalIDs), err)
	}
	resultMap := make(map[int]*JournalVoucher, len(journals))
	for i := range journals {
		resultMap[journals[i].JournalID] = &journals[i]
	}
	return generateLoaderResults(resultMap, journalIDs)
}

func (r *recoveryReader) getCategories(ctx context.Context, itemCatIDs []int) []*dataloader.Result[string] {
	resultMap, err := categoryLabels(r.db.WithContext(ctx), itemCatIDs)
	if err != nil {
		return handleError[string](len(itemCatIDs), err)
	}
	return generateLoaderResults(resultMap, itemCatIDs)
}

func firstError(errs []error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

type viewOptions struct {
	// firstTmpId seeds the item correlation ids; 0 leaves items untagged.
	firstTmpId  int
	withAudits  bool
	withDocs    bool
	withJournal bool
}

// views enriches recs in order. All lookups of one kind go out as one batch.
func (l *recoveryLoaders) views(ctx context.Context, recs []Recovery, opts viewOptions) ([]RecoveryView, error) {
	out := make([]RecoveryView, len(recs))
	if len(recs) == 0 {
		return out, nil
	}
	ids := make([]int, len(recs))
	var journalIDs []int
	for i, rec := range recs {
		ids[i] = rec.RecoveryID
		if rec.JournalID != nil {
			journalIDs = append(journalIDs, *rec.JournalID)
		}
	}

	itemsThunk := l.items.LoadMany(ctx, ids)
	var (
		auditsThunk   dataloader.ThunkMany[[]RecoveryAudit]
		docsThunk     dataloader.ThunkMany[[]string]
		journalsThunk dataloader.ThunkMany[*JournalVoucher]
	)
	if opts.withAudits {
		auditsThunk = l.audits.LoadMany(ctx, ids)
	}
	if opts.withDocs {
		docsThunk = l.docNames.LoadMany(ctx, ids)
	}
	if opts.withJournal && len(journalIDs) > 0 {
		journalsThunk = l.journals.LoadMany(ctx, journalIDs)
	}

	items, errs := itemsThunk()
	if err := firstError(errs); err != nil {
		return nil, err
	}

	var catIDs []int
	for _, recItems := range items {
		for _, item := range recItems {
			catIDs = append(catIDs, item.ItemCatID)
		}
	}
	labels := map[int]string{}
	if len(catIDs) > 0 {
		catIDs = utils.UniqueInts(catIDs)
		names, errs := l.categories.LoadMany(ctx, catIDs)()
		if err := firstError(errs); err != nil {
			return nil, err
		}
		for i, id := range catIDs {
			labels[id] = names[i]
		}
	}

	var (
		audits   [][]RecoveryAudit
		docs     [][]string
		journals = map[int]*JournalVoucher{}
	)
	if auditsThunk != nil {
		if audits, errs = auditsThunk(); firstError(errs) != nil {
			return nil, firstError(errs)
		}
	}
	if docsThunk != nil {
		if docs, errs = docsThunk(); firstError(errs) != nil {
			return nil, firstError(errs)
		}
	}
	if journalsThunk != nil {
		loaded, errs := journalsThunk()
		if err := firstError(errs); err != nil {
			return nil, err
		}
		for i, id := range journalIDs {
			journals[id] = loaded[i]
		}
	}

	tmpId := opts.firstTmpId
	for i, rec := range recs {
		view := RecoveryView{Recovery: rec, RecoveryItems: make([]RecoveryItemView, 0, len(items[i]))}
		for _, item := range items[i] {
			iv := RecoveryItemView{RecoveryItem: item, Category: labels[item.ItemCatID]}
			if opts.firstTmpId > 0 {
				iv.TmpId = tmpId
				iv.State = &ItemState{}
				tmpId++
			}
			view.RecoveryItems = append(view.RecoveryItems, iv)
		}
		if audits != nil {
			view.RecoveryAudits = audits[i]
		}
		if docs != nil {
			view.DocNames = orEmpty(docs[i])
		}
		if opts.withJournal && rec.JournalID != nil {
			view.Journal = journals[*rec.JournalID]
		}
		out[i] = view
	}
	return out, nil
}
