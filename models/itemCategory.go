package models

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type ItemCategory struct {
	ItemCatID  int             `gorm:"column:itemCatID;primaryKey;autoIncrement" json:"itemCatID"`
	Category   string          `gorm:"column:category;size:60;not null" json:"category"`
	Branch     string          `gorm:"column:branch;size:100" json:"branch"`
	Unit       string          `gorm:"column:unit;size:20" json:"unit"`
	Price      decimal.Decimal `gorm:"column:price;type:decimal(20,4);default:0" json:"price"`
	CreateDate time.Time       `gorm:"column:createDate;autoCreateTime" json:"createDate"`
	CreateUser string          `gorm:"column:createUser;size:191" json:"createUser"`
	ModDate    time.Time       `gorm:"column:modDate;autoUpdateTime" json:"modDate"`
	ModUser    string          `gorm:"column:modUser;size:191" json:"modUser"`
	Active     *bool           `gorm:"column:active;not null;default:true" json:"active"`
}

func (ItemCategory) TableName() string { return "ItemCategory" }

type ItemCategoryReader struct {
	db *gorm.DB
}

func NewItemCategoryReader(db *gorm.DB) *ItemCategoryReader {
	return &ItemCategoryReader{db: db}
}

// List returns the active categories visible to actor. Branch-scoped actors
// see categories of their branch plus the ones with no branch.
func (r *ItemCategoryReader) List(ctx context.Context, actor Actor) ([]ItemCategory, error) {
	db := r.db.WithContext(ctx).Where("active = ?", true)
	if scope := RecoveryScope(actor); scope.Kind == ScopeBranch {
		db = db.Where("(branch IS NULL OR branch = '' OR LOWER(branch) LIKE ? ESCAPE '!')", branchPattern(scope.Branch))
	}
	var categories []ItemCategory
	if err := db.Order("category").Find(&categories).Error; err != nil {
		return nil, err
	}
	return categories, nil
}

// categoryLabels maps itemCatID to its label for the given ids.
func categoryLabels(db *gorm.DB, ids []int) (map[int]string, error) {
	out := make(map[int]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var categories []ItemCategory
	if err := db.Select("itemCatID", "category").Where("itemCatID IN ?", ids).Find(&categories).Error; err != nil {
		return nil, err
	}
	for _, c := range categories {
		out[c.ItemCatID] = c.Category
	}
	return out, nil
}
