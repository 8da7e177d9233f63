package main

import (
	"gorm.io/gorm"

	"github.com/paylane/custodian/pkg/rpc"
)

const (
	DefaultLimit = 10
	MaxLimit     = 100
)

func applySort(db *gorm.DB, sortBy string, defaultSort rpc.SortType, sortType *rpc.SortType) *gorm.DB {
	if sortType == nil {
		return db.Order(sortBy + " " + defaultSort.ToString())
	}
	return db.Order(sortBy + " " + sortType.ToString())
}

func paginate(offset, limit uint32) func(db *gorm.DB) *gorm.DB {
	switch {
	case limit == 0:
		limit = DefaultLimit
	case limit > MaxLimit:
		limit = MaxLimit
	}

	return func(db *gorm.DB) *gorm.DB {
		return db.Offset(int(offset)).Limit(int(limit))
	}
}

// applyListOptions sorts by sortBy and paginates. nil options sort only.
func applyListOptions(db *gorm.DB, sortBy string, defaultSort rpc.SortType, options *rpc.ListOptions) *gorm.DB {
	if options == nil {
		return applySort(db, sortBy, defaultSort, nil)
	}

	db = applySort(db, sortBy, defaultSort, options.Sort)
	return paginate(options.Offset, options.Limit)(db)
}
