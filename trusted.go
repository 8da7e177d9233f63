package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TrustedContract is an address allowed to open and top up channels on a
// sender's behalf.
type TrustedContract struct {
	Address   string    `gorm:"column:address;primaryKey"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (TrustedContract) TableName() string {
	return "trusted_contracts"
}

func IsTrusted(tx *gorm.DB, address common.Address) (bool, error) {
	var tc TrustedContract
	err := tx.Where("address = ?", address.Hex()).First(&tc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check trusted contract %s: %w", address.Hex(), err)
	}
	return true, nil
}

// addTrustedContract reports whether the address was newly added.
func addTrustedContract(tx *gorm.DB, address common.Address) (bool, error) {
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&TrustedContract{
		Address:   address.Hex(),
		CreatedAt: time.Now(),
	})
	if res.Error != nil {
		return false, fmt.Errorf("failed to add trusted contract %s: %w", address.Hex(), res.Error)
	}
	return res.RowsAffected > 0, nil
}

// removeTrustedContract reports whether the address was present.
func removeTrustedContract(tx *gorm.DB, address common.Address) (bool, error) {
	res := tx.Where("address = ?", address.Hex()).Delete(&TrustedContract{})
	if res.Error != nil {
		return false, fmt.Errorf("failed to remove trusted contract %s: %w", address.Hex(), res.Error)
	}
	return res.RowsAffected > 0, nil
}

func ListTrustedContracts(tx *gorm.DB) ([]TrustedContract, error) {
	var contracts []TrustedContract
	if err := tx.Order("created_at ASC").Find(&contracts).Error; err != nil {
		return nil, fmt.Errorf("failed to list trusted contracts: %w", err)
	}
	return contracts, nil
}

// SeedTrustedContracts installs the initial allow-list. Addresses already
// present are left alone and no events are emitted.
func SeedTrustedContracts(db *gorm.DB, addresses []common.Address) error {
	return db.Transaction(func(tx *gorm.DB) error {
		for _, addr := range addresses {
			if _, err := addTrustedContract(tx, addr); err != nil {
				return err
			}
		}
		return nil
	})
}

// AddTrusted lets owner allow address to act as a delegate.
func (s *ChannelService) AddTrusted(ctx context.Context, caller, address common.Address) (bool, error) {
	return s.setTrusted(ctx, "add_trusted", caller, address, true)
}

// RemoveTrusted lets owner revoke a delegate.
func (s *ChannelService) RemoveTrusted(ctx context.Context, caller, address common.Address) (bool, error) {
	return s.setTrusted(ctx, "remove_trusted", caller, address, false)
}

func (s *ChannelService) setTrusted(ctx context.Context, operation string, caller, address common.Address, trusted bool) (bool, error) {
	if caller != s.cfg.Owner {
		s.metrics.RecordOperation(operation, ErrUnauthorized)
		return false, ErrUnauthorized
	}

	var changed bool
	err := s.run(ctx, operation, nil, func(tx *gorm.DB, height uint32) ([]*Notification, error) {
		var err error
		if trusted {
			changed, err = addTrustedContract(tx, address)
		} else {
			changed, err = removeTrustedContract(tx, address)
		}
		if err != nil || !changed {
			return nil, err
		}

		event, err := recordChannelEvent(tx, EventTrustedContract, nil, height, TrustedContractData{
			Address: address.Hex(),
			Trusted: trusted,
		})
		if err != nil {
			return nil, err
		}
		return NewChannelEventNotifications(event, s.cfg.Owner.Hex()), nil
	})
	return changed, err
}

func (s *ChannelService) IsTrusted(ctx context.Context, address common.Address) (bool, error) {
	return IsTrusted(s.db.WithContext(ctx), address)
}
