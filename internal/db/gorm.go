package db

import (
	"errors"
	"fmt"

	"github.com/vtfind/vtfind/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// store implements Database on top of a gorm connection shared by the sqlite
// and postgres backends.
type store struct {
	db *gorm.DB
}

func (s *store) migrate() error {
	return s.db.AutoMigrate(
		&model.Scan{},
		&model.Proc{},
		&model.VMCS{},
	)
}

// Save creates or replaces a checkpoint together with its records.
func (s *store) Save(sc *model.Scan) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("scan_id = ?", sc.ID).Delete(&model.Proc{}).Error; err != nil {
			return err
		}
		if err := tx.Where("scan_id = ?", sc.ID).Delete(&model.VMCS{}).Error; err != nil {
			return err
		}
		for i := range sc.Procs {
			sc.Procs[i].ID = 0
		}
		for i := range sc.VMCSs {
			sc.VMCSs[i].ID = 0
		}
		if err := tx.Session(&gorm.Session{FullSaveAssociations: true}).Clauses(clause.OnConflict{UpdateAll: true}).Create(sc).Error; err != nil {
			return fmt.Errorf("failed to save checkpoint %s: %w", sc.ID, err)
		}
		return nil
	})
}

func (s *store) first(query string, arg any) (*model.Scan, error) {
	var sc model.Scan
	if err := s.db.
		Preload("Procs", func(db *gorm.DB) *gorm.DB { return db.Order("file_offset") }).
		Preload("VMCSs", func(db *gorm.DB) *gorm.DB { return db.Order("vmcs_id") }).
		Where(query, arg).
		First(&sc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	return &sc, nil
}

// Get returns the checkpoint with the given ID.
func (s *store) Get(id string) (*model.Scan, error) {
	return s.first("id = ?", id)
}

// GetByImage returns the checkpoint of the image with the given key.
func (s *store) GetByImage(key string) (*model.Scan, error) {
	return s.first("image_key = ?", key)
}

// List returns every checkpoint without its records.
func (s *store) List() ([]*model.Scan, error) {
	var scans []*model.Scan
	if err := s.db.Order("updated_at desc").Find(&scans).Error; err != nil {
		return nil, err
	}
	return scans, nil
}

// Delete removes the checkpoint with the given ID.
func (s *store) Delete(id string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("scan_id = ?", id).Delete(&model.Proc{}).Error; err != nil {
			return err
		}
		if err := tx.Where("scan_id = ?", id).Delete(&model.VMCS{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&model.Scan{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return model.ErrNotFound
		}
		return nil
	})
}

// Close closes the database.
func (s *store) Close() error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}
