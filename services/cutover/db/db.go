package db

import (
	"github.com/caseflow-io/caseflow-engine/services/cutover/db/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Database struct {
	ORM *gorm.DB
}

func (db Database) Initialize() error {
	return db.ORM.AutoMigrate(
		&model.CutoverState{},
		&model.MigrationRun{},
		&model.ParityCheck{},
	)
}

// GetCutoverState returns the phase record for the pair, or nil when none
// exists.
func (db Database) GetCutoverState(pairKey string) (*model.CutoverState, error) {
	var state model.CutoverState
	tx := db.ORM.Model(&model.CutoverState{}).Where("pair_key = ?", pairKey).First(&state)
	if tx.Error != nil {
		if tx.Error == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, tx.Error
	}
	return &state, nil
}

// SaveCutoverState upserts the phase record. Callers persist before acting on
// the new phase (write-ahead).
func (db Database) SaveCutoverState(state *model.CutoverState) error {
	tx := db.ORM.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "pair_key"}},
		UpdateAll: true,
	}).Create(state)
	return tx.Error
}

// AcquireCutover claims the per-pair lock in a single statement: the insert
// succeeds when no record exists, and the conflict update fires only when the
// existing record is terminal. A false return means another cutover holds the
// pair.
func (db Database) AcquireCutover(state *model.CutoverState) (bool, error) {
	tx := db.ORM.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "pair_key"}},
		UpdateAll: true,
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Eq{Column: clause.Column{Table: "cutover_states", Name: "terminal"}, Value: true},
		}},
	}).Create(state)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

// ActiveCutover returns the non-terminal phase record for the pair if one
// exists. Its presence blocks a second concurrent cutover for the same pair.
func (db Database) ActiveCutover(pairKey string) (*model.CutoverState, error) {
	state, err := db.GetCutoverState(pairKey)
	if err != nil {
		return nil, err
	}
	if state == nil || state.Terminal {
		return nil, nil
	}
	return state, nil
}

func (db Database) CreateMigrationRun(run *model.MigrationRun) error {
	return db.ORM.Create(run).Error
}

func (db Database) UpdateMigrationRun(run *model.MigrationRun) error {
	return db.ORM.Save(run).Error
}

// LatestSucceededMigrationRun returns the most recent successful bulk run for
// the pair, or nil when the pair has never been migrated.
func (db Database) LatestSucceededMigrationRun(pairKey string) (*model.MigrationRun, error) {
	var run model.MigrationRun
	tx := db.ORM.Model(&model.MigrationRun{}).
		Where("pair_key = ? AND status = ?", pairKey, model.MigrationRunStatusSucceeded).
		Order("created_at DESC").
		First(&run)
	if tx.Error != nil {
		if tx.Error == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, tx.Error
	}
	return &run, nil
}

func (db Database) AddParityCheck(check *model.ParityCheck) error {
	return db.ORM.Create(check).Error
}

func (db Database) ListParityChecks(runID string) ([]model.ParityCheck, error) {
	var checks []model.ParityCheck
	tx := db.ORM.Model(&model.ParityCheck{}).Where("run_id = ?", runID).Order("id").Find(&checks)
	if tx.Error != nil {
		return nil, tx.Error
	}
	return checks, nil
}
