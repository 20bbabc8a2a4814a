package collector

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/migration"
	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"gorm.io/gorm"
)

type BaseModel struct {
	ID int64 `gorm:"primaryKey" json:"id"`
}

// Capture is one recorded cycle
type Capture struct {
	BaseModel
	Key        string                   `json:"key"`
	CycleID    uint32                   `json:"cycleID"`
	Time       dbh.IntTime              `json:"time"`
	NumObjects int                      `json:"numObjects"`
	Labels     *dbh.JSONField[[]string] `json:"labels"`
}

func Migrations(log logs.Log) []migration.Migrator {
	migs := []migration.Migrator{}
	idx := 0

	migs = append(migs, dbh.MakeMigrationFromSQL(log, &idx,
		`
		CREATE TABLE capture(
			id INTEGER PRIMARY KEY,
			key TEXT NOT NULL,
			cycle_id INT NOT NULL,
			time INT NOT NULL,
			num_objects INT NOT NULL DEFAULT 0,
			labels TEXT
		);
		CREATE UNIQUE INDEX idx_capture_key ON capture(key);
		`))

	return migs
}

// Index is a queryable record of every cycle the collector has stored
type Index struct {
	log logs.Log
	db  *gorm.DB
}

func NewIndex(log logs.Log, dbFilename string) (*Index, error) {
	os.MkdirAll(filepath.Dir(dbFilename), 0777)
	db, err := dbh.OpenDB(log, dbh.MakeSqliteConfig(dbFilename), Migrations(log), 0)
	if err != nil {
		return nil, fmt.Errorf("Failed to open database %v: %w", dbFilename, err)
	}
	return &Index{
		log: log,
		db:  db,
	}, nil
}

// Touch records that a cycle exists, without changing anything already known about it
func (x *Index) Touch(key string, cycleID uint32, t time.Time) error {
	return x.db.Exec("INSERT INTO capture (key, cycle_id, time) VALUES (?, ?, ?) ON CONFLICT(key) DO NOTHING",
		key, cycleID, dbh.MakeIntTime(t)).Error
}

// SetDetections records the object count and distinct labels of a cycle
func (x *Index) SetDetections(key string, cycleID uint32, t time.Time, numObjects int, labels []string) error {
	if err := x.Touch(key, cycleID, t); err != nil {
		return err
	}
	if labels == nil {
		labels = []string{}
	}
	field := dbh.JSONField[[]string]{Data: labels}
	return x.db.Model(&Capture{}).Where("key = ?", key).Updates(map[string]any{
		"num_objects": numObjects,
		"labels":      &field,
	}).Error
}

// Recent returns up to n captures, newest first
func (x *Index) Recent(n int) ([]Capture, error) {
	caps := []Capture{}
	if err := x.db.Order("time DESC, id DESC").Limit(n).Find(&caps).Error; err != nil {
		return nil, err
	}
	return caps, nil
}

func (x *Index) Get(key string) (*Capture, error) {
	c := Capture{}
	if err := x.db.Where("key = ?", key).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func (x *Index) Close() {
	if sqlDB, err := x.db.DB(); err == nil {
		sqlDB.Close()
	}
}

// Delete removes the record of a cycle. Deleting an unknown key is not an error.
func (x *Index) Delete(key string) error {
	return x.db.Where("key = ?", key).Delete(&Capture{}).Error
}
