package index

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

var (
	// ErrNotFound is returned when no record matches a query or a locator.
	ErrNotFound = errors.New("no matching record")
	// ErrInvalidDataset is returned for dataset names that cannot be used as table names.
	ErrInvalidDataset = errors.New("invalid dataset name")
)

// Record is one immutable row of a dataset index.
type Record struct {
	ID          uint64    `gorm:"column:id;primaryKey;autoIncrement" json:"-"`
	Date        time.Time `gorm:"column:date;not null" json:"date"`
	Locator     string    `gorm:"column:data;not null" json:"url"`
	Hash        *string   `gorm:"column:hash;size:64" json:"hash,omitempty"`
	Type        string    `gorm:"column:type;not null" json:"type"`
	Description *string   `gorm:"column:description" json:"description,omitempty"`
}

var datasetPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{0,62}$`)

// ValidDataset reports whether name is usable as a dataset (and table) name.
func ValidDataset(name string) bool {
	return datasetPattern.MatchString(name)
}

// ValidateDataset returns ErrInvalidDataset for unusable names.
func ValidateDataset(name string) error {
	if !ValidDataset(name) {
		return fmt.Errorf("%w: %q", ErrInvalidDataset, name)
	}
	return nil
}

// newer reports whether a sorts before b in newest-first order: later date,
// then later insertion.
func newer(a, b Record) bool {
	if !a.Date.Equal(b.Date) {
		return a.Date.After(b.Date)
	}
	return a.ID > b.ID
}
