package anonymizer

import (
	"sync"
	"sync/atomic"
)

// Anonymizer applies a pseudonym table to every rendered identity while anonymous mode
// is enabled. Toggling the mode never rebuilds the table.
type Anonymizer struct {
	mutex   sync.RWMutex
	table   *Table
	enabled atomic.Bool
}

// New constructs an Anonymizer with an empty table.
func New(enabled bool) *Anonymizer {
	anonymizer := &Anonymizer{table: BuildTable(nil)}
	anonymizer.enabled.Store(enabled)
	return anonymizer
}

// Install replaces the table. It is called once per job result.
func (anonymizer *Anonymizer) Install(table *Table) {
	if table == nil {
		table = BuildTable(nil)
	}
	anonymizer.mutex.Lock()
	anonymizer.table = table
	anonymizer.mutex.Unlock()
}

// Table returns the installed table.
func (anonymizer *Anonymizer) Table() *Table {
	anonymizer.mutex.RLock()
	defer anonymizer.mutex.RUnlock()
	return anonymizer.table
}

// Enabled reports whether anonymous mode is on.
func (anonymizer *Anonymizer) Enabled() bool {
	return anonymizer.enabled.Load()
}

// SetEnabled toggles anonymous mode.
func (anonymizer *Anonymizer) SetEnabled(enabled bool) {
	anonymizer.enabled.Store(enabled)
}

// ToPseudonym returns the display form of identity. With anonymous mode disabled, or for
// identities outside the table, the identity is returned unchanged.
func (anonymizer *Anonymizer) ToPseudonym(identity string) string {
	if !anonymizer.Enabled() {
		return identity
	}
	if pseudonym, found := anonymizer.Table().Pseudonym(identity); found {
		return pseudonym
	}
	return identity
}

// ToReal resolves a lower-cased pseudonym back to the identity it stands for. With
// anonymous mode disabled the input is already an identity and is returned unchanged.
func (anonymizer *Anonymizer) ToReal(pseudonym string) string {
	if !anonymizer.Enabled() {
		return pseudonym
	}
	if identity, found := anonymizer.Table().Real(pseudonym); found {
		return identity
	}
	return pseudonym
}

// Namer returns a function applying ToPseudonym, for display surfaces that only need labels.
func (anonymizer *Anonymizer) Namer() func(string) string {
	return anonymizer.ToPseudonym
}
