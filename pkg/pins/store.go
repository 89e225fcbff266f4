package pins

import (
	"fmt"
	"sync"
)

// Store is the synchronized 48-entry parameter table.
// Both the bridge loop and editing surfaces mutate it, so every access goes through the lock.
type Store struct {
	mu   sync.RWMutex
	pins [PinCount]PinParameter
}

// NewStore creates a store with all pins at their zero defaults
func NewStore() *Store {
	return &Store{}
}

func checkPin(pin int) error {
	if pin < 0 || pin >= PinCount {
		return fmt.Errorf("%w: %d", ErrInvalidPin, pin)
	}
	return nil
}

// Get returns a copy of one pin
func (s *Store) Get(pin int) (PinParameter, error) {
	if err := checkPin(pin); err != nil {
		return PinParameter{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pins[pin], nil
}

// Value returns a single field of one pin
func (s *Store) Value(pin int, p Param) (uint8, error) {
	if err := checkPin(pin); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pins[pin].Value(p)
}

// Set stores a single field of one pin. Values are not range checked.
func (s *Store) Set(pin int, p Param, v uint8) error {
	if err := checkPin(pin); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pins[pin].SetValue(p, v)
}

// SetName changes the display label, truncated to MaxNameLen bytes
func (s *Store) SetName(pin int, name string) error {
	if err := checkPin(pin); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pins[pin].Name = sanitizeName(name)
	return nil
}

// Update applies fn to one pin under the write lock
func (s *Store) Update(pin int, fn func(*PinParameter)) error {
	if err := checkPin(pin); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.pins[pin])
	s.pins[pin].Name = sanitizeName(s.pins[pin].Name)
	return nil
}

// Snapshot returns a copy of the whole table
func (s *Store) Snapshot() [PinCount]PinParameter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pins
}

// Replace swaps in a complete table
func (s *Store) Replace(table [PinCount]PinParameter) {
	for i := range table {
		table[i].Name = sanitizeName(table[i].Name)
	}
	s.mu.Lock()
	s.pins = table
	s.mu.Unlock()
}

// PinsForNote returns the indices of pins mapped to a note
func (s *Store) PinsForNote(note uint8) []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []int
	for i, p := range s.pins {
		if p.Note == note {
			out = append(out, i)
		}
	}
	return out
}
