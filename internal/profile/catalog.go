package profile

import (
	"strings"
	"sync"

	"codeberg.org/mutker/cpupowerctl/internal/errors"
)

// Catalog holds built-in and user profiles in insertion order: built-ins
// first, then user profiles as defined.
type Catalog struct {
	mu    sync.RWMutex
	specs []Spec
}

func NewCatalog() *Catalog {
	return &Catalog{specs: Builtins()}
}

// Get looks a profile up by name, ignoring case.
func (c *Catalog) Get(name string) (Spec, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	i := c.index(name)
	if i < 0 {
		return Spec{}, false
	}
	return c.specs[i], true
}

func (c *Catalog) List() []Spec {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return append([]Spec(nil), c.specs...)
}

// Upsert adds a user profile or replaces one with the same name in place.
func (c *Catalog) Upsert(s Spec) error {
	if IsReserved(s.Name) {
		return errors.New().WithData(errors.ErrInvalidProfile, s.Name+": name is reserved")
	}
	if err := s.Validate(); err != nil {
		return err
	}

	s.Builtin = false
	s.Tier = NoTier
	s.Overrides = append([]Override(nil), s.Overrides...)

	c.mu.Lock()
	defer c.mu.Unlock()

	if i := c.index(s.Name); i >= 0 {
		c.specs[i] = s
		return nil
	}
	c.specs = append(c.specs, s)

	return nil
}

func (c *Catalog) Remove(name string) error {
	errFactory := errors.New()

	if IsReserved(name) {
		return errFactory.WithData(errors.ErrCannotRemoveBuiltin, name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.index(name)
	if i < 0 {
		return errFactory.WithData(errors.ErrProfileNotFound, name)
	}
	c.specs = append(c.specs[:i], c.specs[i+1:]...)

	return nil
}

// Replace swaps the full set of user profiles. Nothing changes if any
// profile is invalid.
func (c *Catalog) Replace(users []Spec) error {
	staged := NewCatalog()
	for _, u := range users {
		if !IsReserved(u.Name) && staged.index(u.Name) >= 0 {
			return errors.New().WithData(errors.ErrInvalidProfile, u.Name+": duplicate name")
		}
		if err := staged.Upsert(u); err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.specs = staged.specs

	return nil
}

func (c *Catalog) index(name string) int {
	for i, s := range c.specs {
		if strings.EqualFold(s.Name, name) {
			return i
		}
	}
	return -1
}
