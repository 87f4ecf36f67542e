// Package cpufreqtest provides an in-memory attribute store with fault
// injection for tests.
package cpufreqtest

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"

	"codeberg.org/mutker/cpupowerctl/internal/cpufreq"
	"codeberg.org/mutker/cpupowerctl/internal/errors"
)

const (
	HardwareMin = 800000
	HardwareMax = 3600000
)

type Op string

const (
	OpRead  Op = "read"
	OpWrite Op = "write"
)

// Fault returns a non-nil error to fail the operation.
type Fault func(op Op, core cpufreq.CoreID, attr cpufreq.Attribute, value string) error

type key struct {
	core cpufreq.CoreID
	attr cpufreq.Attribute
}

// MemStore behaves like sysfs for the attributes it holds: it rejects
// min > max and governors that are not offered.
type MemStore struct {
	mu      sync.Mutex
	values  map[key]string
	faults  []Fault
	ignored map[key]bool
	writes  []cpufreq.Write
	onWrite func(cpufreq.Write)
}

func NewMemStore() *MemStore {
	return &MemStore{
		values:  make(map[key]string),
		ignored: make(map[key]bool),
	}
}

// Machine returns a store holding n acpi-cpufreq cores with boost enabled.
func Machine(n int) *MemStore {
	m := NewMemStore()
	for i := 0; i < n; i++ {
		c := cpufreq.CoreID(i)
		m.Set(c, cpufreq.AttrGovernor, "powersave")
		m.Set(c, cpufreq.AttrScalingMin, strconv.Itoa(HardwareMin))
		m.Set(c, cpufreq.AttrScalingMax, strconv.Itoa(HardwareMax))
		m.Set(c, cpufreq.AttrCurFreq, "1400000")
		m.Set(c, cpufreq.AttrHardwareMin, strconv.Itoa(HardwareMin))
		m.Set(c, cpufreq.AttrHardwareMax, strconv.Itoa(HardwareMax))
		m.Set(c, cpufreq.AttrAvailableGovernors, "conservative ondemand userspace powersave performance schedutil")
		m.Set(c, cpufreq.AttrDriver, "acpi-cpufreq")
		m.Set(c, cpufreq.AttrRelatedCPUs, strconv.Itoa(i))
		m.Set(c, cpufreq.AttrPackageID, "0")
	}
	m.Set(cpufreq.GlobalCore, cpufreq.AttrBoost, "1")

	return m
}

func (m *MemStore) Set(core cpufreq.CoreID, attr cpufreq.Attribute, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key{core, attr}] = value
}

func (m *MemStore) Get(core cpufreq.CoreID, attr cpufreq.Attribute) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values[key{core, attr}]
}

func (m *MemStore) AddFault(f Fault) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults = append(m.faults, f)
}

func (m *MemStore) ClearFaults() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults = nil
}

// Ignore makes writes to attr on core succeed without taking effect.
func (m *MemStore) Ignore(core cpufreq.CoreID, attr cpufreq.Attribute) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ignored[key{core, attr}] = true
}

// OnWrite registers a hook run, outside the store lock, before each write.
func (m *MemStore) OnWrite(fn func(cpufreq.Write)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onWrite = fn
}

// Writes returns every successful write in order.
func (m *MemStore) Writes() []cpufreq.Write {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]cpufreq.Write(nil), m.writes...)
}

func (m *MemStore) ResetWrites() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes = nil
}

func (m *MemStore) Read(_ context.Context, core cpufreq.CoreID, attr cpufreq.Attribute) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fault(OpRead, core, attr, ""); err != nil {
		return "", err
	}

	v, ok := m.values[key{core, attr}]
	if !ok {
		return "", errors.New().WithData(errors.ErrUnsupported, string(attr))
	}

	return v, nil
}

func (m *MemStore) Write(_ context.Context, core cpufreq.CoreID, attr cpufreq.Attribute, value string) error {
	m.mu.Lock()
	hook := m.onWrite
	m.mu.Unlock()

	if hook != nil {
		hook(cpufreq.Write{Core: core, Attr: attr, Value: value})
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	errFactory := errors.New()

	if err := m.fault(OpWrite, core, attr, value); err != nil {
		return err
	}

	k := key{core, attr}
	if _, ok := m.values[k]; !ok {
		return errFactory.WithData(errors.ErrIO, string(attr))
	}

	if err := m.validate(core, attr, value); err != nil {
		return err
	}

	m.writes = append(m.writes, cpufreq.Write{Core: core, Attr: attr, Value: value})
	if !m.ignored[k] {
		m.values[k] = value
	}

	return nil
}

func (m *MemStore) WriteBatch(ctx context.Context, writes []cpufreq.Write) []error {
	results := make([]error, len(writes))
	for i, w := range writes {
		results[i] = m.Write(ctx, w.Core, w.Attr, w.Value)
	}
	return results
}

func (m *MemStore) ListCores(_ context.Context) ([]cpufreq.CoreID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[cpufreq.CoreID]bool)
	var cores []cpufreq.CoreID
	for k := range m.values {
		if k.core != cpufreq.GlobalCore && !seen[k.core] {
			seen[k.core] = true
			cores = append(cores, k.core)
		}
	}
	sort.Slice(cores, func(i, j int) bool { return cores[i] < cores[j] })

	return cores, nil
}

func (m *MemStore) fault(op Op, core cpufreq.CoreID, attr cpufreq.Attribute, value string) error {
	for _, f := range m.faults {
		if err := f(op, core, attr, value); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemStore) validate(core cpufreq.CoreID, attr cpufreq.Attribute, value string) error {
	invalid := errors.New().WithData(errors.ErrInvalidValue, string(attr)+"="+value)

	switch attr {
	case cpufreq.AttrGovernor:
		avail, ok := m.values[key{core, cpufreq.AttrAvailableGovernors}]
		if ok && !contains(strings.Fields(avail), value) {
			return invalid
		}
	case cpufreq.AttrScalingMin, cpufreq.AttrScalingMax:
		v, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return invalid
		}
		lo, _ := strconv.ParseUint(m.values[key{core, cpufreq.AttrScalingMin}], 10, 64)
		hi, _ := strconv.ParseUint(m.values[key{core, cpufreq.AttrScalingMax}], 10, 64)
		if attr == cpufreq.AttrScalingMin && v > hi {
			return invalid
		}
		if attr == cpufreq.AttrScalingMax && v < lo {
			return invalid
		}
	}

	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// FailReads fails the first n reads of attr on core; n < 0 fails all.
func FailReads(core cpufreq.CoreID, attr cpufreq.Attribute, code errors.ErrorCode, n int) Fault {
	var mu sync.Mutex
	count := 0

	return func(op Op, c cpufreq.CoreID, a cpufreq.Attribute, _ string) error {
		if op != OpRead || c != core || a != attr {
			return nil
		}

		mu.Lock()
		defer mu.Unlock()
		if n >= 0 && count >= n {
			return nil
		}
		count++

		return errors.New().WithData(code, string(a))
	}
}

// FailWrites fails writes to attr on core with code, for the first n
// matching attempts; n < 0 fails forever. Value "" matches any value.
func FailWrites(core cpufreq.CoreID, attr cpufreq.Attribute, value string, code errors.ErrorCode, n int) Fault {
	var mu sync.Mutex
	count := 0

	return func(op Op, c cpufreq.CoreID, a cpufreq.Attribute, v string) error {
		if op != OpWrite || c != core || a != attr || (value != "" && v != value) {
			return nil
		}

		mu.Lock()
		defer mu.Unlock()
		if n >= 0 && count >= n {
			return nil
		}
		count++

		return errors.New().WithData(code, string(a)+"="+v)
	}
}
