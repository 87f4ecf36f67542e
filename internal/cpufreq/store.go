package cpufreq

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"codeberg.org/mutker/cpupowerctl/internal/errors"
	"codeberg.org/mutker/cpupowerctl/internal/logger"
)

const (
	DefaultCPURoot   = "/sys/devices/system/cpu"
	DefaultIOTimeout = 2 * time.Second
)

// SysfsStore reads and writes cpufreq attributes under a sysfs cpu root.
type SysfsStore struct {
	root    string
	timeout time.Duration
	log     logger.Logger
}

// NewSysfsStore returns a store rooted at root. A zero timeout disables the
// per-operation deadline.
func NewSysfsStore(root string, timeout time.Duration) *SysfsStore {
	if root == "" {
		root = DefaultCPURoot
	}

	return &SysfsStore{
		root:    root,
		timeout: timeout,
		log:     logger.Get("cpufreq"),
	}
}

func (s *SysfsStore) Root() string {
	return s.root
}

func (s *SysfsStore) path(core CoreID, attr Attribute) string {
	if core == GlobalCore {
		return filepath.Join(s.root, string(attr))
	}

	return filepath.Join(s.root, fmt.Sprintf("cpu%d", core), string(attr))
}

func (s *SysfsStore) Read(ctx context.Context, core CoreID, attr Attribute) (string, error) {
	var value string
	err := s.withTimeout(ctx, func() error {
		data, err := os.ReadFile(s.path(core, attr))
		if err != nil {
			return classify(err, false)
		}
		value = strings.TrimSpace(string(data))

		return nil
	})

	return value, err
}

func (s *SysfsStore) Write(ctx context.Context, core CoreID, attr Attribute, value string) error {
	return s.withTimeout(ctx, func() error {
		// sysfs attributes always exist; never create
		f, err := os.OpenFile(s.path(core, attr), os.O_WRONLY|os.O_TRUNC, 0)
		if err != nil {
			return classify(err, true)
		}

		if _, err := f.WriteString(value); err != nil {
			_ = f.Close()
			return classify(err, true)
		}

		return classify(f.Close(), true)
	})
}

func (s *SysfsStore) WriteBatch(ctx context.Context, writes []Write) []error {
	results := make([]error, len(writes))
	for i, w := range writes {
		results[i] = s.Write(ctx, w.Core, w.Attr, w.Value)
		if results[i] != nil {
			s.log.Debug().
				Int("core", int(w.Core)).
				Str("attr", string(w.Attr)).
				Str("value", w.Value).
				Err(results[i]).
				Msg("Batch write failed")
		}
	}

	return results
}

// ListCores returns every cpuN directory under the root in ascending order.
func (s *SysfsStore) ListCores(_ context.Context) ([]CoreID, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, errors.New().Wrap(ErrListCoresFailed, classify(err, false))
	}

	var cores []CoreID
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "cpu") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(name, "cpu"))
		if err != nil {
			// cpufreq, cpuidle and friends
			continue
		}
		cores = append(cores, CoreID(n))
	}

	sort.Slice(cores, func(i, j int) bool { return cores[i] < cores[j] })

	return cores, nil
}

// withTimeout bounds a blocking sysfs call. A stuck call is abandoned, not
// cancelled; the goroutine finishes whenever the kernel returns.
func (s *SysfsStore) withTimeout(ctx context.Context, fn func() error) error {
	if s.timeout <= 0 {
		return fn()
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		errFactory := errors.New()
		return errFactory.Wrap(errors.ErrIO, errFactory.Wrap(errors.ErrTimeout, ctx.Err()))
	}
}

// ReadUint reads a numeric attribute.
func ReadUint(ctx context.Context, store Store, core CoreID, attr Attribute) (uint64, error) {
	raw, err := store.Read(ctx, core, attr)
	if err != nil {
		return 0, err
	}

	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, errors.New().Wrap(ErrParseAttribute, err).WithData(fmt.Sprintf("%s=%q", attr, raw))
	}

	return v, nil
}

// FormatKHz renders a frequency the way the kernel expects it.
func FormatKHz(khz uint64) string {
	return strconv.FormatUint(khz, 10)
}
