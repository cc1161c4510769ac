package voice

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/brandcall/voicecore/internal/util"
)

// ErrUnknownDriver is returned when no factory is registered under a name.
var ErrUnknownDriver = errors.New("voice: unknown driver")

// Factory builds a driver on first use.
type Factory func() (Provider, error)

type registration struct {
	factory Factory
	once    sync.Once
	driver  Provider
	err     error
}

// ManagerOption customises a Manager.
type ManagerOption func(*Manager)

// WithConcurrency bounds RegisterNumbers fan-out.
func WithConcurrency(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.concurrency = n
		}
	}
}

// Manager resolves drivers by name and exposes the configured default.
type Manager struct {
	mu          sync.RWMutex
	items       map[string]*registration
	defaultName string
	concurrency int
	logger      zerolog.Logger
}

// NewManager creates an empty registry whose default driver is defaultName.
func NewManager(defaultName string, logger zerolog.Logger, opts ...ManagerOption) *Manager {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	m := &Manager{
		items:       map[string]*registration{},
		defaultName: normalizeName(defaultName),
		concurrency: 4,
		logger:      logger.With().Str("component", "voice_manager").Logger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if m.defaultName == "" {
		m.defaultName = NullName
	}
	return m
}

// Register adds a driver factory. Names are case-insensitive.
func (m *Manager) Register(name string, factory Factory) error {
	normalized := normalizeName(name)
	if normalized == "" {
		return errors.New("voice: driver name is required")
	}
	if factory == nil {
		return fmt.Errorf("voice: driver %s: factory is required", normalized)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.items[normalized]; exists {
		return fmt.Errorf("voice: driver already registered: %s", normalized)
	}
	m.items[normalized] = &registration{factory: factory}
	return nil
}

func (m *Manager) MustRegister(name string, factory Factory) {
	if err := m.Register(name, factory); err != nil {
		panic(err)
	}
}

// Driver returns the named driver, constructing it on first use.
func (m *Manager) Driver(name string) (Provider, error) {
	normalized := normalizeName(name)
	m.mu.RLock()
	reg, ok := m.items[normalized]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, name)
	}
	reg.once.Do(func() {
		reg.driver, reg.err = reg.factory()
		if reg.err == nil && reg.driver == nil {
			reg.err = fmt.Errorf("voice: driver %s: factory returned nil", normalized)
		}
		if reg.err != nil {
			m.logger.Error().Err(reg.err).Str("driver", normalized).Msg("driver initialisation failed")
			return
		}
		m.logger.Info().
			Str("driver", normalized).
			Bool("configured", reg.driver.IsConfigured()).
			Msg("voice driver initialised")
	})
	return reg.driver, reg.err
}

// Default returns the configured default driver.
func (m *Manager) Default() (Provider, error) {
	return m.Driver(m.defaultName)
}

// DefaultName is the configured default driver name.
func (m *Manager) DefaultName() string { return m.defaultName }

// Names lists registered drivers, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.items))
	for name := range m.items {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NumberRegistration pairs a number with its registration outcome.
type NumberRegistration struct {
	PhoneNumber string `json:"phone_number"`
	Result
}

// RegisterNumbers registers numbers with the default driver, a bounded
// number at a time. Results keep the input order.
func (m *Manager) RegisterNumbers(ctx context.Context, numbers []string) ([]NumberRegistration, error) {
	driver, err := m.Default()
	if err != nil {
		return nil, err
	}

	out := make([]NumberRegistration, len(numbers))
	sem := semaphore.NewWeighted(int64(m.concurrency))
	var wg sync.WaitGroup

	for i, raw := range numbers {
		number, err := util.NormalizeE164(raw)
		if err != nil {
			out[i] = NumberRegistration{PhoneNumber: raw, Result: Result{Error: err.Error(), ErrorKind: ErrorInvalidRequest}}
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			for j := i; j < len(numbers); j++ {
				if out[j].PhoneNumber == "" {
					out[j] = NumberRegistration{PhoneNumber: numbers[j], Result: failed(err)}
				}
			}
			break
		}
		wg.Add(1)
		go func(i int, number string) {
			defer wg.Done()
			defer sem.Release(1)
			out[i] = NumberRegistration{PhoneNumber: number, Result: driver.RegisterNumber(ctx, number)}
		}(i, number)
	}
	wg.Wait()

	failures := 0
	for _, r := range out {
		if !r.Success {
			failures++
		}
	}
	m.logger.Info().
		Str("driver", driver.Name()).
		Int("total", len(numbers)).
		Int("failed", failures).
		Msg("bulk number registration finished")
	return out, nil
}

func normalizeName(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}
