package voice_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"github.com/brandcall/voicecore/internal/voice"
)

func TestManagerResolvesDriversLazily(t *testing.T) {
	m := voice.NewManager(" Null ", zerolog.Nop())
	var builds int32
	m.MustRegister("null", func() (voice.Provider, error) {
		atomic.AddInt32(&builds, 1)
		return voice.NewNullProvider(zerolog.Nop()), nil
	})
	m.MustRegister("twilio", func() (voice.Provider, error) {
		return voice.NewTwilioProvider(voice.TwilioConfig{}, zerolog.Nop())
	})

	if builds != 0 {
		t.Fatalf("drivers must not be built at registration")
	}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Default(); err != nil {
				t.Errorf("default: %v", err)
			}
		}()
	}
	wg.Wait()
	if got := atomic.LoadInt32(&builds); got != 1 {
		t.Fatalf("expected one build, got %d", got)
	}

	if m.DefaultName() != "null" {
		t.Fatalf("unexpected default name %q", m.DefaultName())
	}
	if names := m.Names(); len(names) != 2 || names[0] != "null" || names[1] != "twilio" {
		t.Fatalf("unexpected names %v", names)
	}
	d, err := m.Driver("TWILIO")
	if err != nil || d.Name() != voice.TwilioName {
		t.Fatalf("expected case-insensitive lookup, got %v %v", d, err)
	}
}

func TestManagerErrors(t *testing.T) {
	m := voice.NewManager("", zerolog.Nop())
	if m.DefaultName() != voice.NullName {
		t.Fatalf("expected null default, got %q", m.DefaultName())
	}
	if _, err := m.Driver("bogus"); !errors.Is(err, voice.ErrUnknownDriver) {
		t.Fatalf("expected ErrUnknownDriver, got %v", err)
	}
	if err := m.Register("", func() (voice.Provider, error) { return nil, nil }); err == nil {
		t.Fatalf("expected error for empty name")
	}
	if err := m.Register("x", nil); err == nil {
		t.Fatalf("expected error for nil factory")
	}

	boom := errors.New("boom")
	m.MustRegister("broken", func() (voice.Provider, error) { return nil, boom })
	if err := m.Register("BROKEN", func() (voice.Provider, error) { return nil, nil }); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
	for i := 0; i < 2; i++ {
		if _, err := m.Driver("broken"); !errors.Is(err, boom) {
			t.Fatalf("expected factory error to stick, got %v", err)
		}
	}

	m.MustRegister("nil", func() (voice.Provider, error) { return nil, nil })
	if _, err := m.Driver("nil"); err == nil {
		t.Fatalf("expected error for nil driver")
	}
}

// numberRecorder accepts every number except the ones listed in reject.
type numberRecorder struct {
	*voice.NullProvider
	mu     sync.Mutex
	seen   []string
	reject map[string]bool
}

func (r *numberRecorder) RegisterNumber(_ context.Context, phoneNumber string) voice.Result {
	r.mu.Lock()
	r.seen = append(r.seen, phoneNumber)
	r.mu.Unlock()
	if r.reject[phoneNumber] {
		return voice.Result{Error: "rejected", ErrorKind: voice.ErrorProvider}
	}
	return voice.Result{Success: true}
}

func TestRegisterNumbersKeepsOrder(t *testing.T) {
	driver := &numberRecorder{
		NullProvider: voice.NewNullProvider(zerolog.Nop()),
		reject:       map[string]bool{"+14155550102": true},
	}
	m := voice.NewManager("recorder", zerolog.Nop(), voice.WithConcurrency(2))
	m.MustRegister("recorder", func() (voice.Provider, error) { return driver, nil })

	input := []string{"+14155550100", "not-a-number", " +14155550101 ", "+14155550102", "+14155550103"}
	out, err := m.RegisterNumbers(context.Background(), input)
	if err != nil {
		t.Fatalf("register numbers: %v", err)
	}
	if len(out) != len(input) {
		t.Fatalf("expected %d results, got %d", len(input), len(out))
	}

	want := []struct {
		number  string
		success bool
		kind    voice.ErrorKind
	}{
		{"+14155550100", true, ""},
		{"not-a-number", false, voice.ErrorInvalidRequest},
		{"+14155550101", true, ""},
		{"+14155550102", false, voice.ErrorProvider},
		{"+14155550103", true, ""},
	}
	for i, w := range want {
		if out[i].PhoneNumber != w.number || out[i].Success != w.success || out[i].ErrorKind != w.kind {
			t.Fatalf("result %d = %+v, want %+v", i, out[i], w)
		}
	}
	if len(driver.seen) != 4 {
		t.Fatalf("invalid numbers must not reach the driver, saw %v", driver.seen)
	}
}

func TestRegisterNumbersUnknownDefault(t *testing.T) {
	m := voice.NewManager("telnyx", zerolog.Nop())
	if _, err := m.RegisterNumbers(context.Background(), []string{"+14155550100"}); !errors.Is(err, voice.ErrUnknownDriver) {
		t.Fatalf("expected ErrUnknownDriver, got %v", err)
	}
}
