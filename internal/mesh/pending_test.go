package mesh

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestRegistry_DuplicateRegistration(t *testing.T) {
	r := NewRegistry()

	if _, err := r.Register(42, KindAckNak); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	_, err := r.Register(42, KindAckNak)
	if !errors.Is(err, ErrDuplicateRequest) {
		t.Errorf("second Register() error = %v, want ErrDuplicateRequest", err)
	}
}

func TestRegistry_ReRegisterAfterResolution(t *testing.T) {
	r := NewRegistry()

	h, err := r.Register(42, KindAckNak)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	r.Cancel(h)

	if _, err := r.Register(42, KindAckNak); err != nil {
		t.Errorf("Register() after cancel error = %v, want nil", err)
	}
}

func TestRegistry_DeliverWithoutEntry(t *testing.T) {
	r := NewRegistry()

	delivered := r.Deliver(Envelope{RequestID: 99, Kind: KindAckNak})
	if delivered {
		t.Error("Deliver() = true for untracked id, want false")
	}
}

func TestRegistry_DeliverKindMismatch(t *testing.T) {
	r := NewRegistry()

	if _, err := r.Register(42, KindAckNak); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	delivered := r.Deliver(Envelope{RequestID: 42, Kind: KindAdminResponse})
	if delivered {
		t.Error("Deliver() = true for mismatched kind, want false")
	}
	if r.PendingCount() != 1 {
		t.Errorf("PendingCount() = %d, want 1 (entry must survive mismatch)", r.PendingCount())
	}
}

func TestRegistry_DeliverThenWait(t *testing.T) {
	r := NewRegistry()

	h, err := r.Register(7, KindAdminResponse)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	want := Envelope{
		RequestID: 7,
		From:      0x10,
		Kind:      KindAdminResponse,
		Payload:   []byte(`{"role":"router"}`),
	}
	if !r.Deliver(want) {
		t.Fatal("Deliver() = false, want true")
	}

	env, err := r.Wait(h, time.Second)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if env.RequestID != 7 || env.From != 0x10 {
		t.Errorf("Wait() = %+v, want delivered envelope", env)
	}

	// The entry is terminal; a second frame for the same id is a no-op.
	if r.Deliver(want) {
		t.Error("Deliver() after fulfilment = true, want false")
	}
}

func TestRegistry_WaitTimeout(t *testing.T) {
	r := NewRegistry()

	h, err := r.Register(42, KindAckNak)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	start := time.Now()
	_, err = r.Wait(h, 50*time.Millisecond)
	if !errors.Is(err, ErrResponseTimeout) {
		t.Fatalf("Wait() error = %v, want ErrResponseTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("Wait() returned after %v, want >= 50ms", elapsed)
	}

	// Timeout removed the entry: a late frame is silently dropped.
	if r.Deliver(Envelope{RequestID: 42, Kind: KindAckNak}) {
		t.Error("Deliver() after timeout = true, want false")
	}
	if r.PendingCount() != 0 {
		t.Errorf("PendingCount() = %d, want 0", r.PendingCount())
	}
}

// TestRegistry_DeliverTimeoutRace hammers the deliver/timeout race and
// verifies exactly one terminal state wins each round.
func TestRegistry_DeliverTimeoutRace(t *testing.T) {
	r := NewRegistry()

	for i := uint32(1); i <= 200; i++ {
		h, err := r.Register(i, KindAckNak)
		if err != nil {
			t.Fatalf("Register(%d) error = %v", i, err)
		}

		var wg sync.WaitGroup
		var delivered bool
		wg.Add(1)
		go func() {
			defer wg.Done()
			delivered = r.Deliver(Envelope{RequestID: i, Kind: KindAckNak})
		}()

		_, waitErr := r.Wait(h, time.Microsecond)
		wg.Wait()

		if delivered && waitErr != nil {
			t.Fatalf("id %d: Deliver() won but Wait() error = %v", i, waitErr)
		}
		if !delivered && waitErr == nil {
			t.Fatalf("id %d: Deliver() lost but Wait() succeeded", i)
		}
		if r.PendingCount() != 0 {
			t.Fatalf("id %d: PendingCount() = %d, want 0", i, r.PendingCount())
		}
	}
}

func TestRegistry_CancelIdempotent(t *testing.T) {
	r := NewRegistry()

	h, err := r.Register(42, KindAckNak)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	r.Cancel(h)
	r.Cancel(h)

	if r.PendingCount() != 0 {
		t.Errorf("PendingCount() = %d, want 0", r.PendingCount())
	}
}

// TestRegistry_FailAll verifies that ending the session resolves every
// pending wait instead of leaving it blocked.
func TestRegistry_FailAll(t *testing.T) {
	r := NewRegistry()

	h1, err := r.Register(1, KindAckNak)
	if err != nil {
		t.Fatalf("Register(1) error = %v", err)
	}
	h2, err := r.Register(2, KindAdminResponse)
	if err != nil {
		t.Fatalf("Register(2) error = %v", err)
	}

	errs := make(chan error, 2)
	go func() {
		_, err := r.Wait(h1, 10*time.Second)
		errs <- err
	}()
	go func() {
		_, err := r.Wait(h2, 10*time.Second)
		errs <- err
	}()

	// Give the waiters a moment to block.
	time.Sleep(20 * time.Millisecond)
	r.FailAll()

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			if !errors.Is(err, ErrTransportClosed) {
				t.Errorf("Wait() error = %v, want ErrTransportClosed", err)
			}
		case <-time.After(time.Second):
			t.Fatal("Wait() did not resolve after FailAll()")
		}
	}

	// New registrations are rejected once the session is over.
	if _, err := r.Register(3, KindAckNak); !errors.Is(err, ErrTransportClosed) {
		t.Errorf("Register() after FailAll() error = %v, want ErrTransportClosed", err)
	}
}
