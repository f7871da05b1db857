package scrollbridge

import (
	"sync"
	"testing"
	"time"

	"github.com/g960059/muxpane/internal/config"
	"github.com/g960059/muxpane/internal/model"
)

type fakeSender struct {
	mu    sync.Mutex
	state model.ConnState
	sent  []string
}

func newFakeSender(state model.ConnState) *fakeSender {
	return &fakeSender{state: state}
}

func (f *fakeSender) State() model.ConnState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSender) SendInput(data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, string(data))
}

func (f *fakeSender) sentSeq() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	copy(out, f.sent)
	return out
}

func testConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.CopyModeIdleExit = 60 * time.Millisecond
	return cfg
}

func TestSingleEnterForConsecutiveUpScrolls(t *testing.T) {
	sender := newFakeSender(model.ConnConnected)
	bridge := New(sender, testConfig())

	for i := 0; i < 3; i++ {
		bridge.Wheel(-120)
	}

	want := []string{copyModeEnter, scrollUpStep, scrollUpStep, scrollUpStep}
	got := sender.sentSeq()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sequence mismatch at %d: expected %v, got %v", i, want, got)
		}
	}
	if !bridge.InCopyMode() {
		t.Fatalf("expected bridge to remain in copy mode")
	}
}

func TestDownScrollThresholdExitsInsteadOfStepping(t *testing.T) {
	sender := newFakeSender(model.ConnConnected)
	bridge := New(sender, testConfig()) // threshold 3

	bridge.Wheel(120)
	bridge.Wheel(120)
	bridge.Wheel(120)

	want := []string{copyModeEnter, scrollDownStep, scrollDownStep, copyModeExit}
	got := sender.sentSeq()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sequence mismatch at %d: expected %v, got %v", i, want, got)
		}
	}
	if bridge.InCopyMode() {
		t.Fatalf("expected bridge to have exited copy mode")
	}
}

func TestUpScrollResetsDownCounter(t *testing.T) {
	sender := newFakeSender(model.ConnConnected)
	bridge := New(sender, testConfig())

	bridge.Wheel(120)
	bridge.Wheel(120)
	bridge.Wheel(-120) // resets the down counter
	bridge.Wheel(120)
	bridge.Wheel(120)

	got := sender.sentSeq()
	for _, seq := range got {
		if seq == copyModeExit {
			t.Fatalf("unexpected exit after counter reset: %v", got)
		}
	}
	if !bridge.InCopyMode() {
		t.Fatalf("expected bridge to remain in copy mode")
	}
}

func TestIdleExpirySendsExit(t *testing.T) {
	sender := newFakeSender(model.ConnConnected)
	bridge := New(sender, testConfig())

	bridge.Wheel(-120)
	deadline := time.After(time.Second)
	for {
		seq := sender.sentSeq()
		if len(seq) > 0 && seq[len(seq)-1] == copyModeExit {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("idle expiry never sent exit byte, sent: %v", seq)
		case <-time.After(10 * time.Millisecond):
		}
	}
	if bridge.InCopyMode() {
		t.Fatalf("expected copy mode cleared after idle expiry")
	}
}

func TestResetClearsStateWithoutExitByte(t *testing.T) {
	sender := newFakeSender(model.ConnConnected)
	bridge := New(sender, testConfig())

	bridge.Wheel(-120)
	bridge.Reset()
	if bridge.InCopyMode() {
		t.Fatalf("expected copy mode cleared by reset")
	}
	for _, seq := range sender.sentSeq() {
		if seq == copyModeExit {
			t.Fatalf("reset must not send the exit byte, sent: %v", sender.sentSeq())
		}
	}
	// Next gesture re-enters copy mode with a fresh enter sequence.
	bridge.Wheel(-120)
	seq := sender.sentSeq()
	if seq[len(seq)-2] != copyModeEnter || seq[len(seq)-1] != scrollUpStep {
		t.Fatalf("expected re-entry after reset, sent: %v", seq)
	}
}

func TestGesturesIgnoredWhileNotConnected(t *testing.T) {
	sender := newFakeSender(model.ConnConnecting)
	bridge := New(sender, testConfig())

	bridge.Wheel(-120)
	bridge.TouchScroll(-200)
	if len(sender.sentSeq()) != 0 {
		t.Fatalf("expected no bytes while connecting, sent: %v", sender.sentSeq())
	}
	if bridge.InCopyMode() {
		t.Fatalf("copy mode state must not change while not connected")
	}
}

func TestTouchScrollBelowThresholdIsNoOp(t *testing.T) {
	sender := newFakeSender(model.ConnConnected)
	bridge := New(sender, testConfig()) // threshold 50px

	bridge.TouchScroll(-49)
	if len(sender.sentSeq()) != 0 {
		t.Fatalf("expected no dispatch below threshold, sent: %v", sender.sentSeq())
	}
	bridge.TouchScroll(-1)
	want := []string{copyModeEnter, scrollUpStep}
	got := sender.sentSeq()
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("expected %v once threshold crossed, got %v", want, got)
	}
}

func TestTouchScrollDispatchesOneStepPerThreshold(t *testing.T) {
	sender := newFakeSender(model.ConnConnected)
	bridge := New(sender, testConfig())

	bridge.TouchScroll(-120) // two full thresholds up, 20px remainder
	want := []string{copyModeEnter, scrollUpStep, scrollUpStep}
	got := sender.sentSeq()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sequence mismatch at %d: expected %v, got %v", i, want, got)
		}
	}
}

func TestStopSuppressesPendingIdleExit(t *testing.T) {
	sender := newFakeSender(model.ConnConnected)
	bridge := New(sender, testConfig())

	bridge.Wheel(-120)
	bridge.Stop()
	time.Sleep(2 * testConfig().CopyModeIdleExit)
	for _, seq := range sender.sentSeq() {
		if seq == copyModeExit {
			t.Fatalf("stopped bridge must not fire idle exit, sent: %v", sender.sentSeq())
		}
	}
}
