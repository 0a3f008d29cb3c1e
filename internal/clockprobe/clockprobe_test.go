package clockprobe

import (
	"os"
	"testing"
)

func TestRealProcessProbe_SelfAlive(t *testing.T) {
	p := RealProcessProbe{}
	if !p.IsAlive(os.Getpid()) {
		t.Fatal("expected current process to be reported alive")
	}
}

func TestRealProcessProbe_ZeroOrNegative(t *testing.T) {
	p := RealProcessProbe{}
	if p.IsAlive(0) {
		t.Fatal("pid 0 should not be considered alive")
	}
	if p.IsAlive(-1) {
		t.Fatal("negative pid should not be considered alive")
	}
}

func TestRealProcessProbe_DeadPid(t *testing.T) {
	p := RealProcessProbe{}
	// A pid far beyond any plausible live process on a test machine.
	if p.IsAlive(1 << 30) {
		t.Fatal("expected implausible high pid to be reported dead")
	}
}

func TestRealClock_Now(t *testing.T) {
	c := RealClock{}
	if c.Now().IsZero() {
		t.Fatal("expected non-zero time")
	}
}
