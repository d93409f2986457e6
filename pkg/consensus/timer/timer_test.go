package timer

import (
	"testing"
	"time"
)

func waitKey(t *testing.T, tm *Timer, within time.Duration) (Key, bool) {
	t.Helper()
	select {
	case k := <-tm.C():
		return k, true
	case <-time.After(within):
		return Key{}, false
	}
}

func TestChangeFires(t *testing.T) {
	tm := New()
	want := Key{Height: 5, View: 1}
	tm.Change(want, 10*time.Millisecond)
	got, ok := waitKey(t, tm, time.Second)
	if !ok || got != want {
		t.Fatalf("got %v (fired=%v), want %v", got, ok, want)
	}
	if _, active := tm.Key(); active {
		t.Fatal("timer still active after firing")
	}
}

func TestChangeCancelsPrevious(t *testing.T) {
	tm := New()
	tm.Change(Key{Height: 1, View: 0}, 20*time.Millisecond)
	tm.Change(Key{Height: 1, View: 1}, 40*time.Millisecond)

	got, ok := waitKey(t, tm, time.Second)
	if !ok || got.View != 1 {
		t.Fatalf("got %v, want view 1", got)
	}
	if k, ok := waitKey(t, tm, 80*time.Millisecond); ok {
		t.Fatalf("replaced timer fired as %v", k)
	}
}

func TestExtendKeepsRemaining(t *testing.T) {
	tm := New()
	key := Key{Height: 2}
	tm.Change(key, 50*time.Millisecond)
	if tm.Extend(Key{Height: 3}, time.Second) {
		t.Fatal("extended a key that is not live")
	}
	if !tm.Extend(key, 200*time.Millisecond) {
		t.Fatal("extend of live key failed")
	}
	if r := tm.Remaining(); r <= 200*time.Millisecond || r > 250*time.Millisecond {
		t.Fatalf("remaining %v, want between 200ms and 250ms", r)
	}
	if _, ok := waitKey(t, tm, 100*time.Millisecond); ok {
		t.Fatal("fired before the extended deadline")
	}
	if _, ok := waitKey(t, tm, time.Second); !ok {
		t.Fatal("extended timer never fired")
	}
}

func TestStop(t *testing.T) {
	tm := New()
	tm.Change(Key{Height: 9}, 10*time.Millisecond)
	tm.Stop()
	if _, ok := waitKey(t, tm, 50*time.Millisecond); ok {
		t.Fatal("stopped timer fired")
	}
	if tm.Remaining() != 0 {
		t.Fatal("stopped timer has remaining time")
	}
	if tm.Extend(Key{Height: 9}, time.Second) {
		t.Fatal("stopped timer extended")
	}
}
