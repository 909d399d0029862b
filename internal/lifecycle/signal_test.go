package lifecycle

import (
	"errors"
	"testing"
)

func TestFulfillThenWait(t *testing.T) {
	s := New[int]()
	if s.Peek() {
		t.Fatalf("Peek() = true before Fulfill")
	}
	s.Fulfill(42)
	if !s.Peek() {
		t.Fatalf("Peek() = false after Fulfill")
	}
	v, err := s.Wait()
	if err != nil || v != 42 {
		t.Fatalf("Wait() = (%d, %v), want (42, nil)", v, err)
	}
}

func TestFailThenWait(t *testing.T) {
	s := New[string]()
	want := errors.New("nope")
	s.Fail(want)
	_, err := s.Wait()
	if !errors.Is(err, want) {
		t.Fatalf("Wait() err = %v, want %v", err, want)
	}
}

func TestOnlyFirstResolutionSticks(t *testing.T) {
	s := New[int]()
	s.Fulfill(1)
	s.Fulfill(2)
	s.Fail(errors.New("ignored"))

	v, err := s.Wait()
	if err != nil || v != 1 {
		t.Fatalf("Wait() = (%d, %v), want (1, nil)", v, err)
	}
}
