package nonce

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type fakeChain struct {
	mu    sync.Mutex
	calls int
	base  uint64
}

func (f *fakeChain) PendingNonceAt(ctx context.Context, account string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.base, nil
}

func TestWithNonce_CachesAfterFirstResolve(t *testing.T) {
	chain := &fakeChain{base: 5}
	s := NewSerializer(chain)

	var got []uint64
	for i := 0; i < 3; i++ {
		err := s.WithNonce(context.Background(), "0xAbC", func(n uint64) error {
			got = append(got, n)
			return nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	want := []uint64{5, 6, 7}
	for i, w := range want {
		if got[i] != w {
			t.Errorf("call %d: got nonce %d, want %d", i, got[i], w)
		}
	}
	if chain.calls != 1 {
		t.Errorf("expected exactly one chain round-trip, got %d", chain.calls)
	}
}

func TestWithNonce_ResyncsOnceOnNonceError(t *testing.T) {
	chain := &fakeChain{base: 10}
	s := NewSerializer(chain)

	attempts := 0
	err := s.WithNonce(context.Background(), "0xdef", func(n uint64) error {
		attempts++
		if attempts == 1 {
			return errors.New("nonce too low")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 2 {
		t.Errorf("expected exactly one retry (2 attempts), got %d", attempts)
	}
	if chain.calls != 2 {
		t.Errorf("expected a resync round-trip, got %d chain calls", chain.calls)
	}
}

func TestWithNonce_NonNonceErrorDoesNotAdvance(t *testing.T) {
	chain := &fakeChain{base: 1}
	s := NewSerializer(chain)

	err := s.WithNonce(context.Background(), "0xAAA", func(n uint64) error {
		return errors.New("insufficient funds")
	})
	if err == nil {
		t.Fatal("expected error to propagate")
	}

	var seen uint64
	_ = s.WithNonce(context.Background(), "0xAAA", func(n uint64) error {
		seen = n
		return nil
	})
	if seen != 1 {
		t.Errorf("cache should not have advanced past the failed attempt, got %d", seen)
	}
}

func TestWithNonce_AddressIsCaseInsensitive(t *testing.T) {
	chain := &fakeChain{base: 2}
	s := NewSerializer(chain)

	_ = s.WithNonce(context.Background(), "0xAbCdEf", func(n uint64) error { return nil })

	var seen uint64
	_ = s.WithNonce(context.Background(), "0xabcdef", func(n uint64) error {
		seen = n
		return nil
	})
	if seen != 3 {
		t.Errorf("expected shared lock/cache across case variants, got nonce %d", seen)
	}
}
