package serial

import (
	"context"
	"errors"
	"testing"
	"time"
)

type memStore struct {
	data map[string]string
	err  error
}

func (m *memStore) SetNX(_ context.Context, key string, value []byte, _ time.Duration) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	if _, ok := m.data[key]; ok {
		return false, nil
	}
	m.data[key] = string(value)
	return true, nil
}

func (m *memStore) DelIfValue(_ context.Context, key string, value []byte) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	if v, ok := m.data[key]; !ok || v != string(value) {
		return false, nil
	}
	delete(m.data, key)
	return true, nil
}

func TestClaim_SecondLoses(t *testing.T) {
	s := &memStore{data: map[string]string{}}
	r := New(s, "cardex:", time.Minute)
	ctx := context.Background()

	ok, err := r.Claim(ctx, "SN-1", "card-a")
	if err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}
	ok, err = r.Claim(ctx, "SN-1", "card-b")
	if err != nil || ok {
		t.Fatalf("second claim: ok=%v err=%v", ok, err)
	}
	if s.data["cardex:serial:SN-1"] != "card-a" {
		t.Errorf("owner = %q", s.data["cardex:serial:SN-1"])
	}
}

func TestRelease_AllowsReclaim(t *testing.T) {
	s := &memStore{data: map[string]string{}}
	r := New(s, "cardex:", 0)
	ctx := context.Background()

	if _, err := r.Claim(ctx, "SN-1", "a"); err != nil {
		t.Fatal(err)
	}
	if err := r.Release(ctx, map[string]string{"SN-1": "a"}); err != nil {
		t.Fatalf("Release: %v", err)
	}
	ok, err := r.Claim(ctx, "SN-1", "b")
	if err != nil || !ok {
		t.Fatalf("reclaim: ok=%v err=%v", ok, err)
	}
	if r.ttl != DefaultTTL {
		t.Errorf("ttl = %v, want default", r.ttl)
	}
}

func TestClaim_StoreError(t *testing.T) {
	boom := errors.New("boom")
	r := New(&memStore{err: boom}, "cardex:", time.Minute)

	_, err := r.Claim(context.Background(), "SN-1", "a")
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}

func TestRelease_Empty(t *testing.T) {
	r := New(&memStore{err: errors.New("must not be called")}, "cardex:", time.Minute)
	if err := r.Release(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
}

func TestRelease_KeepsClaimTakenAfterExpiry(t *testing.T) {
	s := &memStore{data: map[string]string{}}
	r := New(s, "cardex:", time.Minute)
	ctx := context.Background()

	if _, err := r.Claim(ctx, "SN-1", "card-a"); err != nil {
		t.Fatal(err)
	}
	// card-a's claim expires and card-b takes the serial.
	delete(s.data, "cardex:serial:SN-1")
	if ok, err := r.Claim(ctx, "SN-1", "card-b"); err != nil || !ok {
		t.Fatalf("card-b claim: ok=%v err=%v", ok, err)
	}

	if err := r.Release(ctx, map[string]string{"SN-1": "card-a"}); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if s.data["cardex:serial:SN-1"] != "card-b" {
		t.Errorf("card-b claim was dropped: %v", s.data)
	}
}

func TestRelease_JoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	r := New(&memStore{err: boom}, "cardex:", time.Minute)

	err := r.Release(context.Background(), map[string]string{"SN-1": "a", "SN-2": "b"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}
