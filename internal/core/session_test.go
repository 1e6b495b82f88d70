package core

import (
	"context"
	"errors"
	"testing"
	"time"
)

const acr122 = "ACS ACR122U PICC Interface"

func TestOpenSessionImmediate(t *testing.T) {
	card := NewMockCard()
	ctx := NewMockContext().WithCard(acr122, card)

	s, err := OpenSession(context.Background(), ctx.Factory(), acr122, time.Second, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("OpenSession() error = %v", err)
	}
	defer s.Close()

	if s.Reader != acr122 {
		t.Errorf("Reader = %q", s.Reader)
	}
	if len(s.ATR) == 0 {
		t.Error("ATR should be populated")
	}
	if ctx.Attempts(acr122) != 1 {
		t.Errorf("expected 1 connect attempt, got %d", ctx.Attempts(acr122))
	}
}

func TestOpenSessionPollsUntilCardArrives(t *testing.T) {
	ctx := NewMockContext().WithCardAfter(acr122, NewMockCard(), 3)

	s, err := OpenSession(context.Background(), ctx.Factory(), acr122, time.Second, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("OpenSession() error = %v", err)
	}
	defer s.Close()

	if ctx.Attempts(acr122) != 3 {
		t.Errorf("expected 3 connect attempts, got %d", ctx.Attempts(acr122))
	}
}

func TestOpenSessionTimeout(t *testing.T) {
	ctx := NewMockContext()

	start := time.Now()
	s, err := OpenSession(context.Background(), ctx.Factory(), acr122, 100*time.Millisecond, 20*time.Millisecond)
	elapsed := time.Since(start)

	if s != nil {
		t.Fatal("expected no session")
	}
	if KindOf(err) != KindTimeout {
		t.Fatalf("expected Timeout, got %v", err)
	}
	if elapsed < 100*time.Millisecond || elapsed > 100*time.Millisecond+DefaultPollInterval {
		t.Errorf("returned after %v, want about 100ms", elapsed)
	}
	if ctx.Released() != 1 {
		t.Errorf("context should be released on timeout, released %d times", ctx.Released())
	}
}

func TestOpenSessionOneSecondTimeout(t *testing.T) {
	if testing.Short() {
		t.Skip("slow")
	}
	ctx := NewMockContext()

	start := time.Now()
	_, err := OpenSession(context.Background(), ctx.Factory(), acr122, time.Second, DefaultPollInterval)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected Timeout, got %v", err)
	}
	if elapsed < time.Second || elapsed > time.Second+DefaultPollInterval {
		t.Errorf("returned after %v, want within [1s, 1s+poll interval]", elapsed)
	}
}

func TestOpenSessionCancelled(t *testing.T) {
	ctx := NewMockContext()
	cctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, err := OpenSession(cctx, ctx.Factory(), acr122, 5*time.Second, 5*time.Millisecond)
	if KindOf(err) != KindCancelled {
		t.Fatalf("expected Cancelled, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Error("cancelled error should wrap context.Canceled")
	}
}

func TestOpenSessionCancelledCardIsClosed(t *testing.T) {
	card := NewMockCard()
	ctx := NewMockContext().WithCard(acr122, card)
	cctx, cancel := context.WithCancel(context.Background())
	cancel()

	s, err := OpenSession(cctx, ctx.Factory(), acr122, time.Second, 5*time.Millisecond)
	if s != nil || KindOf(err) != KindCancelled {
		t.Fatalf("expected Cancelled with no session, got %v, %v", s, err)
	}
	if !card.Disconnected() {
		t.Error("card connected after cancellation must be disconnected")
	}
}

func TestOpenSessionRequiresReader(t *testing.T) {
	_, err := OpenSession(context.Background(), NewMockContext().Factory(), "", time.Second, 0)
	if !errors.Is(err, ErrNoReaderFound) {
		t.Errorf("expected NoReaderFound, got %v", err)
	}
}

func TestOpenSessionContextFailure(t *testing.T) {
	f := &MockContextFactory{err: errors.New("SCARD_E_NO_SERVICE")}
	_, err := OpenSession(context.Background(), f, acr122, time.Second, 0)
	if KindOf(err) != KindTransport {
		t.Errorf("expected TransportError, got %v", err)
	}
}

func TestOpenSessionStatusFailureRetries(t *testing.T) {
	card := NewMockCard()
	card.statusErr = errors.New("card removed")
	ctx := NewMockContext().WithCard(acr122, card)

	_, err := OpenSession(context.Background(), ctx.Factory(), acr122, 50*time.Millisecond, 5*time.Millisecond)
	if KindOf(err) != KindTimeout {
		t.Fatalf("expected Timeout, got %v", err)
	}
	if ctx.Attempts(acr122) < 2 {
		t.Errorf("expected retries after status failure, got %d attempts", ctx.Attempts(acr122))
	}
}

func TestSessionTransmit(t *testing.T) {
	card := NewMockCard()
	ctx := NewMockContext().WithCard(acr122, card)
	s, err := OpenSession(context.Background(), ctx.Factory(), acr122, time.Second, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	data, sw1, sw2, err := s.Transmit([]byte{0xFF, 0xCA, 0x00, 0x00, 0x00})
	if err != nil {
		t.Fatalf("Transmit() error = %v", err)
	}
	if sw1 != 0x90 || sw2 != 0x00 || len(data) != 4 {
		t.Errorf("got data %x sw %02X%02X", data, sw1, sw2)
	}

	uid, err := s.UID()
	if err != nil || uid != "932bae0e" {
		t.Errorf("UID() = %q, %v", uid, err)
	}
}

func TestSessionTransmitFailures(t *testing.T) {
	t.Run("short response", func(t *testing.T) {
		card := NewMockCard().WithResponse("ffb0", []byte{0x90})
		s, err := OpenSession(context.Background(), NewMockContext().WithCard(acr122, card).Factory(), acr122, time.Second, 0)
		if err != nil {
			t.Fatal(err)
		}
		defer s.Close()
		if _, _, _, err := s.Transmit([]byte{0xFF, 0xB0, 0x00, 0x04, 0x10}); KindOf(err) != KindTransport {
			t.Errorf("expected TransportError, got %v", err)
		}
	})
	t.Run("card error", func(t *testing.T) {
		card := NewMockCard().WithError("SCARD_W_REMOVED_CARD")
		s, err := OpenSession(context.Background(), NewMockContext().WithCard(acr122, card).Factory(), acr122, time.Second, 0)
		if err != nil {
			t.Fatal(err)
		}
		defer s.Close()
		if _, _, _, err := s.Transmit([]byte{0xFF, 0xB0, 0x00, 0x04, 0x10}); KindOf(err) != KindTransport {
			t.Errorf("expected TransportError, got %v", err)
		}
	})
}

func TestSessionClose(t *testing.T) {
	card := NewMockCard()
	ctx := NewMockContext().WithCard(acr122, card)
	s, err := OpenSession(context.Background(), ctx.Factory(), acr122, time.Second, 0)
	if err != nil {
		t.Fatal(err)
	}

	s.Close()
	s.Close()

	if !s.Closed() || !card.Disconnected() {
		t.Error("Close should disconnect the card")
	}
	if ctx.Released() != 1 {
		t.Errorf("context released %d times, want 1", ctx.Released())
	}
	if _, _, _, err := s.Transmit([]byte{0xFF, 0xCA, 0x00, 0x00, 0x00}); !errors.Is(err, ErrNoCardConnected) {
		t.Errorf("Transmit after Close = %v, want NoCardConnected", err)
	}
}

func TestNilSession(t *testing.T) {
	var s *Session
	if _, _, _, err := s.Transmit([]byte{0xFF, 0xCA, 0x00, 0x00, 0x00}); !errors.Is(err, ErrNoCardConnected) {
		t.Errorf("nil Transmit = %v, want NoCardConnected", err)
	}
	if !s.Closed() {
		t.Error("nil session should report closed")
	}
	s.Close()
}

func TestReadWriteThroughSession(t *testing.T) {
	card := NewMockCard()
	s, err := OpenSession(context.Background(), NewMockContext().WithCard(acr122, card).Factory(), acr122, time.Second, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	payload := []byte("TH-RED-100\x00\x00\x00\x00\x00\x00")
	if err := WriteBlock(s, 5, payload); err != nil {
		t.Fatalf("WriteBlock() error = %v", err)
	}
	got, err := ReadBlock(s, 5)
	if err != nil {
		t.Fatalf("ReadBlock() error = %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("read back %q, want %q", got, payload)
	}
}
