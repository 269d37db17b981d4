package tokenizer_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/JaimeStill/safeguard/internal/tokenizer"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func TestRoundTrip(t *testing.T) {
	tk := tokenizer.New(5 * time.Minute)
	s, err := tk.Open()
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	ids := []string{"stu-1042", "stu-2201", "Zoë Ålvarez"}
	for _, id := range ids {
		tok, err := tk.Tokenize(s.ID, id)
		if err != nil {
			t.Fatalf("tokenize %q: %v", id, err)
		}

		got, err := tk.Detokenize(s.ID, tok)
		if err != nil {
			t.Fatalf("detokenize %q: %v", tok, err)
		}
		if got != id {
			t.Errorf("round trip: got %q, want %q", got, id)
		}
	}
}

func TestTokenize_DeterministicWithinSession(t *testing.T) {
	tk := tokenizer.New(time.Minute)
	s, _ := tk.Open()

	first, _ := tk.Tokenize(s.ID, "stu-1042")
	second, _ := tk.Tokenize(s.ID, "stu-1042")
	if first != second {
		t.Errorf("got %s and %s, want identical tokens", first, second)
	}

	other, _ := tk.Tokenize(s.ID, "stu-1043")
	if other == first {
		t.Error("distinct subjects share a token")
	}
}

func TestTokenize_DiffersAcrossSessions(t *testing.T) {
	tk := tokenizer.New(time.Minute)
	a, _ := tk.Open()
	b, _ := tk.Open()

	ta, _ := tk.Tokenize(a.ID, "stu-1042")
	tb, _ := tk.Tokenize(b.ID, "stu-1042")
	if ta == tb {
		t.Errorf("sessions issued the same token %s", ta)
	}
}

func TestTokenize_Format(t *testing.T) {
	tk := tokenizer.New(time.Minute)
	s, _ := tk.Open()

	tok, _ := tk.Tokenize(s.ID, "stu-1042")
	if !tokenizer.Pattern().MatchString(string(tok)) {
		t.Errorf("token %q does not match the token pattern", tok)
	}
	if len(tok) != len(tokenizer.Prefix)+12 {
		t.Errorf("length: got %d, want %d", len(tok), len(tokenizer.Prefix)+12)
	}
}

func TestTokenize_EmptyIdentity(t *testing.T) {
	tk := tokenizer.New(time.Minute)
	s, _ := tk.Open()

	if _, err := tk.Tokenize(s.ID, "  "); !errors.Is(err, tokenizer.ErrEmptyIdentity) {
		t.Errorf("got %v, want ErrEmptyIdentity", err)
	}
}

func TestDetokenize_UnknownToken(t *testing.T) {
	tk := tokenizer.New(time.Minute)
	a, _ := tk.Open()
	b, _ := tk.Open()

	tok, _ := tk.Tokenize(a.ID, "stu-1042")
	if _, err := tk.Detokenize(b.ID, tok); !errors.Is(err, tokenizer.ErrUnknownToken) {
		t.Errorf("got %v, want ErrUnknownToken", err)
	}
}

func TestDetokenize_UnknownSession(t *testing.T) {
	tk := tokenizer.New(time.Minute)

	if _, err := tk.Detokenize(uuid.New(), "SUBJ-AAAAAAAAAAAA"); !errors.Is(err, tokenizer.ErrUnknownSession) {
		t.Errorf("got %v, want ErrUnknownSession", err)
	}
}

func TestSession_Expiry(t *testing.T) {
	c := newClock()
	tk := tokenizer.New(time.Minute, tokenizer.WithClock(c.Now))
	s, _ := tk.Open()
	tok, _ := tk.Tokenize(s.ID, "stu-1042")

	c.Advance(time.Minute)

	if _, err := tk.Detokenize(s.ID, tok); !errors.Is(err, tokenizer.ErrSessionExpired) {
		t.Errorf("detokenize: got %v, want ErrSessionExpired", err)
	}
	if _, err := tk.Tokenize(s.ID, "stu-1042"); !errors.Is(err, tokenizer.ErrSessionExpired) {
		t.Errorf("tokenize: got %v, want ErrSessionExpired", err)
	}
}

func TestClose(t *testing.T) {
	tk := tokenizer.New(time.Minute)
	s, _ := tk.Open()
	tok, _ := tk.Tokenize(s.ID, "stu-1042")

	tk.Close(s.ID)

	if _, err := tk.Detokenize(s.ID, tok); !errors.Is(err, tokenizer.ErrSessionExpired) {
		t.Errorf("got %v, want ErrSessionExpired", err)
	}
	if got := tk.Active(); got != 0 {
		t.Errorf("active: got %d, want 0", got)
	}
}

func TestSweep(t *testing.T) {
	c := newClock()
	tk := tokenizer.New(time.Minute, tokenizer.WithClock(c.Now))
	expiring, _ := tk.Open()
	c.Advance(30 * time.Second)
	fresh, _ := tk.Open()

	c.Advance(30 * time.Second)
	if got := tk.Sweep(); got != 1 {
		t.Errorf("first sweep: got %d, want 1", got)
	}
	if _, err := tk.Detokenize(expiring.ID, "SUBJ-AAAAAAAAAAAA"); !errors.Is(err, tokenizer.ErrSessionExpired) {
		t.Errorf("tombstone: got %v, want ErrSessionExpired", err)
	}
	if got := tk.Active(); got != 1 {
		t.Errorf("active: got %d, want 1", got)
	}

	c.Advance(time.Minute)
	tk.Sweep()
	if _, err := tk.Detokenize(expiring.ID, "SUBJ-AAAAAAAAAAAA"); !errors.Is(err, tokenizer.ErrUnknownSession) {
		t.Errorf("after tombstone drop: got %v, want ErrUnknownSession", err)
	}
	if _, err := tk.Detokenize(fresh.ID, "SUBJ-AAAAAAAAAAAA"); !errors.Is(err, tokenizer.ErrSessionExpired) {
		t.Errorf("fresh session: got %v, want ErrSessionExpired", err)
	}
}

func TestIssuedAndExposesIdentity(t *testing.T) {
	tk := tokenizer.New(time.Minute)
	s, _ := tk.Open()
	tok, _ := tk.Tokenize(s.ID, "stu-1042")

	issued, err := tk.Issued(s.ID)
	if err != nil {
		t.Fatalf("issued: %v", err)
	}
	if _, ok := issued[tok]; !ok || len(issued) != 1 {
		t.Errorf("issued: got %v, want only %s", issued, tok)
	}

	exposed, _ := tk.ExposesIdentity(s.ID, "Follow up with "+string(tok)+" tomorrow.")
	if exposed {
		t.Error("token text reported as identity exposure")
	}

	exposed, _ = tk.ExposesIdentity(s.ID, "Follow up with stu-1042 tomorrow.")
	if !exposed {
		t.Error("verbatim identifier not detected")
	}
}

func TestSuspectPattern(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"SUBJ-ABCDEFGHIJKL", true},
		{"subj-abcdefghijkl", true},
		{"SUBJ_7F3K", true},
		{"the subjects were calm", false},
		{"subject matter", false},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			if got := tokenizer.SuspectPattern().MatchString(tt.text); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConcurrentSessions(t *testing.T) {
	tk := tokenizer.New(time.Minute)

	var wg sync.WaitGroup
	for range 16 {
		wg.Go(func() {
			s, err := tk.Open()
			if err != nil {
				t.Errorf("open: %v", err)
				return
			}
			defer tk.Close(s.ID)

			tok, err := tk.Tokenize(s.ID, "stu-1042")
			if err != nil {
				t.Errorf("tokenize: %v", err)
				return
			}
			if got, _ := tk.Detokenize(s.ID, tok); got != "stu-1042" {
				t.Errorf("got %q, want stu-1042", got)
			}
		})
	}
	wg.Wait()

	if got := tk.Active(); got != 0 {
		t.Errorf("active: got %d, want 0", got)
	}
}
