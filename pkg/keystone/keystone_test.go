package keystone

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/forest6511/keystone/pkg/audit"
	"github.com/forest6511/keystone/pkg/crypto"
	"github.com/forest6511/keystone/pkg/factor"
	"github.com/forest6511/keystone/pkg/storage"
)

// testKDF keeps Argon2id fast in tests.
var testKDF = crypto.Params{Time: 1, Memory: 1024, Threads: 1}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func testHintKey() []byte {
	return bytes.Repeat([]byte{0x42}, crypto.KeyLength)
}

func newTestRegistry(t *testing.T, opts Options) (*Registry, *testClock) {
	t.Helper()
	clock := newTestClock()
	if opts.KDF == (crypto.Params{}) {
		opts.KDF = testKDF
	}
	if opts.HintKey == nil {
		opts.HintKey = testHintKey()
	}
	opts.Now = clock.Now
	r, err := New(storage.NewMemoryStore(), opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return r, clock
}

func testFactors(t *testing.T) ([]FactorInput, string) {
	t.Helper()
	phrase, err := factor.GeneratePhrase()
	if err != nil {
		t.Fatal(err)
	}
	return []FactorInput{
		{Kind: factor.Image, Value: "ocean-03", Weight: 2},
		{Kind: factor.Question(1), Value: "Paris", Weight: 1},
		{Kind: factor.Question(2), Value: "Rex", Weight: 1},
		{Kind: factor.Question(3), Value: "blue", Weight: 1},
		{Kind: factor.Question(4), Value: "Main Street", Weight: 1},
		{Kind: factor.Phrase, Value: phrase},
	}, phrase
}

func enroll(t *testing.T, r *Registry, userID string) (*Enrollment, string) {
	t.Helper()
	factors, phrase := testFactors(t)
	e, err := r.Enroll(context.Background(), userID, factors, 3)
	if err != nil {
		t.Fatalf("Enroll() error = %v", err)
	}
	return e, phrase
}

func TestEnroll(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})
	e, _ := enroll(t, r, "alice")

	if len(e.MasterKey) != crypto.KeyLength {
		t.Errorf("MasterKey length = %d, want %d", len(e.MasterKey), crypto.KeyLength)
	}
	rec := e.Record
	if len(rec.Factors) != 6 {
		t.Errorf("Factors = %d, want 6", len(rec.Factors))
	}
	if len(rec.KeySlots) != 9 {
		t.Errorf("KeySlots = %d, want 9", len(rec.KeySlots))
	}
	if rec.ImageHint == nil {
		t.Error("ImageHint should be set when an image is enrolled")
	}
	if rec.KDF != testKDF {
		t.Errorf("KDF = %+v, want %+v", rec.KDF, testKDF)
	}

	phrase, ok := rec.Factor(factor.Phrase)
	if !ok || phrase.Weight != 3 {
		t.Errorf("phrase weight = %d, want threshold 3", phrase.Weight)
	}

	wantOrder := []factor.Kind{factor.Image, factor.Question(1), factor.Question(2), factor.Question(3), factor.Question(4), factor.Phrase}
	for i, f := range rec.Factors {
		if f.Kind != wantOrder[i] {
			t.Fatalf("Factors[%d].Kind = %s, want %s", i, f.Kind, wantOrder[i])
		}
	}
}

func TestRecordHoldsNoSecrets(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})
	e, phrase := enroll(t, r, "alice")

	data, err := json.Marshal(e.Record)
	if err != nil {
		t.Fatal(err)
	}
	for _, secret := range []string{"ocean-03", "paris", "Paris", "Main Street", strings.Fields(phrase)[0] + " "} {
		if bytes.Contains(data, []byte(secret)) {
			t.Errorf("record contains %q", secret)
		}
	}
	if bytes.Contains(data, e.MasterKey) {
		t.Error("record contains the master key")
	}
}

func TestSameAnswerDifferentUsers(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})
	a, _ := enroll(t, r, "alice")
	b, _ := enroll(t, r, "bob")

	fa, _ := a.Record.Factor(factor.Question(1))
	fb, _ := b.Record.Factor(factor.Question(1))
	if bytes.Equal(fa.Salt, fb.Salt) {
		t.Error("salts must be unique per user")
	}
	if bytes.Equal(fa.Commitment, fb.Commitment) {
		t.Error("identical answers must not produce identical commitments")
	}
}

func TestEnrollValidation(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})
	phrase, err := factor.GeneratePhrase()
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		userID    string
		factors   []FactorInput
		threshold int
	}{
		{"empty user", "", []FactorInput{{Kind: factor.Phrase, Value: phrase}}, 3},
		{"no factors", "u", nil, 3},
		{"zero threshold", "u", []FactorInput{{Kind: factor.Phrase, Value: phrase}}, 0},
		{"unknown kind", "u", []FactorInput{{Kind: "pin", Value: "1234", Weight: 3}}, 3},
		{"blank answer", "u", []FactorInput{{Kind: factor.Question(1), Value: "  ", Weight: 3}}, 3},
		{"bad phrase", "u", []FactorInput{{Kind: factor.Phrase, Value: "one two three"}}, 3},
		{"phrase weight", "u", []FactorInput{{Kind: factor.Phrase, Value: phrase, Weight: 2}}, 3},
		{"image not in gallery", "u", []FactorInput{
			{Kind: factor.Image, Value: "nope-01", Weight: 1},
			{Kind: factor.Phrase, Value: phrase},
		}, 3},
		{"image bypass", "u", []FactorInput{
			{Kind: factor.Image, Value: "ocean-01", Weight: 3},
			{Kind: factor.Phrase, Value: phrase},
		}, 3},
		{"duplicate kind", "u", []FactorInput{
			{Kind: factor.Question(1), Value: "a", Weight: 2},
			{Kind: factor.Question(1), Value: "b", Weight: 2},
		}, 3},
		{"unreachable threshold", "u", []FactorInput{
			{Kind: factor.Question(1), Value: "a", Weight: 1},
			{Kind: factor.Question(2), Value: "b", Weight: 1},
		}, 3},
		{"zero weight", "u", []FactorInput{
			{Kind: factor.Question(1), Value: "a", Weight: 0},
			{Kind: factor.Phrase, Value: phrase},
		}, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Enroll(context.Background(), tt.userID, tt.factors, tt.threshold)
			if !errors.Is(err, ErrInvalidInput) {
				t.Errorf("Enroll() error = %v, want ErrInvalidInput", err)
			}
		})
	}

	if _, err := r.Record(context.Background(), "u"); !errors.Is(err, ErrNotEnrolled) {
		t.Errorf("failed enrollment must not persist a record, got %v", err)
	}
}

func TestEnrollBypassAllowed(t *testing.T) {
	r, _ := newTestRegistry(t, Options{AllowKeystoneBypass: true})
	_, err := r.Enroll(context.Background(), "u", []FactorInput{
		{Kind: factor.Image, Value: "ocean-01", Weight: 3},
		{Kind: factor.Question(1), Value: "a", Weight: 1},
	}, 3)
	if err != nil {
		t.Fatalf("Enroll() with bypass allowed error = %v", err)
	}
}

func TestEnrollRequiredKinds(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})
	factors, _ := testFactors(t)
	e, err := r.Enroll(context.Background(), "u", factors, 3, WithRequired(factor.Image))
	if err != nil {
		t.Fatalf("Enroll() error = %v", err)
	}
	// phrase alone, plus image with any one question
	if len(e.Record.KeySlots) != 5 {
		t.Errorf("KeySlots = %d, want 5", len(e.Record.KeySlots))
	}
}

func TestEnrollWithoutHintKey(t *testing.T) {
	r, err := New(storage.NewMemoryStore(), Options{KDF: testKDF})
	if err != nil {
		t.Fatal(err)
	}
	factors, _ := testFactors(t)
	if _, err := r.Enroll(context.Background(), "u", factors, 3); !errors.Is(err, ErrNoHintKey) {
		t.Errorf("Enroll() error = %v, want ErrNoHintKey", err)
	}

	phrase, _ := factor.GeneratePhrase()
	_, err = r.Enroll(context.Background(), "u", []FactorInput{
		{Kind: factor.Question(1), Value: "a", Weight: 2},
		{Kind: factor.Question(2), Value: "b", Weight: 2},
		{Kind: factor.Phrase, Value: phrase},
	}, 3)
	if err != nil {
		t.Errorf("Enroll() without image error = %v", err)
	}
}

func TestEnrollDuplicateAndRevoke(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})
	enroll(t, r, "alice")

	factors, _ := testFactors(t)
	if _, err := r.Enroll(context.Background(), "alice", factors, 3); !errors.Is(err, ErrDuplicateEnrollment) {
		t.Fatalf("second Enroll() error = %v, want ErrDuplicateEnrollment", err)
	}

	if err := r.Revoke(context.Background(), "alice"); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	if err := r.Revoke(context.Background(), "alice"); !errors.Is(err, ErrNotEnrolled) {
		t.Errorf("second Revoke() error = %v, want ErrNotEnrolled", err)
	}
	enroll(t, r, "alice")
}

func TestEnrollWithMasterKey(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})
	key := bytes.Repeat([]byte{7}, crypto.KeyLength)
	factors, _ := testFactors(t)

	e, err := r.Enroll(context.Background(), "u", factors, 3, WithMasterKey(key))
	if err != nil {
		t.Fatalf("Enroll() error = %v", err)
	}
	if !bytes.Equal(e.MasterKey, key) {
		t.Error("Enroll() should wrap the supplied master key")
	}

	if _, err := r.Enroll(context.Background(), "v", factors, 3, WithMasterKey([]byte("short"))); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("Enroll(short key) error = %v, want ErrInvalidInput", err)
	}
}

func TestVerifyFactor(t *testing.T) {
	r, _ := newTestRegistry(t, Options{Lockout: LockoutConfig{
		Image:    KindLimit{MaxAttempts: 5, Window: time.Hour},
		Question: KindLimit{MaxAttempts: 3, Window: time.Hour},
		Phrase:   KindLimit{MaxAttempts: 5, Window: time.Hour},
	}})
	_, phrase := enroll(t, r, "alice")
	ctx := context.Background()

	tests := []struct {
		name   string
		kind   factor.Kind
		value  string
		accept bool
		weight int
	}{
		{"image", factor.Image, "ocean-03", true, 2},
		{"wrong image", factor.Image, "ocean-04", false, 0},
		{"answer", factor.Question(1), "Paris", true, 1},
		{"answer normalized", factor.Question(1), "  PARIS ", true, 1},
		{"wrong answer", factor.Question(2), "Max", false, 0},
		{"answer whitespace", factor.Question(4), "main   street", true, 1},
		{"phrase", factor.Phrase, strings.ToUpper(phrase), true, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := r.VerifyFactor(ctx, "alice", tt.kind, tt.value)
			if err != nil {
				t.Fatalf("VerifyFactor() error = %v", err)
			}
			if v.Accepted != tt.accept {
				t.Fatalf("Accepted = %v, want %v", v.Accepted, tt.accept)
			}
			if v.Weight != tt.weight {
				t.Errorf("Weight = %d, want %d", v.Weight, tt.weight)
			}
			if tt.accept && len(v.KeyMaterial) != crypto.KeyLength {
				t.Errorf("KeyMaterial length = %d", len(v.KeyMaterial))
			}
			if !tt.accept && v.KeyMaterial != nil {
				t.Error("rejected verification must not carry key material")
			}
		})
	}
}

func TestVerifyFactorErrors(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})
	enroll(t, r, "alice")
	ctx := context.Background()

	if _, err := r.VerifyFactor(ctx, "bob", factor.Image, "ocean-03"); !errors.Is(err, ErrNotEnrolled) {
		t.Errorf("unknown user error = %v, want ErrNotEnrolled", err)
	}
	if _, err := r.VerifyFactor(ctx, "alice", factor.Question(9), "x"); !errors.Is(err, ErrFactorNotEnrolled) {
		t.Errorf("unenrolled kind error = %v, want ErrFactorNotEnrolled", err)
	}
	if _, err := r.VerifyFactor(ctx, "alice", "pin", "x"); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("unknown kind error = %v, want ErrInvalidInput", err)
	}
	if _, err := r.VerifyFactor(ctx, "alice", factor.Question(1), "   "); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("blank answer error = %v, want ErrInvalidInput", err)
	}

	st, err := r.Status(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range st.Factors {
		if f.Failures != 0 {
			t.Errorf("%s has %d failures; malformed input must not be counted", f.Kind, f.Failures)
		}
	}

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := r.VerifyFactor(canceled, "alice", factor.Image, "ocean-03"); !errors.Is(err, ErrVerificationFailed) {
		t.Errorf("canceled context error = %v, want ErrVerificationFailed", err)
	}
}

func TestLockoutPerQuestion(t *testing.T) {
	r, clock := newTestRegistry(t, Options{})
	enroll(t, r, "alice")
	ctx := context.Background()

	for i, want := range []int{2, 1, 0} {
		v, err := r.VerifyFactor(ctx, "alice", factor.Question(1), "wrong")
		if err != nil {
			t.Fatalf("attempt %d error = %v", i+1, err)
		}
		if v.Accepted || v.AttemptsRemaining != want {
			t.Fatalf("attempt %d = %+v, want rejected with %d remaining", i+1, v, want)
		}
		clock.Advance(10 * time.Minute)
	}

	_, err := r.VerifyFactor(ctx, "alice", factor.Question(1), "Paris")
	var lerr *LockoutError
	if !errors.As(err, &lerr) || !errors.Is(err, ErrLockedOut) {
		t.Fatalf("locked question error = %v, want *LockoutError", err)
	}
	if lerr.RetryAfter <= 0 || lerr.RetryAfter > DefaultLockoutWindow {
		t.Errorf("RetryAfter = %v", lerr.RetryAfter)
	}
	if strings.Contains(err.Error(), "question") {
		t.Error("lockout error must not name the factor")
	}

	v, err := r.VerifyFactor(ctx, "alice", factor.Question(2), "Rex")
	if err != nil || !v.Accepted {
		t.Errorf("other question should stay available: %+v, %v", v, err)
	}

	clock.Advance(DefaultLockoutWindow)
	v, err = r.VerifyFactor(ctx, "alice", factor.Question(1), "Paris")
	if err != nil || !v.Accepted {
		t.Errorf("question should unlock after the window: %+v, %v", v, err)
	}
}

func TestLockoutBackoff(t *testing.T) {
	r, clock := newTestRegistry(t, Options{})
	enroll(t, r, "alice")
	ctx := context.Background()

	if _, err := r.VerifyFactor(ctx, "alice", factor.Image, "ocean-04"); err != nil {
		t.Fatal(err)
	}
	_, err := r.VerifyFactor(ctx, "alice", factor.Image, "ocean-03")
	var lerr *LockoutError
	if !errors.As(err, &lerr) {
		t.Fatalf("immediate retry error = %v, want *LockoutError", err)
	}
	if lerr.RetryAfter != DefaultBackoffBase {
		t.Errorf("RetryAfter = %v, want %v", lerr.RetryAfter, DefaultBackoffBase)
	}

	clock.Advance(DefaultBackoffBase)
	if _, err := r.VerifyFactor(ctx, "alice", factor.Image, "ocean-04"); err != nil {
		t.Fatal(err)
	}
	clock.Advance(DefaultBackoffBase)
	if _, err := r.VerifyFactor(ctx, "alice", factor.Image, "ocean-03"); !errors.Is(err, ErrLockedOut) {
		t.Errorf("second backoff should double, got %v", err)
	}
	clock.Advance(DefaultBackoffBase)
	v, err := r.VerifyFactor(ctx, "alice", factor.Image, "ocean-03")
	if err != nil || !v.Accepted {
		t.Errorf("after backoff = %+v, %v", v, err)
	}
}

func TestBackoffSchedule(t *testing.T) {
	c := DefaultLockout()
	tests := []struct {
		n    int
		want time.Duration
	}{
		{0, 0},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{5, 32 * time.Second},
		{9, 5 * time.Minute},
		{40, 5 * time.Minute},
	}
	for _, tt := range tests {
		if got := c.backoff(tt.n); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
}

func TestAccountLockout(t *testing.T) {
	r, clock := newTestRegistry(t, Options{Lockout: LockoutConfig{
		Question:           KindLimit{MaxAttempts: 3, Window: time.Hour},
		AccountMaxFailures: 3,
		AccountWindow:      time.Hour,
	}})
	enroll(t, r, "alice")
	ctx := context.Background()

	for _, k := range []factor.Kind{factor.Question(1), factor.Question(2), factor.Question(3)} {
		if _, err := r.VerifyFactor(ctx, "alice", k, "wrong"); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := r.VerifyFactor(ctx, "alice", factor.Image, "ocean-03"); !errors.Is(err, ErrLockedOut) {
		t.Errorf("account-wide lock error = %v, want ErrLockedOut", err)
	}
	clock.Advance(time.Hour + time.Second)
	if v, err := r.VerifyFactor(ctx, "alice", factor.Image, "ocean-03"); err != nil || !v.Accepted {
		t.Errorf("after account window = %+v, %v", v, err)
	}
}

func TestConcurrentVerifyRespectsLimit(t *testing.T) {
	r, _ := newTestRegistry(t, Options{Lockout: LockoutConfig{
		Question: KindLimit{MaxAttempts: 3, Window: time.Hour},
	}})
	enroll(t, r, "alice")

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		rejected int
		locked   int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := r.VerifyFactor(context.Background(), "alice", factor.Question(1), "wrong")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, ErrLockedOut):
				locked++
			case err == nil && !v.Accepted:
				rejected++
			default:
				t.Errorf("unexpected result %+v, %v", v, err)
			}
		}()
	}
	wg.Wait()

	if rejected != 3 || locked != 7 {
		t.Errorf("rejected = %d, locked = %d, want 3 and 7", rejected, locked)
	}
}

func TestFailureAudit(t *testing.T) {
	logger := audit.NewLogger(t.TempDir())
	if err := logger.SetHMACKey(testHintKey()); err != nil {
		t.Fatal(err)
	}
	r, clock := newTestRegistry(t, Options{Audit: logger, Lockout: LockoutConfig{
		Image: KindLimit{MaxAttempts: 2, Window: time.Hour},
	}})
	enroll(t, r, "alice")

	for i := 0; i < 2; i++ {
		if _, err := r.VerifyFactor(context.Background(), "alice", factor.Image, "ocean-04"); err != nil {
			t.Fatal(err)
		}
		clock.Advance(time.Minute)
	}

	failed, err := logger.ListEvents(audit.Filter{Operation: audit.OpFactorFailed})
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 2 {
		t.Fatalf("factor_failed events = %d, want 2", len(failed))
	}
	if failed[0].Fields["kind"] != "image" {
		t.Errorf("event kind = %q, want image", failed[0].Fields["kind"])
	}
	if failed[0].Subject == "alice" {
		t.Error("audit subject must not be the raw user id")
	}

	locked, err := logger.ListEvents(audit.Filter{Operation: audit.OpLockedOut})
	if err != nil {
		t.Fatal(err)
	}
	if len(locked) != 1 {
		t.Errorf("locked_out events = %d, want 1", len(locked))
	}

	enrolled, err := logger.ListEvents(audit.Filter{Operation: audit.OpEnroll})
	if err != nil || len(enrolled) != 1 {
		t.Errorf("enroll events = %d, %v", len(enrolled), err)
	}
}

func TestStatusAndReset(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})
	enroll(t, r, "alice")
	ctx := context.Background()

	if _, err := r.VerifyFactor(ctx, "alice", factor.Question(3), "red"); err != nil {
		t.Fatal(err)
	}

	st, err := r.Status(ctx, "alice")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if st.Threshold != 3 || st.KeySlots != 9 || len(st.Factors) != 6 {
		t.Errorf("Status() = %+v", st)
	}
	if st.Factors[0].Kind != factor.Image || st.Factors[5].Kind != factor.Phrase {
		t.Errorf("Status() factors not in canonical order: %v, %v", st.Factors[0].Kind, st.Factors[5].Kind)
	}
	q3 := st.Factors[3]
	if q3.Kind != factor.Question(3) || q3.Failures != 1 || q3.Remaining != 2 || !q3.Locked {
		t.Errorf("question:3 status = %+v", q3)
	}

	if err := r.ResetFailures(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	st, _ = r.Status(ctx, "alice")
	if st.Factors[3].Failures != 0 || st.Factors[3].Locked {
		t.Errorf("after reset = %+v", st.Factors[3])
	}

	if _, err := r.Status(ctx, "nobody"); !errors.Is(err, ErrNotEnrolled) {
		t.Errorf("Status(unknown) error = %v, want ErrNotEnrolled", err)
	}
}

func TestPruneFailures(t *testing.T) {
	r, clock := newTestRegistry(t, Options{})
	enroll(t, r, "alice")
	ctx := context.Background()

	if _, err := r.VerifyFactor(ctx, "alice", factor.Image, "ocean-04"); err != nil {
		t.Fatal(err)
	}
	if n, err := r.PruneFailures(ctx); err != nil || n != 0 {
		t.Errorf("PruneFailures() inside window = %d, %v", n, err)
	}
	clock.Advance(DefaultLockoutWindow + time.Second)
	if n, err := r.PruneFailures(ctx); err != nil || n != 1 {
		t.Errorf("PruneFailures() after window = %d, %v; want 1", n, err)
	}
}

func TestPolicyAccessors(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})
	enroll(t, r, "alice")
	ctx := context.Background()

	th, err := r.Threshold(ctx, "alice")
	if err != nil || th != 3 {
		t.Errorf("Threshold() = %d, %v", th, err)
	}
	w, err := r.Weights(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if w[factor.Image] != 2 || w[factor.Question(4)] != 1 || w[factor.Phrase] != 3 {
		t.Errorf("Weights() = %v", w)
	}
	p, err := r.Policy(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if !p.Evaluate(factor.Image, factor.Question(2)).Satisfied {
		t.Error("image plus one question should satisfy the policy")
	}
	if _, err := r.Threshold(ctx, "nobody"); !errors.Is(err, ErrNotEnrolled) {
		t.Errorf("Threshold(unknown) error = %v", err)
	}
}

func TestImageHint(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})
	e, _ := enroll(t, r, "alice")
	ctx := context.Background()

	id, err := r.ImageHint(ctx, "alice")
	if err != nil || id != "ocean-03" {
		t.Errorf("ImageHint() = %q, %v", id, err)
	}

	// A hint copied onto another user's record must not open.
	if _, err := r.openHint("bob", e.Record.ImageHint); err == nil {
		t.Error("openHint() should reject a hint bound to another user")
	}

	other, _ := newTestRegistry(t, Options{HintKey: bytes.Repeat([]byte{1}, crypto.KeyLength)})
	if _, err := other.openHint("alice", e.Record.ImageHint); err == nil {
		t.Error("openHint() should fail under a different server key")
	}
}

func TestOpenKeySlot(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})
	e, _ := enroll(t, r, "alice")
	ctx := context.Background()

	accepted := map[factor.Kind][]byte{}
	for _, in := range []struct {
		kind  factor.Kind
		value string
	}{
		{factor.Question(3), "blue"},
		{factor.Image, "ocean-03"},
	} {
		v, err := r.VerifyFactor(ctx, "alice", in.kind, in.value)
		if err != nil || !v.Accepted {
			t.Fatalf("VerifyFactor(%s) = %+v, %v", in.kind, v, err)
		}
		accepted[in.kind] = v.KeyMaterial
	}

	var slot *storage.KeySlot
	for i, s := range e.Record.KeySlots {
		if len(s.Kinds) == 2 && s.Kinds[0] == factor.Image && s.Kinds[1] == factor.Question(3) {
			slot = &e.Record.KeySlots[i]
		}
	}
	if slot == nil {
		t.Fatal("no image+question:3 slot")
	}

	master, err := r.OpenKeySlot(ctx, e.Record, *slot, accepted)
	if err != nil {
		t.Fatalf("OpenKeySlot() error = %v", err)
	}
	if !bytes.Equal(master, e.MasterKey) {
		t.Error("OpenKeySlot() returned a different master key")
	}

	accepted[factor.Question(3)] = bytes.Repeat([]byte{0}, crypto.KeyLength)
	if _, err := r.OpenKeySlot(ctx, e.Record, *slot, accepted); !errors.Is(err, ErrSlotMismatch) {
		t.Errorf("OpenKeySlot(wrong material) error = %v, want ErrSlotMismatch", err)
	}
}

func TestCombineKeyMaterialOrder(t *testing.T) {
	salt := bytes.Repeat([]byte{9}, crypto.SaltLength)
	blocks := map[factor.Kind][]byte{
		factor.Image:       bytes.Repeat([]byte{1}, crypto.KeyLength),
		factor.Question(1): bytes.Repeat([]byte{2}, crypto.KeyLength),
		factor.Question(2): bytes.Repeat([]byte{3}, crypto.KeyLength),
	}

	a, err := CombineKeyMaterial(testKDF, salt, []factor.Kind{factor.Image, factor.Question(1), factor.Question(2)}, blocks)
	if err != nil {
		t.Fatal(err)
	}
	b, err := CombineKeyMaterial(testKDF, salt, []factor.Kind{factor.Question(2), factor.Image, factor.Question(1)}, blocks)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Error("combined key must not depend on acceptance order")
	}

	c, err := CombineKeyMaterial(testKDF, salt, []factor.Kind{factor.Image, factor.Question(1)}, blocks)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(a, c) {
		t.Error("different subsets must combine to different keys")
	}

	if _, err := CombineKeyMaterial(testKDF, salt, []factor.Kind{factor.Phrase}, blocks); !errors.Is(err, crypto.ErrInvalidInput) {
		t.Errorf("missing block error = %v, want ErrInvalidInput", err)
	}
	if _, err := CombineKeyMaterial(testKDF, salt, nil, blocks); !errors.Is(err, crypto.ErrInvalidInput) {
		t.Errorf("empty kinds error = %v, want ErrInvalidInput", err)
	}
}

func TestUserLocksHonorContext(t *testing.T) {
	u := newUserLocks()
	release, err := u.lock(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := u.lock(ctx, "alice"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("contended lock error = %v, want DeadlineExceeded", err)
	}

	other, err := u.lock(context.Background(), "bob")
	if err != nil {
		t.Fatalf("independent user lock error = %v", err)
	}
	other()
	release()

	u.mu.Lock()
	n := len(u.locks)
	u.mu.Unlock()
	if n != 0 {
		t.Errorf("lock table holds %d entries after release, want 0", n)
	}
}

func TestReportFailure(t *testing.T) {
	r, clock := newTestRegistry(t, Options{Lockout: LockoutConfig{
		Image: KindLimit{MaxAttempts: 2, Window: time.Hour},
	}})
	enroll(t, r, "alice")
	ctx := context.Background()

	for _, want := range []int{1, 0} {
		n, err := r.ReportFailure(ctx, "alice", factor.Image)
		if err != nil || n != want {
			t.Fatalf("ReportFailure() = %d, %v; want %d", n, err, want)
		}
		clock.Advance(time.Minute)
	}
	if _, err := r.ReportFailure(ctx, "alice", factor.Image); !errors.Is(err, ErrLockedOut) {
		t.Errorf("ReportFailure() past limit error = %v, want ErrLockedOut", err)
	}

	st, err := r.Status(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if img := st.Factors[0]; !img.Locked || !img.Exhausted {
		t.Errorf("image status = %+v, want locked and exhausted", img)
	}
}
