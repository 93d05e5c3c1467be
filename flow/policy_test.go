package flow

import (
	"errors"
	"testing"
	"time"
)

func TestRetryPolicy_Validate(t *testing.T) {
	tests := []struct {
		name    string
		policy  RetryPolicy
		wantErr bool
	}{
		{"default", DefaultRetryPolicy(), false},
		{"single attempt", RetryPolicy{MaxAttempts: 1}, false},
		{"zero attempts", RetryPolicy{MaxAttempts: 0}, true},
		{"negative delay", RetryPolicy{MaxAttempts: 2, BaseDelay: -time.Second}, true},
		{"max below base", RetryPolicy{MaxAttempts: 2, BaseDelay: time.Second, MaxDelay: time.Millisecond}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidRetryPolicy) {
				t.Errorf("error = %v, want ErrInvalidRetryPolicy", err)
			}
		})
	}
}

func TestRetryPolicy_DelayIsDeterministic(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}

	for attempt := 1; attempt <= 4; attempt++ {
		a := p.Delay("flow_x:3", attempt)
		b := p.Delay("flow_x:3", attempt)
		if a != b {
			t.Fatalf("attempt %d: delays differ: %v vs %v", attempt, a, b)
		}

		exp := p.BaseDelay * time.Duration(1<<(attempt-1))
		if exp > p.MaxDelay {
			exp = p.MaxDelay
		}
		if a < exp || a >= exp+p.BaseDelay {
			t.Errorf("attempt %d: delay %v outside [%v, %v)", attempt, a, exp, exp+p.BaseDelay)
		}
	}
}

func TestRetryPolicy_DelayCapped(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 50, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}
	if d := p.Delay("k", 40); d >= 11*time.Millisecond {
		t.Errorf("delay %v exceeds cap plus jitter", d)
	}
	if d := (RetryPolicy{MaxAttempts: 1}).Delay("k", 1); d != 0 {
		t.Errorf("zero base delay = %v, want 0", d)
	}
}

func TestRetryPolicy_DelayNeverOverflows(t *testing.T) {
	capped := RetryPolicy{MaxAttempts: 100, BaseDelay: 24 * time.Hour, MaxDelay: 1000 * time.Hour}
	uncapped := RetryPolicy{MaxAttempts: 100, BaseDelay: 24 * time.Hour}

	for _, attempt := range []int{1, 10, 20, 31, 64, 100} {
		if d := capped.Delay("flow_big:1", attempt); d < capped.BaseDelay || d >= capped.MaxDelay+capped.BaseDelay {
			t.Errorf("capped attempt %d: delay %v outside [%v, %v)", attempt, d, capped.BaseDelay, capped.MaxDelay+capped.BaseDelay)
		}
		if d := uncapped.Delay("flow_big:1", attempt); d < uncapped.BaseDelay {
			t.Errorf("uncapped attempt %d: delay %v below base", attempt, d)
		}
	}
}

func TestRetryPolicy_Transient(t *testing.T) {
	plain := errors.New("boom")
	p := RetryPolicy{MaxAttempts: 3}
	if p.transient(plain) {
		t.Error("plain error classified transient")
	}
	if !p.transient(Transient(plain)) {
		t.Error("Transient error not classified transient")
	}

	p.Retryable = func(err error) bool { return errors.Is(err, plain) }
	if !p.transient(plain) {
		t.Error("Retryable hook ignored")
	}
}
