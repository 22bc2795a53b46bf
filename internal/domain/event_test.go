package domain

import (
	"errors"
	"testing"
)

func TestParseAlertStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw  string
		want AlertStatus
		ok   bool
	}{
		{raw: "firing", want: AlertStatusFiring, ok: true},
		{raw: " Resolved ", want: AlertStatusResolved, ok: true},
		{raw: "pending", ok: false},
		{raw: "", ok: false},
	}
	for _, tc := range cases {
		got, ok := ParseAlertStatus(tc.raw)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("ParseAlertStatus(%q) = %q,%v want %q,%v", tc.raw, got, ok, tc.want, tc.ok)
		}
	}
}

func TestAlertEventValidate(t *testing.T) {
	t.Parallel()

	valid := AlertEvent{Index: 1, Status: AlertStatusFiring, Payload: AlertPayload{Labels: map[string]string{"alertname": "HighCPU"}}}
	if err := valid.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	noLabels := AlertEvent{Index: 2, Status: AlertStatusResolved}
	var malformed *MalformedAlertError
	if err := noLabels.Validate(); !errors.As(err, &malformed) || malformed.Index != 2 {
		t.Fatalf("expected MalformedAlertError for index 2, got %v", err)
	}

	badStatus := AlertEvent{Index: 3, Status: "weird", Payload: valid.Payload}
	if err := badStatus.Validate(); !IsMalformed(err) {
		t.Fatalf("expected malformed error, got %v", err)
	}
}

func TestIngestResultAdd(t *testing.T) {
	t.Parallel()

	var result IngestResult
	for _, outcome := range []IngestOutcome{OutcomeCreated, OutcomeEdited, OutcomeEdited, OutcomeSkipped, OutcomeError} {
		result.Add(IngestItem{Outcome: outcome})
	}
	if result.Created != 1 || result.Edited != 2 || result.Skipped != 1 || result.Errored != 1 {
		t.Fatalf("unexpected counters: %+v", result)
	}
	if len(result.Items) != 5 {
		t.Fatalf("expected 5 items, got %d", len(result.Items))
	}
}

func TestReactionMapClassify(t *testing.T) {
	t.Parallel()

	reactions := NewReactionMap([]string{"👀", "eyes"}, []string{"✅", ":white_check_mark:", "👀"})
	cases := map[string]ReactionKind{
		"eyes":             ReactionAcknowledge,
		"✅":                ReactionResolve,
		"\u2705\uFE0F":     ReactionResolve,
		"white_check_mark": ReactionResolve,
		"👀":                ReactionResolve,
		"🎉":                ReactionUnknown,
	}
	for key, want := range cases {
		if got := reactions.Classify(key); got != want {
			t.Fatalf("Classify(%q) = %q want %q", key, got, want)
		}
	}
}

func TestErrorTaxonomyUnwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection refused")
	err := error(&StoreUnavailableError{Op: "get", Err: cause})
	if !IsStoreUnavailable(err) || !errors.Is(err, cause) {
		t.Fatalf("expected store unavailable wrapping cause, got %v", err)
	}
	if IsMalformed(err) {
		t.Fatalf("store error must not be malformed")
	}
	edit := &EditFailedError{Ref: MessageRef{Room: "r", MessageID: "m"}, Err: cause}
	if !errors.Is(edit, cause) {
		t.Fatalf("expected edit error to unwrap cause")
	}
}
