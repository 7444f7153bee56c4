package transcribe

import "testing"

func TestAccumulatorCommitsOnlyFinals(t *testing.T) {
	a := NewAccumulator()
	a.Apply(Event{Text: "today was", IsFinal: false})
	a.Apply(Event{Text: "today was hard", IsFinal: false})
	a.Apply(Event{Text: "today was hard.", IsFinal: true})
	a.Apply(Event{Text: "but it", IsFinal: false})
	a.Apply(Event{Text: "but it got better", IsFinal: true})

	if got := a.Seal(); got != "today was hard. but it got better" {
		t.Fatalf("Seal() = %q", got)
	}
}

func TestAccumulatorPartialNeverCommitted(t *testing.T) {
	a := NewAccumulator()
	a.Apply(Event{Text: "half a thou", IsFinal: false})

	if a.HasCommitted() {
		t.Fatalf("HasCommitted() = true with only a partial applied")
	}
	if got := a.Seal(); got != "" {
		t.Fatalf("Seal() = %q, want empty: partials must not commit", got)
	}
}

func TestAccumulatorPreviewBlendsPartial(t *testing.T) {
	a := NewAccumulator()
	a.Apply(Event{Text: "first thought.", IsFinal: true})
	a.Apply(Event{Text: "and now", IsFinal: false})

	if got := a.Preview(); got != "first thought. and now" {
		t.Fatalf("Preview() = %q", got)
	}
}

func TestAccumulatorApplyReportsPreviewChange(t *testing.T) {
	a := NewAccumulator()
	if !a.Apply(Event{Text: "hello", IsFinal: false}) {
		t.Fatalf("Apply(new partial) = false, want true")
	}
	if a.Apply(Event{Text: "hello", IsFinal: false}) {
		t.Fatalf("Apply(same partial) = true, want false")
	}
}

func TestAccumulatorDropsLateEventsAfterSeal(t *testing.T) {
	a := NewAccumulator()
	a.Apply(Event{Text: "sealed text", IsFinal: true})
	_ = a.Seal()

	a.Apply(Event{Text: "late straggler", IsFinal: true})
	if got := a.Committed(); got != "sealed text" {
		t.Fatalf("Committed() = %q, want %q", got, "sealed text")
	}
}

func TestAccumulatorIgnoresEmptyFinals(t *testing.T) {
	a := NewAccumulator()
	a.Apply(Event{Text: "   ", IsFinal: true})
	a.Apply(Event{Text: "real words", IsFinal: true})
	if got := a.Seal(); got != "real words" {
		t.Fatalf("Seal() = %q", got)
	}
}
