package normalize

import "testing"

func TestCurrencyFirstPassWins(t *testing.T) {
	if got := Text("$5 dollars"); got != "5 dollars dollars" {
		t.Fatalf("unexpected currency rewrite: %q", got)
	}
	if got := Currency("it costs $3.50 each"); got != "it costs 3.50 each dollars" {
		t.Fatalf("unexpected currency rewrite: %q", got)
	}
}

func TestStripsCodeFences(t *testing.T) {
	in := "Here you go:\n```go\nfmt.Println(\"hi\")\n```\nDone."
	if got := Text(in); got != "Here you go:\n\nDone." {
		t.Fatalf("unexpected output: %q", got)
	}
}

func TestStripsBracketedAsides(t *testing.T) {
	in := "Hello (waves) there [quietly] friend *smiles*."
	if got := Text(in); got != "Hello there friend ." {
		t.Fatalf("unexpected output: %q", got)
	}
}

func TestPictographsBecomeSpaces(t *testing.T) {
	in := "great\U0001F600job"
	if got := Text(in); got != "great job" {
		t.Fatalf("unexpected output: %q", got)
	}
	if got := Text("\U0001F44D"); got != "" {
		t.Fatalf("expected empty output, got %q", got)
	}
}

func TestSpokenTimes(t *testing.T) {
	tests := map[string]string{
		"meet at 7:05pm":   "meet at seven oh five P M",
		"meet at 10:30 am": "meet at ten thirty A M",
		"at 14:00 sharp":   "at fourteen o'clock sharp",
		"at 12:00 pm":      "at twelve P M",
		"at 23:45":         "at twenty-three forty-five",
		"score was 31:12":  "score was 31:12",
		"at 13:00 pm":      "at 13:00 pm",
	}
	for in, want := range tests {
		if got := SpokenTimes(in); got != want {
			t.Fatalf("SpokenTimes(%q) = %q, want %q", in, got, want)
		}
	}
}
