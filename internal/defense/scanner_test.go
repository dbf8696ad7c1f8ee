package defense

import (
	"net/url"
	"strings"
	"testing"

	"github.com/inercia/warden/internal/models"
)

func TestScanner_Flags(t *testing.T) {
	s := NewScanner()
	tests := []struct {
		name  string
		input string
		want  models.AttackType
	}{
		{"drop table", "'; DROP TABLE users; --", models.AttackSQLInjection},
		{"bare ddl statement", "DROP TABLE users", models.AttackSQLInjection},
		{"ddl with terminator", "x drop table if exists accounts;", models.AttackSQLInjection},
		{"ddl after comment", "truncate table sessions --", models.AttackSQLInjection},
		{"union select", "1 UNION ALL SELECT username, password FROM users", models.AttackSQLInjection},
		{"union comment", "1 union/**/select 1", models.AttackSQLInjection},
		{"tautology quoted", "admin' OR '1'='1", models.AttackSQLInjection},
		{"tautology numeric", "x' or 1=1", models.AttackSQLInjection},
		{"comment terminator", "admin'--", models.AttackSQLInjection},
		{"hash terminator", "admin' #", models.AttackSQLInjection},
		{"select star", "select * from accounts", models.AttackSQLInjection},
		{"insert into", "insert into users (name) values ('x')", models.AttackSQLInjection},
		{"delete from", "delete from sessions where 1", models.AttackSQLInjection},
		{"stacked", "1; delete from logs", models.AttackSQLInjection},
		{"timing", "1' AND SLEEP(5)", models.AttackSQLInjection},
		{"waitfor", "'; WAITFOR DELAY '0:0:5'", models.AttackSQLInjection},
		{"script tag", "<script>alert(1)</script>", models.AttackXSS},
		{"script spaced", "< SCRIPT src=//evil>", models.AttackXSS},
		{"js uri", "javascript:alert(document.cookie)", models.AttackXSS},
		{"js href", `<a href=" javascript:alert(1)">x</a>`, models.AttackXSS},
		{"event handler", `<img src=x onerror=alert(1)>`, models.AttackXSS},
		{"event handler slash", `<svg/onload=alert(1)>`, models.AttackXSS},
		{"event handler quoted", `<div class="x" onmouseover="steal()">hi</div>`, models.AttackXSS},
		{"iframe", `<iframe src="//evil"></iframe>`, models.AttackXSS},
		{"eval", "eval(atob('...'))", models.AttackXSS},
		{"eval string", `eval("alert(1)")`, models.AttackXSS},
		{"eval member", "eval(window.name)", models.AttackXSS},
		{"vbscript", "vbscript:msgbox", models.AttackXSS},
		{"data html", "data:text/html;base64,PHNjcmlwdD4=", models.AttackXSS},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := s.Scan(tt.input)
			if !m.Matched {
				t.Fatalf("Scan(%q) did not match", tt.input)
			}
			if m.AttackType != tt.want {
				t.Errorf("Scan(%q) attack type = %s (rule %s), want %s", tt.input, m.AttackType, m.Rule, tt.want)
			}
		})
	}
}

func TestScanner_IgnoresProse(t *testing.T) {
	s := NewScanner()
	prose := []string{
		"Please select a character from the list below.",
		"The union of the two kingdoms came from an old treaty.",
		"She walked from the tavern -- tired -- and slept.",
		"Select your favourite items from the shop, then update the set list.",
		"I read JavaScript: The Good Parts last summer.",
		"Drop by the table near the window.",
		"He needs sleep (badly) after the night watch.",
		"Delete from memory the names of the fallen.",
		"It's a 'simple' plan.",
		"Insert into the story a twist.",
		"x < 5 when online = true",
		"My annual eval (performance review) went great.",
		"I had to drop table tennis",
		"if a<b then online = true",
		"<b>bold</b> statements online = everywhere",
		"",
	}
	for _, text := range prose {
		if m := s.Scan(text); m.Matched {
			t.Errorf("Scan(%q) matched rule %s", text, m.Rule)
		}
	}
}

func TestScanner_Recursive(t *testing.T) {
	s := NewScanner()
	body := map[string]any{
		"name": "Aria",
		"tags": []any{"hero", 42, true, nil},
		"profile": map[string]any{
			"bio":   "A wandering bard.",
			"notes": []any{"ok", map[string]any{"inner": "<script>alert(1)</script>"}},
		},
	}

	m := s.ScanField("body", body)
	if !m.Matched {
		t.Fatal("expected nested match")
	}
	if m.AttackType != models.AttackXSS {
		t.Errorf("attack type = %s, want XSS", m.AttackType)
	}
	if m.Field != "body.profile.notes[1].inner" {
		t.Errorf("field = %q", m.Field)
	}
}

func TestScanner_MapKeysAndQuery(t *testing.T) {
	s := NewScanner()

	if m := s.Scan(map[string]any{"<script>": "x"}); !m.Matched {
		t.Error("expected match on map key")
	}

	q := url.Values{"q": {"dragons", "1 UNION SELECT password FROM users"}}
	m := s.ScanField("query", q)
	if !m.Matched || m.AttackType != models.AttackSQLInjection {
		t.Fatalf("query match = %+v", m)
	}
	if m.Field != "query.q[1]" {
		t.Errorf("field = %q", m.Field)
	}

	if m := s.Scan([]string{"a", "b"}); m.Matched {
		t.Error("unexpected match on clean slice")
	}
	if m := s.Scan(12345); m.Matched {
		t.Error("unexpected match on number")
	}
}

func TestScanner_FullStringScannedSampleTruncated(t *testing.T) {
	s := NewScanner()
	payload := strings.Repeat("a", 500) + "<script>alert(1)</script>"

	m := s.Scan(payload)
	if !m.Matched {
		t.Fatal("signature past the sample length must still match")
	}
	if len([]rune(m.Sample)) != MaxSampleLength {
		t.Errorf("sample length = %d, want %d", len([]rune(m.Sample)), MaxSampleLength)
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("héllo", 2); got != "hé" {
		t.Errorf("Truncate = %q", got)
	}
	if got := Truncate("abc", 10); got != "abc" {
		t.Errorf("Truncate = %q", got)
	}
}
