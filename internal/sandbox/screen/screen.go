// Package screen implements the static source pre-check that runs before any
// filesystem or process resource is allocated for a job.
//
// The denylist is a coarse first filter. It matches raw text, so macro tricks,
// token pasting or string building defeat it; the execution sandbox is the
// layer that actually contains a program.
package screen

import (
	"fmt"
	"regexp"
)

// Pattern is one denylist entry.
type Pattern struct {
	// Name is the human readable token reported to the submitter.
	Name string
	re   *regexp.Regexp
}

// NewPattern compiles a denylist entry.
func NewPattern(name, expr string) (Pattern, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return Pattern{}, fmt.Errorf("compile pattern %q: %w", name, err)
	}
	return Pattern{Name: name, re: re}, nil
}

// Expr returns the regular expression source of the pattern.
func (p Pattern) Expr() string {
	if p.re == nil {
		return ""
	}
	return p.re.String()
}

// Verdict is the outcome of screening one source text.
type Verdict struct {
	Allowed         bool
	ViolatedPattern string
}

// Message renders the rejection text shown to the submitter.
func (v Verdict) Message() string {
	if v.Allowed {
		return ""
	}
	return fmt.Sprintf("Security Alert: Detected forbidden pattern '%s'", v.ViolatedPattern)
}

// Screener checks source text against an ordered denylist.
type Screener struct {
	patterns []Pattern
}

// denylist order is significant: the first match is the one reported.
var denylist = []struct{ name, expr string }{
	{"system(", `\bsystem\s*\(`},
	{"exec(", `\bexec[lqvpe]*\s*\(`},
	{"fork(", `\bfork\s*\(`},
	{"popen(", `\bpopen\s*\(`},
	{"kill(", `\bkill\s*\(`},
	{"<windows.h>", `<windows\.h>`},
	{"<unistd.h>", `<unistd\.h>`},
	{"fstream", `\bfstream\b`},
	{"freopen", `\bfreopen\b`},
	{"FILE*", `\bFILE\s*\*`},
	{"fopen(", `\bfopen\s*\(`},
	{"__asm__", `__asm__`},
	{"asm(", `\basm\s*\(`},
}

var defaultScreener = func() *Screener {
	patterns := make([]Pattern, 0, len(denylist))
	for _, entry := range denylist {
		patterns = append(patterns, Pattern{Name: entry.name, re: regexp.MustCompile(entry.expr)})
	}
	return &Screener{patterns: patterns}
}()

// Default returns the screener with the built-in denylist.
func Default() *Screener {
	return defaultScreener
}

// NewScreener builds a screener over a custom ordered pattern list.
func NewScreener(patterns ...Pattern) *Screener {
	cp := make([]Pattern, len(patterns))
	copy(cp, patterns)
	return &Screener{patterns: cp}
}

// Patterns returns a copy of the denylist in evaluation order.
func (s *Screener) Patterns() []Pattern {
	out := make([]Pattern, len(s.patterns))
	copy(out, s.patterns)
	return out
}

// Screen reports the first denylist entry found in source. It is pure and
// safe for concurrent use.
func (s *Screener) Screen(source string) Verdict {
	for _, p := range s.patterns {
		if p.re != nil && p.re.MatchString(source) {
			return Verdict{Allowed: false, ViolatedPattern: p.Name}
		}
	}
	return Verdict{Allowed: true}
}

// Screen checks source against the built-in denylist.
func Screen(source string) Verdict {
	return defaultScreener.Screen(source)
}
