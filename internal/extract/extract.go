// Package extract incrementally classifies model output accumulating in a
// text buffer. It decides whether the trailing content is a complete fenced
// code block, a still-streaming one, or a SEARCH/REPLACE diff, without any
// I/O or shared state: State is a value threaded through pure transitions.
package extract

import (
	"regexp"
	"strings"
)

// Kind classifies the result of feeding a chunk to the extractor.
type Kind int

const (
	// NoCode means nothing new to report: no code recognized yet, or the
	// recognized code is unchanged since the last emission.
	NoCode Kind = iota
	// PartialCode is an unterminated fenced block the model is still writing.
	PartialCode
	// CompleteCode is a fully closed fenced block.
	CompleteCode
	// DiffDetected means SEARCH/REPLACE markers were recognized; full-code
	// extraction is suppressed for the rest of the generation.
	DiffDetected
)

func (k Kind) String() string {
	switch k {
	case PartialCode:
		return "partial"
	case CompleteCode:
		return "complete"
	case DiffDetected:
		return "diff"
	default:
		return "none"
	}
}

// Result is what one Feed call recognized.
type Result struct {
	Kind Kind
	Code string
}

// State carries the accumulated text and the extraction memo for one
// generation. The zero value is ready to use.
type State struct {
	// Text is everything seen so far for the current generation.
	Text string
	// LastEmitted is the last code string already reported, kept to avoid
	// redundant emissions when a chunk does not change the extracted code.
	LastEmitted string
	// DiffMode is sticky: once diff markers are recognized, fenced-block
	// extraction stops for the remainder of the generation.
	DiffMode bool
}

// minPartialLen is the threshold below which an unterminated fence is not
// yet reported as code, unless it already looks like markup. Keeps a
// one-character fence from flashing an empty editor open.
const minPartialLen = 10

var (
	// Diff markers come in two spellings (dash-based and angle/plus-based)
	// and the keyword may sit on the same line as the run or on the next
	// one. \s* covers both placements.
	searchMarkerRe  = regexp.MustCompile(`(?:-{3,}|<{3,})\s*SEARCH`)
	replaceMarkerRe = regexp.MustCompile(`(?:\+{3,}|>{3,})\s*REPLACE`)
	separatorRe     = regexp.MustCompile(`(?m)^\s*={3,}\s*$`)

	openingTagRe = regexp.MustCompile(`<[a-zA-Z!]`)
)

// Feed appends a chunk to the state and classifies the accumulated buffer.
// It never mutates the receiver; callers keep the returned State.
func (s State) Feed(chunk string) (State, Result) {
	next := s
	next.Text += chunk

	if next.DiffMode {
		return next, Result{Kind: DiffDetected}
	}
	if hasDiffMarkers(next.Text) {
		next.DiffMode = true
		return next, Result{Kind: DiffDetected}
	}

	code, complete, ok := extractFenced(next.Text)
	if !ok {
		return next, Result{Kind: NoCode}
	}

	// A block opening with a bare "-" is almost certainly a diff fragment
	// whose SEARCH marker has not fully arrived yet. Treat it as diff so
	// markers are never rendered as markup.
	if strings.HasPrefix(code, "-") {
		next.DiffMode = true
		return next, Result{Kind: DiffDetected}
	}

	if !complete && !acceptPartial(code) {
		return next, Result{Kind: NoCode}
	}
	if code == next.LastEmitted {
		return next, Result{Kind: NoCode}
	}
	next.LastEmitted = code

	kind := PartialCode
	if complete {
		kind = CompleteCode
	}
	return next, Result{Kind: kind, Code: code}
}

// Classify runs extraction over a full, final text with fresh state. The
// orchestrator uses it at generation end to pick the commit mode
// independently of any incremental decisions.
func Classify(text string) Result {
	_, res := State{}.Feed(text)
	return res
}

func hasDiffMarkers(text string) bool {
	loc := searchMarkerRe.FindStringIndex(text)
	if loc == nil {
		return false
	}
	rest := text[loc[1]:]
	return separatorRe.MatchString(rest) || replaceMarkerRe.MatchString(rest)
}

// extractFenced finds the best fenced block in the buffer with a line walk
// toggling in and out of fences. A complete block always wins over a
// trailing unterminated one, and when several complete blocks exist the
// last one wins.
func extractFenced(text string) (code string, complete bool, ok bool) {
	var (
		blocks  []string
		current []string
		inFence bool
	)
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(strings.TrimRight(line, "\r"), "```") {
			if inFence {
				blocks = append(blocks, strings.TrimSpace(strings.Join(current, "\n")))
			}
			current = nil
			inFence = !inFence
			continue
		}
		if inFence {
			current = append(current, line)
		}
	}

	switch {
	case inFence && len(blocks) == 0:
		return strings.TrimSpace(strings.Join(current, "\n")), false, true
	case len(blocks) > 0:
		return blocks[len(blocks)-1], true, true
	default:
		return "", false, false
	}
}

// acceptPartial decides whether an unterminated block is worth reporting.
// Markup is accepted immediately; anything else must reach a minimum length.
func acceptPartial(code string) bool {
	if code == "" {
		return false
	}
	if strings.Contains(code, "<!DOCTYPE") || openingTagRe.MatchString(code) {
		return true
	}
	return len(code) >= minPartialLen
}

// Diff holds an extracted SEARCH/REPLACE block.
type Diff struct {
	// Text is the marked block, verbatim.
	Text string
	// Complete is false when no REPLACE marker was observed and the block
	// was cut at a heuristic boundary; such a diff is best-effort and must
	// not be auto-applied.
	Complete bool
}

// ExtractDiff pulls the SEARCH/REPLACE block out of a final text. It
// prefers content up to and including a matched REPLACE marker; without one
// it falls back to the separator plus a bounded trailing span (ended by a
// blank line, a fence close, or end of text); without even a separator it
// returns everything from SEARCH onward as an explicitly incomplete diff.
func ExtractDiff(text string) (Diff, bool) {
	start := searchMarkerRe.FindStringIndex(text)
	if start == nil {
		return Diff{}, false
	}
	// Back up to the start of the marker's line so the dash/angle run is
	// included verbatim.
	begin := strings.LastIndex(text[:start[0]], "\n") + 1
	rest := text[begin:]

	if repl := replaceMarkerRe.FindStringIndex(rest); repl != nil {
		return Diff{Text: rest[:repl[1]], Complete: true}, true
	}

	sep := separatorRe.FindStringIndex(rest)
	if sep == nil {
		return Diff{Text: strings.TrimRight(rest, "\n"), Complete: false}, true
	}

	tail := rest[sep[1]:]
	end := len(tail)
	for _, stop := range []string{"\n\n", "\n```"} {
		if idx := strings.Index(tail, stop); idx >= 0 && idx < end {
			end = idx
		}
	}
	return Diff{Text: rest[:sep[1]+end], Complete: false}, true
}
