// Package compile is the front end of the sketch pipeline: it validates
// a sketch's structure, inlines its header tabs into a single processed
// source string, and memoizes successful results so repeat requests skip
// the toolchain entirely.
package compile

import (
	"fmt"
	"regexp"
	"strings"
)

// Header is one header tab supplied alongside a sketch. Order matters:
// headers are hashed and inlined in the order given.
type Header struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// ValidationError reports structural problems found before any
// toolchain invocation.
type ValidationError struct {
	Missing []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("sketch is missing required function(s): %s", strings.Join(e.Missing, ", "))
}

var (
	setupRe = regexp.MustCompile(`\bvoid\s+setup\s*\(\s*(void)?\s*\)`)
	loopRe  = regexp.MustCompile(`\bvoid\s+loop\s*\(\s*(void)?\s*\)`)

	// Users pasting from real board projects often carry the platform
	// header along; the shim provides everything it would.
	platformIncludeRe = regexp.MustCompile(`(?m)^\s*#\s*include\s*[<"]Arduino\.h[>"].*$`)
)

// Preprocess validates the sketch and returns the processed source with
// header tabs inlined. The processed string is the only form the build
// layer accepts; it never resolves includes itself.
func Preprocess(code string, headers []Header) (string, error) {
	var missing []string
	if !setupRe.MatchString(code) {
		missing = append(missing, "setup")
	}
	if !loopRe.MatchString(code) {
		missing = append(missing, "loop")
	}
	if len(missing) > 0 {
		return "", &ValidationError{Missing: missing}
	}

	processed := platformIncludeRe.ReplaceAllString(code, "")

	for _, h := range headers {
		includeRe, err := regexp.Compile(`(?m)^\s*#\s*include\s*"` + regexp.QuoteMeta(h.Name) + `"\s*$`)
		if err != nil {
			return "", fmt.Errorf("bad header name %q: %w", h.Name, err)
		}
		inlined := "// --- inlined: " + h.Name + " ---\n" + h.Content
		processed = includeRe.ReplaceAllString(processed, strings.ReplaceAll(inlined, "$", "$$"))
	}

	return processed, nil
}
