package build

import (
	"regexp"
	"strconv"
	"strings"
)

// sketchName is the stable placeholder shown in diagnostics instead of
// the generated temp path.
const sketchName = "sketch.ino"

var locationRe = regexp.MustCompile(`sketch\.ino:(\d+)(:\d+)?`)

// SanitizeContainerDiagnostics rewrites diagnostics captured from a
// sandboxed build phase, where the workspace sits at a fixed mount.
func SanitizeContainerDiagnostics(diag string) string {
	return sanitizeDiagnostics(diag, "")
}

// sanitizeDiagnostics rewrites toolchain output so the user sees errors
// against their own sketch: temp paths become a stable name and line
// numbers shed the shim's offset.
func sanitizeDiagnostics(diag, buildDir string) string {
	out := diag
	if buildDir != "" {
		out = strings.ReplaceAll(out, buildDir+"/", "")
		out = strings.ReplaceAll(out, buildDir, "")
	}
	// Container builds mount the workspace at a fixed path.
	out = strings.ReplaceAll(out, containerSrcDir+"/", "")
	out = strings.ReplaceAll(out, tuFileName, sketchName)

	return locationRe.ReplaceAllStringFunc(out, func(m string) string {
		sub := locationRe.FindStringSubmatch(m)
		line, err := strconv.Atoi(sub[1])
		if err != nil {
			return m
		}
		line -= ShimLineCount
		if line < 1 {
			// Error inside the shim itself; pin it to the first sketch
			// line rather than exposing a negative number.
			line = 1
		}
		return sketchName + ":" + strconv.Itoa(line) + sub[2]
	})
}
