package build

import (
	_ "embed"
	"strings"
)

//go:embed sketchrt/shim.cpp
var runtimeShim string

// entryMain is appended after the user's sketch. It starts the serial
// input reader, runs setup once, then loop forever, and signals the
// reader down on the way out.
const entryMain = `
int main() {
  std::thread __bb_rx(__bb_reader);
  setup();
  while (!__bb_done.load()) {
    loop();
  }
  __bb_done.store(true);
  __bb_rx.detach();
  return 0;
}
`

// ShimLineCount is the number of lines the shim contributes ahead of
// user code; diagnostics subtract it so errors land on sketch lines.
var ShimLineCount = func() int {
	n := strings.Count(runtimeShim, "\n")
	if !strings.HasSuffix(runtimeShim, "\n") {
		n++
	}
	return n
}()

// assemble produces the single translation unit handed to the
// toolchain: shim, then the processed sketch, then the generated main.
func assemble(processedSource string) string {
	var b strings.Builder
	b.WriteString(runtimeShim)
	if !strings.HasSuffix(runtimeShim, "\n") {
		b.WriteString("\n")
	}
	b.WriteString(processedSource)
	if !strings.HasSuffix(processedSource, "\n") {
		b.WriteString("\n")
	}
	b.WriteString(entryMain)
	return b.String()
}
