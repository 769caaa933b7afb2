package iteration

import (
	"fmt"

	"github.com/tailored-agentic-units/trellico/core/protocol"
)

// detectWindow is how many trailing assistant messages are searched for the
// completion sentinel.
const detectWindow = 3

// Detect reports whether one of the last three assistant messages contains
// the completion sentinel. Earlier messages are ignored.
func Detect(msgs []protocol.Message) bool {
	seen := 0
	for i := len(msgs) - 1; i >= 0 && seen < detectWindow; i-- {
		if msgs[i].Type != protocol.TypeAssistant {
			continue
		}
		seen++
		if msgs[i].Contains(protocol.CompletionSentinel) {
			return true
		}
	}
	return false
}

// Prompt returns the fixed instruction given to every iteration of a task.
func Prompt(artifactPath string) string {
	return fmt.Sprintf(`Read the task file at %[1]s.

Pick the highest-priority item whose "passes" field is false and implement it.
Run the project's checks, then set "passes" to true for that item in %[1]s.
Work on one item only.

When every item in %[1]s passes, reply with %[2]s and nothing else.`, artifactPath, protocol.CompletionSentinel)
}
