package security

import (
	"fmt"
	"strings"
)

// ValidateScriptPath checks a file that will be spliced into a simulator
// "call, file=..." command. The path must stay within dir and must not carry
// characters that terminate the string literal or the statement.
func ValidateScriptPath(filePath, dir string) error {
	if filePath == "" {
		return fmt.Errorf("empty script path")
	}
	if strings.ContainsAny(filePath, "\"';\n\r") {
		return fmt.Errorf("script path %q contains quote, semicolon or newline", filePath)
	}
	return ValidatePathWithinDirectory(filePath, dir)
}
