package output

import (
	"os"
	"strconv"

	"golang.org/x/term"
)

// terminalWidth returns the usable width for table layout. COLUMNS wins
// over the tty size so piped and scripted runs stay stable.
func terminalWidth() int {
	if cols := os.Getenv("COLUMNS"); cols != "" {
		if w, err := strconv.Atoi(cols); err == nil && w > 0 {
			return w
		}
	}
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		return w
	}
	return defaultWidth
}
