package report

import (
	"fmt"
	"io"
	"os"

	"github.com/Bidon15/peermesh/internal/mesh"
)

// palette applies ANSI colors when enabled.
type palette struct {
	enabled bool
}

func newPalette(w io.Writer) palette {
	return palette{enabled: IsTTY(w)}
}

// IsTTY reports whether w is a character device.
func IsTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

func (p palette) wrap(code, s string) string {
	if !p.enabled {
		return s
	}
	return code + s + "\033[0m"
}

func (p palette) red(s string) string    { return p.wrap("\033[31m", s) }
func (p palette) green(s string) string  { return p.wrap("\033[32m", s) }
func (p palette) yellow(s string) string { return p.wrap("\033[33m", s) }
func (p palette) bold(s string) string   { return p.wrap("\033[1m", s) }

func (p palette) state(s mesh.State) string {
	switch s {
	case mesh.StateVerified:
		return p.green(string(s))
	case mesh.StateUnknown:
		return p.yellow(string(s))
	default:
		return p.red(string(s))
	}
}

// header prints a bold header row.
func (p palette) header(w io.Writer, columns ...string) {
	for i, col := range columns {
		if i > 0 {
			fmt.Fprint(w, "\t")
		}
		fmt.Fprint(w, p.bold(col))
	}
	fmt.Fprintln(w)
}
