package pcapfile

import (
	"fmt"
	"os"
	"strings"

	"firestige.xyz/pcap4mcast/internal/core"
)

// FileMode selects how the output file is opened. Modes combine, e.g. "ca"
// creates missing parent directories and appends to an existing file.
type FileMode uint8

const (
	ModeWrite      FileMode = 1 << iota // w: open an existing file
	ModeAppend                          // a: append to an existing file
	ModeOpenAlways                      // o: create the file if missing
	ModeCreatePath                      // c: create the file and its parent directories if missing
	ModeMustNew                         // n: fail if the file exists
	ModeTruncate                        // t: discard existing content
)

var modeLetters = []struct {
	letter byte
	mode   FileMode
}{
	{'w', ModeWrite},
	{'a', ModeAppend},
	{'o', ModeOpenAlways},
	{'c', ModeCreatePath},
	{'n', ModeMustNew},
	{'t', ModeTruncate},
}

// ParseFileMode converts letter codes such as "ca" or "wn" into a FileMode.
// Case and surrounding whitespace are ignored.
func ParseFileMode(s string) (FileMode, error) {
	var m FileMode
	for _, ch := range []byte(strings.ToLower(strings.TrimSpace(s))) {
		found := false
		for _, ml := range modeLetters {
			if ml.letter == ch {
				m |= ml.mode
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("%w: unknown letter %q in %q", core.ErrFileMode, ch, s)
		}
	}
	if m == 0 {
		return 0, fmt.Errorf("%w: empty", core.ErrFileMode)
	}
	return m, nil
}

// Has reports whether every flag of o is set in m.
func (m FileMode) Has(o FileMode) bool {
	return m&o == o
}

func (m FileMode) String() string {
	var b strings.Builder
	for _, ml := range modeLetters {
		if m.Has(ml.mode) {
			b.WriteByte(ml.letter)
		}
	}
	return b.String()
}

// UnmarshalText implements encoding.TextUnmarshaler, so a FileMode can be
// decoded from mapstructure, yaml or json text.
func (m *FileMode) UnmarshalText(text []byte) error {
	v, err := ParseFileMode(string(text))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

func (m FileMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// flags maps m onto os.OpenFile flags. Records are only ever appended, so
// O_APPEND is always set and an existing header cannot be overwritten.
func (m FileMode) flags() int {
	f := os.O_WRONLY | os.O_APPEND
	if m.Has(ModeOpenAlways) || m.Has(ModeCreatePath) || m.Has(ModeMustNew) {
		f |= os.O_CREATE
	}
	if m.Has(ModeMustNew) {
		f |= os.O_EXCL
	}
	if m.Has(ModeTruncate) {
		f |= os.O_TRUNC
	}
	return f
}
