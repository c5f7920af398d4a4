package registry

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/valyala/bytebufferpool"

	"github.com/srediag/shmregion/pkg/shm"
)

// ParseText reads the text form: one name=location pair per line. Blank
// lines and lines without '=' are skipped, names and locations are trimmed,
// pairs with an empty side are skipped and later duplicates win.
func ParseText(r io.Reader) (map[string]shm.Locator, error) {
	out := make(map[string]shm.Locator)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		name, loc, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		name, loc = strings.TrimSpace(name), strings.TrimSpace(loc)
		if name == "" || loc == "" {
			continue
		}
		out[name] = shm.Locator(loc)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("parse registry text: %w", err)
	}
	return out, nil
}

// FormatText writes entries in the text form, sorted by name.
func FormatText(w io.Writer, entries map[string]shm.Locator) error {
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	for _, name := range names {
		_, _ = buf.WriteString(name)
		_ = buf.WriteByte('=')
		_, _ = buf.WriteString(string(entries[name]))
		_ = buf.WriteByte('\n')
	}
	_, err := w.Write(buf.B)
	return err
}
