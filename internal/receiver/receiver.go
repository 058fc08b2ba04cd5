package receiver

import (
	"regexp"
	"strings"

	"github.com/tracyhatemice/imaprelay/internal/mailerr"
)

// Message is one fetched message in its raw RFC 5322 form.
type Message struct {
	SeqNum uint32 // sequence number in the selected folder
	Raw    []byte
}

// Folder is one entry of a folder listing.
type Folder struct {
	Flags     string
	Delimiter string
	Name      string
}

var listLineRE = regexp.MustCompile(`^\((.*?)\) "((?:\\.|[^"\\])*)" (.*)$`)

var quoteEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

// ParseListLine decodes the body of an untagged LIST response, e.g.
//
//	(\HasNoChildren) "/" "INBOX"
//
// into its flags, hierarchy delimiter and folder name. A quoted name loses
// its enclosing quotes and backslash escapes.
func ParseListLine(line []byte) (flags, delimiter, name string, err error) {
	m := listLineRE.FindSubmatch(line)
	if m == nil {
		return "", "", "", &mailerr.FormatError{Line: string(line)}
	}
	name = string(m[3])
	if len(name) >= 2 && name[0] == '"' && name[len(name)-1] == '"' {
		name = unquote(name[1 : len(name)-1])
	}
	return string(m[1]), unquote(string(m[2])), name, nil
}

// FormatListLine renders f the way a server lists it.
func FormatListLine(f Folder) []byte {
	return []byte(`(` + f.Flags + `) "` + quoteEscaper.Replace(f.Delimiter) + `" "` + quoteEscaper.Replace(f.Name) + `"`)
}

func unquote(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
