package uri

import "strings"

// Format writes the canonical string form of u.
func Format(u *URI) string {
	var b strings.Builder

	if u.Scheme != "" {
		b.WriteString(u.Scheme)
		b.WriteByte(':')
	}

	switch {
	case u.Opaque != "":
		b.WriteString(u.Opaque)
	case u.hasAuthory:
		b.WriteString("//")
		writeAuthority(&b, u)
		b.WriteString(u.EPath)
	default:
		b.WriteString(u.EPath)
	}

	if u.Query != "" {
		b.WriteByte('?')
		b.WriteString(u.Query)
	}
	if u.Fragment != "" {
		b.WriteByte('#')
		b.WriteString(u.Fragment)
	}
	return b.String()
}

func writeAuthority(b *strings.Builder, u *URI) {
	if u.HasUser {
		b.WriteString(encodeUserinfo(u.User))
		if u.Password != "" {
			b.WriteByte(':')
			b.WriteString(encodeUserinfo(u.Password))
		}
		b.WriteByte('@')
	}
	b.WriteString(encodeZone(u.Host))
	if u.Port != "" {
		b.WriteByte(':')
		b.WriteString(u.Port)
	}
}

// FormatAlloc is an alias of Format kept for symmetry with the
// original's format()/format_alloc() pair (the original distinguishes
// "format into caller buffer" from "allocate a new buffer"; in Go both
// collapse to a single string-returning call).
func FormatAlloc(u *URI) string { return Format(u) }

// String implements fmt.Stringer.
func (u *URI) String() string { return Format(u) }
