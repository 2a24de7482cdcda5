// Package uri implements the RFC 3986 URI model the pipeline is
// opened and redirected through: parsing, canonical formatting,
// relative resolution, and the attached named parameter lists used to
// carry HTTP form/header fields.
//
// Grounded on original_source/src/tests/uri_test.c's edge cases
// (mailto: opaque, IPv6 zone IDs, file: variants, dot-segment
// clamping) rather than net/url, because net/url has no opaque/epath
// split and no parameter-list concept.
package uri

import (
	"strconv"
	"strings"
)

// URI is the parsed URI value. Parse and Resolve never modify a URI
// they are given; Resolve returns a new value, except that an empty
// relative reference yields base itself.
type URI struct {
	Scheme     string
	Opaque     string // set for "scheme:opaque": a scheme, then neither "//" nor "/"
	User       string
	Password   string
	HasUser    bool
	Host       string // retains [brackets] for an IPv6 literal
	Port       string // decimal ASCII, no leading zero requirement
	Path       string // decoded form
	EPath      string // canonical percent-encoded form of Path
	Query      string // raw, percent-encoded
	Fragment   string // raw, percent-encoded
	Params     *ParamList
	hasAuthory bool
}

// HasAuthority reports whether the URI has a "//" authority component.
func (u *URI) HasAuthority() bool { return u.hasAuthory }

// Parse decodes s into a URI. It is lenient: improperly percent-encoded
// input is accepted as-is rather than rejected, matching the original
// parser's tolerance; Format always emits the canonical form.
func Parse(s string) *URI {
	u := &URI{}
	rest := s

	if i := strings.Index(rest, ":"); i >= 0 && isScheme(rest[:i]) {
		u.Scheme = rest[:i]
		rest = rest[i+1:]
	}

	// "##" introduces a named parameter-list reference; split it off
	// before the fragment and the query so "?a=b##params" is handled
	// correctly.
	if i := strings.Index(rest, "##"); i >= 0 {
		// Parameter-list attachment is recorded purely by name, as a
		// ParamList with no parameters; nothing here resolves the name
		// against a live list.
		u.Params = NewParamList(rest[i+2:])
		rest = rest[:i]
	}
	// Split off fragment and query next; they terminate the
	// hierarchical or opaque part wherever they appear.
	if i := strings.IndexByte(rest, '#'); i >= 0 {
		u.Fragment = rest[i+1:]
		rest = rest[:i]
	}
	if i := strings.IndexByte(rest, '?'); i >= 0 {
		u.Query = rest[i+1:]
		rest = rest[:i]
	}

	switch {
	case strings.HasPrefix(rest, "//"):
		// "scheme://host/path" - has an authority component.
		u.hasAuthory = true
		rest = rest[2:]
		var authority string
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			authority = rest[:i]
			rest = rest[i:]
		} else {
			authority = rest
			rest = ""
		}
		parseAuthority(u, authority)
		u.Path = decodePercent(rest)
		u.EPath = encodePath(u.Path)
	case rest == "":
		// No hierarchy, no opaque content: empty URI or bare scheme.
	case strings.HasPrefix(rest, "/"):
		// "scheme:/path" - hierarchical path-absolute, no authority.
		u.Path = decodePercent(rest)
		u.EPath = encodePath(u.Path)
	case u.Scheme != "":
		// "scheme:opaque", e.g. mailto:user@example.com
		u.Opaque = rest
	default:
		// Relative reference with a path but no scheme/authority.
		u.Path = decodePercent(rest)
		u.EPath = encodePath(u.Path)
	}

	return u
}

func isScheme(s string) bool {
	if s == "" {
		return false
	}
	for i, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9', c == '+', c == '-', c == '.':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func parseAuthority(u *URI, authority string) {
	userinfo := ""
	hostport := authority
	if i := strings.IndexByte(authority, '@'); i >= 0 {
		userinfo = authority[:i]
		hostport = authority[i+1:]
		u.HasUser = true
		if j := strings.IndexByte(userinfo, ':'); j >= 0 {
			u.User = decodePercent(userinfo[:j])
			u.Password = decodePercent(userinfo[j+1:])
		} else {
			u.User = decodePercent(userinfo)
		}
	}

	if strings.HasPrefix(hostport, "[") {
		// IPv6 literal: keep brackets; a %zone is accepted
		// unescaped or percent-escaped on input.
		if j := strings.IndexByte(hostport, ']'); j >= 0 {
			u.Host = decodePercent(hostport[:j+1])
			rest := hostport[j+1:]
			if strings.HasPrefix(rest, ":") {
				u.Port = rest[1:]
			}
			return
		}
		u.Host = decodePercent(hostport)
		return
	}

	if i := strings.LastIndexByte(hostport, ':'); i >= 0 {
		u.Host = decodePercent(hostport[:i])
		u.Port = hostport[i+1:]
	} else {
		u.Host = decodePercent(hostport)
	}
}

// PortNum parses Port as an integer, returning def when Port is empty
// or invalid. Valid range is 0-65535.
func (u *URI) PortNum(def uint16) uint16 {
	if u.Port == "" {
		return def
	}
	n, err := strconv.ParseUint(u.Port, 10, 16)
	if err != nil {
		return def
	}
	return uint16(n)
}

// IsOpaque reports whether Parse found an opaque part: a scheme
// followed by a non-empty remainder starting with neither "//" nor "/".
func (u *URI) IsOpaque() bool { return u.Opaque != "" }
