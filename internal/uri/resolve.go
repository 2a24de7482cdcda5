package uri

import "strings"

// Resolve resolves relative against base per RFC 3986 §5.3, returning
// a new URI. An empty relative resolves to base itself.
func Resolve(base *URI, relative string) *URI {
	if relative == "" {
		return base
	}
	rel := Parse(relative)

	if rel.Scheme != "" {
		return rel
	}

	out := &URI{Scheme: base.Scheme}

	if rel.hasAuthory {
		out.hasAuthory = true
		out.User, out.Password, out.HasUser, out.Host, out.Port = rel.User, rel.Password, rel.HasUser, rel.Host, rel.Port
		out.Path = rel.Path
		out.EPath = rel.EPath
		out.Query = rel.Query
		out.Fragment = rel.Fragment
		return out
	}

	out.hasAuthory = base.hasAuthory
	out.User, out.Password, out.HasUser, out.Host, out.Port = base.User, base.Password, base.HasUser, base.Host, base.Port

	switch {
	case rel.Path == "":
		out.Path = base.Path
		out.EPath = base.EPath
		if rel.Query != "" {
			out.Query = rel.Query
		} else {
			out.Query = base.Query
		}
	case strings.HasPrefix(rel.Path, "/"):
		out.Path = removeDotSegments(rel.Path)
		out.EPath = encodePath(out.Path)
		out.Query = rel.Query
	default:
		out.Path = removeDotSegments(mergePaths(base, rel.Path))
		out.EPath = encodePath(out.Path)
		out.Query = rel.Query
	}
	out.Fragment = rel.Fragment
	return out
}

// mergePaths implements RFC 3986 §5.3's merge() for the case where
// base has an authority but an empty path: treated as "/".
func mergePaths(base *URI, relPath string) string {
	if base.hasAuthory && base.Path == "" {
		return "/" + relPath
	}
	i := strings.LastIndexByte(base.Path, '/')
	if i < 0 {
		return relPath
	}
	return base.Path[:i+1] + relPath
}

// removeDotSegments implements RFC 3986 §5.2.4, clamping any ".."
// that would escape the root rather than erroring.
func removeDotSegments(path string) string {
	var out []string
	segments := strings.Split(path, "/")
	leadingSlash := strings.HasPrefix(path, "/")

	// A trailing "/", "/." or "/.." all normalize to a trailing
	// slash in the output, per RFC 3986 §5.2.4's "replace with /"
	// steps; a trailing ordinary segment does not.
	lastSeg := segments[len(segments)-1]
	trailingSlash := lastSeg == "" || lastSeg == "." || lastSeg == ".."

	for _, seg := range segments {
		switch seg {
		case "", ".":
			continue
		case "..":
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
			// At root: clamp rather than escape.
		default:
			out = append(out, seg)
		}
	}

	result := strings.Join(out, "/")
	if leadingSlash {
		result = "/" + result
	}
	if trailingSlash && result != "/" {
		result += "/"
	}
	if result == "" {
		result = "/"
	}
	return result
}

// ResolvePath resolves a bare relative path string against a base path
// string (no scheme/authority machinery), used by the SAN-boot
// chainload path templating and by callers that only ever deal in
// filesystem-style paths.
func ResolvePath(basePath, relPath string) string {
	if relPath == "" {
		return basePath
	}
	if strings.HasPrefix(relPath, "/") {
		return removeDotSegments(relPath)
	}
	i := strings.LastIndexByte(basePath, '/')
	merged := relPath
	if i >= 0 {
		merged = basePath[:i+1] + relPath
	}
	return removeDotSegments(merged)
}
