package aria2

import "strings"

func isSeparator(r rune) bool {
	return r == '/' || r == '\\'
}

// normalizePath joins the non-empty segments of path with "/", keeping a
// leading separator. Both "/" and "\" separate segments.
func normalizePath(path string) string {
	segments := strings.FieldsFunc(path, isSeparator)
	joined := strings.Join(segments, "/")
	if path != "" && isSeparator(rune(path[0])) {
		return "/" + joined
	}
	return joined
}

// TitleName returns the display name of a download: the first path segment
// of file below dir. For a multi-file torrent that is the torrent's folder,
// for a single file the file name.
func TitleName(file File, dir string) string {
	path := normalizePath(file.Path)
	base := normalizePath(dir)

	if len(path) <= len(base)+1 {
		return ""
	}
	rest := path[len(base)+1:]
	if i := strings.IndexFunc(rest, isSeparator); i >= 0 {
		return rest[:i]
	}
	return rest
}
