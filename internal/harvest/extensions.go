package harvest

import "strings"

// MatchExtension reports which of the configured multi-part extensions
// (".mb58.gz", ".mb59.gz", ...) the file name ends with. filepath.Ext only
// sees the final ".gz", so suffix matching is used instead.
func MatchExtension(name string, extensions []string) (string, bool) {
	for _, ext := range extensions {
		if ext == "" {
			continue
		}
		if strings.HasSuffix(strings.ToLower(name), strings.ToLower(ext)) {
			return ext, true
		}
	}
	return "", false
}
