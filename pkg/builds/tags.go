package builds

import (
	"regexp"
	"strings"
)

var semverHead = regexp.MustCompile(`^\d+\.\d+\.\d+`)

// ParseReleaseTag extracts the version string recorded on a build from a
// release tag. A leading "v", "release-" or "release/" is stripped; if the
// remainder opens with major.minor.patch, exactly that substring is kept,
// dropping any prerelease or build suffix. Anything else passes through
// unchanged. The prerelease flag is taken from GitHub's release metadata,
// never from the tag.
func ParseReleaseTag(tag string) string {
	cleaned := strings.TrimSpace(tag)
	switch {
	case strings.HasPrefix(cleaned, "release-"):
		cleaned = strings.TrimPrefix(cleaned, "release-")
	case strings.HasPrefix(cleaned, "release/"):
		cleaned = strings.TrimPrefix(cleaned, "release/")
	}
	cleaned = strings.TrimPrefix(cleaned, "v")
	if head := semverHead.FindString(cleaned); head != "" {
		return head
	}
	return cleaned
}
