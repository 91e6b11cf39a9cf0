package pipeline

import (
	"fmt"
	"regexp"
	"strings"
)

// imageColumns are the dotted-path leaf names that toggle the profile-picture
// placeholder block visible/hidden based on whether the resolved value is empty.
var imageColumns = map[string]bool{
	"profile_pic":     true,
	"profile_picture": true,
	"avatar":          true,
	"image":           true,
	"photo":           true,
}

var (
	tokenPattern      = regexp.MustCompile(`\{([a-zA-Z0-9_.]+)\}`)
	scriptTagPattern  = regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script>`)
	profilePicImgTag  = regexp.MustCompile(`(?is)(<img[^>]*id=["']?profilePic["']?[^>]*)style=["'][^"']*display\s*:\s*none[^"']*["']`)
	placeholderDivTag = regexp.MustCompile(`(?is)(<div[^>]*id=["']?placeholder["']?[^>]*)(>)`)
)

// FillTemplate substitutes every `{token}` occurrence in html with the value resolved
// from data. A token may be a bare column name or a dotted path (`{a.b.c}`); unknown
// tokens and paths that don't resolve are left in the output literally. When a
// recognized image column resolves to a non-empty value, the template's hidden
// profilePic <img> is revealed and its placeholder <div> is hidden; all <script> tags
// are stripped regardless of substitution outcome.
func FillTemplate(html string, data map[string]any) string {
	sawImageValue := false

	result := tokenPattern.ReplaceAllStringFunc(html, func(match string) string {
		token := strings.Trim(match, "{}")
		value, ok := lookupDotted(data, token)
		if !ok {
			return match
		}
		s := stringifyValue(value)
		if imageColumns[strings.ToLower(lastSegment(token))] && strings.TrimSpace(s) != "" {
			sawImageValue = true
		}
		return s
	})

	if sawImageValue {
		result = profilePicImgTag.ReplaceAllString(result, `${1}style=""`)
		result = placeholderDivTag.ReplaceAllString(result, `${1} style="display: none;">`)
	}

	result = scriptTagPattern.ReplaceAllString(result, "")
	return result
}

func lastSegment(token string) string {
	parts := strings.Split(token, ".")
	return parts[len(parts)-1]
}

// lookupDotted walks a dotted path (`a.b.c`) through nested maps. A bare column name
// is a path of length one. Returns ok=false if any segment is missing or not a map.
func lookupDotted(data map[string]any, path string) (any, bool) {
	segments := strings.Split(path, ".")
	var cur any = data
	for _, seg := range segments {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[seg]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func stringifyValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}
