package objstore

import (
	"fmt"
	"path"
	"regexp"
	"strconv"
)

type Category string

const (
	CategoryPhotos Category = "photos"
	CategoryPages  Category = "pages"
)

func (c Category) Ext() string {
	switch c {
	case CategoryPages:
		return "webp"
	default:
		return "jpeg"
	}
}

func (c Category) ContentType() string {
	switch c {
	case CategoryPages:
		return "image/webp"
	default:
		return "image/jpeg"
	}
}

func ParseCategory(s string) (Category, error) {
	switch Category(s) {
	case CategoryPhotos, CategoryPages:
		return Category(s), nil
	}
	return "", fmt.Errorf("unknown category %q", s)
}

// Template names the objects of one batch:
//
//	<root>/<reportId>/<category>/<name>_<index:03d>.<ext>
type Template struct {
	Root     string
	ReportID string
	Category Category
	Name     string
}

func (t Template) Key(index int) string {
	file := fmt.Sprintf("%s_%03d.%s", t.Name, index, t.Category.Ext())
	return path.Join(t.Root, t.ReportID, string(t.Category), file)
}

// the root may be empty, in which case keys start at the report id
var keyPattern = regexp.MustCompile(`^(?:(.+)/)?([^/]+)/(photos|pages)/([^/]+)_(\d{3,})\.(jpeg|webp)$`)

// ParseKey recovers the report id and source index from a key built by
// Template.Key. ok is false for keys outside that layout.
func ParseKey(key string) (reportID string, index int, ok bool) {
	m := keyPattern.FindStringSubmatch(key)
	if m == nil {
		return "", 0, false
	}
	if Category(m[3]).Ext() != m[6] {
		return "", 0, false
	}
	n, err := strconv.Atoi(m[5])
	if err != nil {
		return "", 0, false
	}
	return m[2], n, true
}
