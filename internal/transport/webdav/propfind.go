package webdav

import (
	"encoding/xml"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/paneflow/paneflow/internal/transport"
)

const propfindBody = `<?xml version="1.0" encoding="utf-8" ?>
<D:propfind xmlns:D="DAV:">
 <D:prop>
  <D:displayname/>
  <D:resourcetype/>
  <D:getcontentlength/>
  <D:getlastmodified/>
 </D:prop>
</D:propfind>
`

// multistatus is the body of a 207 answer.
type multistatus struct {
	Responses []response `xml:"response"`
}

type response struct {
	Href  string `xml:"href"`
	Props prop   `xml:"propstat"`
}

// prop folds every propstat of a response into one struct; only the first
// status is checked.
type prop struct {
	Status       []string  `xml:"DAV: status"`
	Name         string    `xml:"DAV: prop>displayname,omitempty"`
	Type         *xml.Name `xml:"DAV: prop>resourcetype>collection,omitempty"`
	IsCollection *string   `xml:"DAV: prop>iscollection,omitempty"`
	Size         int64     `xml:"DAV: prop>getcontentlength,omitempty"`
	Modified     string    `xml:"DAV: prop>getlastmodified,omitempty"`
}

var statusLine = regexp.MustCompile(`^HTTP/[0-9.]+\s+(\d+)`)

func (p prop) ok() bool {
	if len(p.Status) == 0 {
		return true
	}
	m := statusLine.FindStringSubmatch(p.Status[0])
	if len(m) < 2 {
		return false
	}
	code, err := strconv.Atoi(m[1])
	return err == nil && code >= 200 && code < 300
}

func (p prop) isDir() bool {
	if p.Type != nil {
		return true
	}
	return p.IsCollection != nil && (*p.IsCollection == "1" || strings.EqualFold(*p.IsCollection, "true"))
}

func (p prop) modTime() time.Time {
	if p.Modified == "" {
		return time.Time{}
	}
	t, err := http.ParseTime(p.Modified)
	if err != nil {
		return time.Time{}
	}
	return t
}

// parseMultistatus turns a PROPFIND answer into entries. basePath is the URL
// path of the server root; hrefs are made relative to it. The entry for dir
// itself is returned separately.
func parseMultistatus(body []byte, basePath, dir string) (self *transport.Entry, children []transport.Entry, err error) {
	var ms multistatus
	if err := xml.Unmarshal(body, &ms); err != nil {
		return nil, nil, err
	}
	want := cleanPath(dir)
	for _, r := range ms.Responses {
		if !r.Props.ok() {
			continue
		}
		p, err := hrefToPath(r.Href, basePath)
		if err != nil {
			continue
		}
		e := transport.Entry{
			Name:    path.Base(p),
			Path:    p,
			IsDir:   r.Props.isDir(),
			ModTime: r.Props.modTime(),
		}
		if !e.IsDir {
			e.Size = r.Props.Size
		}
		if p == want {
			if p == "/" {
				e.Name = "/"
			}
			self = &e
			continue
		}
		children = append(children, e)
	}
	return self, children, nil
}

func hrefToPath(href, basePath string) (string, error) {
	u, err := url.Parse(href)
	if err != nil {
		return "", err
	}
	p := u.Path
	base := strings.TrimSuffix(basePath, "/")
	if base != "" && strings.HasPrefix(p, base) {
		p = strings.TrimPrefix(p, base)
	}
	return cleanPath(p), nil
}

func cleanPath(p string) string {
	return path.Clean("/" + p)
}
