package web

import (
	"embed"
	"html/template"
	"time"
)

//go:embed templates/*.html
var templatesFS embed.FS

var funcs = template.FuncMap{
	"clock": func(t time.Time, loc *time.Location) string { return t.In(loc).Format("15:04") },
	"minutes": func(d time.Duration) int { return int(d / time.Minute) },
}

// ParseTemplates parses every page against the shared base layout. Each page
// gets its own template set because they all define "content".
func ParseTemplates() (map[string]*template.Template, error) {
	pages := []string{"login.html", "dashboard.html"}
	out := make(map[string]*template.Template, len(pages))
	for _, p := range pages {
		t, err := template.New(p).Funcs(funcs).ParseFS(templatesFS, "templates/base.html", "templates/"+p)
		if err != nil {
			return nil, err
		}
		out[p] = t
	}
	return out, nil
}
