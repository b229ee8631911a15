// Package report renders an HTML index of the figures in an output
// directory.
package report

import (
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"k8s.io/klog/v2"

	"github.com/mengelbart/mrtp-plots/pkg/testcase"
)

const IndexFile = "index.html"

var imageExts = map[string]bool{".png": true, ".svg": true, ".jpg": true}

type Section struct {
	Name  string
	Plots []string
}

type Index struct {
	Title     string
	Sections  []Section
	Summaries []testcase.Summary
}

var indexTemplate = template.Must(template.New(IndexFile).Funcs(template.FuncMap{
	"ms":  func(s float64) string { return fmt.Sprintf("%.1f ms", s*1000) },
	"pct": func(f float64) string { return fmt.Sprintf("%.2f %%", f*100) },
	"bps": formatRate,
}).Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: sans-serif; margin: 2em; }
img { max-width: 48%; margin: 0.5%; }
table { border-collapse: collapse; }
td, th { border: 1px solid #ccc; padding: 0.3em 0.6em; text-align: right; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
{{if .Summaries}}
<table>
<tr><th>Test case</th><th>Packets</th><th>Median OWD</th><th>P95 OWD</th><th>Loss</th><th>Tx rate</th><th>Rx rate</th></tr>
{{range .Summaries}}<tr><td>{{.Name}}</td><td>{{.Packets}}</td>{{with .Latency}}<td>{{ms .P50}}</td><td>{{ms .P95}}</td>{{else}}<td>-</td><td>-</td>{{end}}<td>{{pct .Loss.Rate}}</td><td>{{bps .TxRate}}</td><td>{{bps .RxRate}}</td></tr>
{{end}}</table>
{{end}}
{{range .Sections}}
<h2 id="{{.Name}}">{{.Name}}</h2>
<div>{{range .Plots}}<a href="{{.}}"><img src="{{.}}" alt="{{.}}"></a>{{end}}</div>
{{end}}
</body>
</html>
`))

func formatRate(bps float64) string {
	switch {
	case bps >= 1e9:
		return fmt.Sprintf("%.2f Gbit/s", bps/1e9)
	case bps >= 1e6:
		return fmt.Sprintf("%.2f Mbit/s", bps/1e6)
	case bps >= 1e3:
		return fmt.Sprintf("%.2f kbit/s", bps/1e3)
	default:
		return fmt.Sprintf("%.0f bit/s", bps)
	}
}

// Scan builds one section per subdirectory of dir holding images, and one
// section per test type for images stored in dir itself. The test type of
// a combined image is its name without the last underscore separated part.
func Scan(dir string) ([]Section, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var sections []Section
	var combined []string
	for _, e := range entries {
		if e.IsDir() {
			plots, err := images(filepath.Join(dir, e.Name()), e.Name())
			if err != nil {
				return nil, err
			}
			if len(plots) > 0 {
				sections = append(sections, Section{Name: e.Name(), Plots: plots})
			}
			continue
		}
		if imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
			combined = append(combined, e.Name())
		}
	}
	sort.Strings(combined)

	byType := map[string][]string{}
	var types []string
	for _, img := range combined {
		stem := strings.TrimSuffix(img, filepath.Ext(img))
		tt := testcase.TestType(stem)
		if _, ok := byType[tt]; !ok {
			types = append(types, tt)
		}
		byType[tt] = append(byType[tt], img)
	}
	for _, tt := range types {
		sections = append(sections, Section{Name: strings.ReplaceAll(tt, "_", " "), Plots: byType[tt]})
	}
	return sections, nil
}

func images(dir, prefix string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
			out = append(out, filepath.ToSlash(filepath.Join(prefix, e.Name())))
		}
	}
	sort.Strings(out)
	return out, nil
}

// Generate writes index.html into dir.
func Generate(dir, title string, summaries []testcase.Summary) (string, error) {
	sections, err := Scan(dir)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, IndexFile)
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if title == "" {
		title = filepath.Base(dir)
	}
	idx := Index{Title: title, Sections: sections, Summaries: summaries}
	if err := indexTemplate.Execute(f, idx); err != nil {
		return "", fmt.Errorf("render %s: %w", path, err)
	}
	klog.Infof("wrote %s with %d sections", path, len(sections))
	return path, nil
}
