package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"pkt.systems/screenstream/schema"
)

const (
	manifestName = "screens.json"
	// gridColumns is the row width used when placing screens that carry no
	// grid position.
	gridColumns = 4
)

// screenWriter writes completed screens as standalone HTML files. A screen
// that reuses a name overwrites the earlier file.
type screenWriter struct {
	dir   string
	files map[string]string
	used  map[string]bool
}

func newScreenWriter(dir string) (*screenWriter, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("output directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &screenWriter{dir: dir, files: make(map[string]string), used: make(map[string]bool)}, nil
}

func (w *screenWriter) fileFor(name string) string {
	if file, ok := w.files[name]; ok {
		return file
	}
	base := slugify(name)
	file := base + ".html"
	for i := 2; w.used[file]; i++ {
		file = fmt.Sprintf("%s-%d.html", base, i)
	}
	w.used[file] = true
	w.files[name] = file
	return file
}

func (w *screenWriter) write(screen schema.Screen) (string, error) {
	path := filepath.Join(w.dir, w.fileFor(screen.Name))
	if err := os.WriteFile(path, []byte(screen.HTML+"\n"), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

type manifest struct {
	Session     schema.SessionID     `json:"session"`
	Model       schema.ModelID       `json:"model,omitempty"`
	Status      schema.SessionStatus `json:"status"`
	ProjectName string               `json:"projectName,omitempty"`
	ProjectIcon string               `json:"projectIcon,omitempty"`
	Screens     []manifestEntry      `json:"screens"`
}

type manifestEntry struct {
	Name    string `json:"name"`
	File    string `json:"file"`
	IsEdit  bool   `json:"isEdit,omitempty"`
	IsRoot  bool   `json:"isRoot,omitempty"`
	GridCol int    `json:"gridCol"`
	GridRow int    `json:"gridRow"`
	// Placed marks a position assigned here rather than by the model.
	Placed bool `json:"placed,omitempty"`
}

func (w *screenWriter) writeManifest(result schema.SessionResult) (string, error) {
	out := manifest{
		Session:     result.ID,
		Model:       result.Model,
		Status:      result.Status,
		ProjectName: result.ProjectName,
		ProjectIcon: result.ProjectIcon,
		Screens:     placeScreens(result.Screens),
	}
	for i := range out.Screens {
		out.Screens[i].File = w.fileFor(out.Screens[i].Name)
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(w.dir, manifestName)
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

type cell struct{ col, row int }

// placeScreens keeps model-provided positions and fills the rest into the
// first free cells in row-major order.
func placeScreens(screens []schema.Screen) []manifestEntry {
	taken := make(map[cell]bool)
	for _, screen := range screens {
		if screen.HasGrid() {
			taken[cell{*screen.GridCol, *screen.GridRow}] = true
		}
	}
	next := 0
	out := make([]manifestEntry, 0, len(screens))
	for _, screen := range screens {
		entry := manifestEntry{Name: screen.Name, IsEdit: screen.IsEdit, IsRoot: screen.IsRoot}
		if screen.HasGrid() {
			entry.GridCol, entry.GridRow = *screen.GridCol, *screen.GridRow
		} else {
			for taken[cell{next % gridColumns, next / gridColumns}] {
				next++
			}
			pos := cell{next % gridColumns, next / gridColumns}
			taken[pos] = true
			entry.GridCol, entry.GridRow, entry.Placed = pos.col, pos.row, true
		}
		out = append(out, entry)
	}
	return out
}

func slugify(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			dash = false
		case b.Len() > 0 && !dash:
			b.WriteByte('-')
			dash = true
		}
	}
	slug := strings.TrimSuffix(b.String(), "-")
	if slug == "" {
		return "screen"
	}
	return slug
}
