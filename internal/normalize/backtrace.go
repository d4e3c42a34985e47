package normalize

import (
	"regexp"
	"strconv"
	"strings"
)

var frameRe = regexp.MustCompile(`^(?:from\s+)?(.+?):(\d+)(?::in\s+(.+?))?\s*$`)

var pathMarkers = []string{"/app/", "/lib/", "/config/", "/db/"}

var libraryMarkers = []string{
	"/gems/",
	"/vendor/bundle/",
	"/bundler/",
	"/lib/ruby/",
	"/rubies/",
	"<internal:",
}

var appFrameTypes = []struct {
	prefix string
	kind   FrameType
}{
	{"app/controllers/concerns/", FrameConcern},
	{"app/models/concerns/", FrameConcern},
	{"app/controllers/", FrameController},
	{"app/models/", FrameModel},
	{"app/services/", FrameService},
	{"app/jobs/", FrameJob},
	{"app/workers/", FrameJob},
	{"app/sidekiq/", FrameJob},
	{"app/views/", FrameView},
	{"app/helpers/", FrameHelper},
	{"app/mailers/", FrameMailer},
	{"lib/", FrameLibrary},
}

// ParseFrame parses one backtrace line. Unparseable lines keep only Raw.
func ParseFrame(line string) StackFrame {
	line = strings.TrimSpace(line)
	f := StackFrame{Raw: line, FrameType: FrameUnknown}
	m := frameRe.FindStringSubmatch(line)
	if m == nil {
		return f
	}
	file := strings.ReplaceAll(m[1], "\\", "/")
	f.Line, _ = strconv.Atoi(m[2])
	f.Method = frameMethod(m[3])

	if isLibraryPath(file) {
		f.File = file
		f.FrameType = FrameLibrary
		if strings.Contains(file, "/gems/") || strings.Contains(file, "/vendor/bundle/") {
			f.FrameType = FrameGem
		}
		return f
	}

	f.File = RelativePath(file)
	if strings.HasPrefix(f.File, "/") {
		return f
	}
	f.InApp = true
	for _, t := range appFrameTypes {
		if strings.HasPrefix(f.File, t.prefix) {
			f.FrameType = t.kind
			break
		}
	}
	return f
}

// frameMethod unquotes `name', 'Class#name' and bare method names.
func frameMethod(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || (s[0] != '`' && s[0] != '\'') {
		return s
	}
	s = s[1:]
	if i := strings.IndexByte(s, '\''); i >= 0 {
		s = s[:i]
	}
	return s
}

// RelativePath strips the deploy directory from an application path, so
// /srv/releases/42/app/models/user.rb becomes app/models/user.rb.
func RelativePath(file string) string {
	best := -1
	for _, marker := range pathMarkers {
		if i := strings.LastIndex(file, marker); i > best {
			best = i
		}
	}
	if best >= 0 {
		return file[best+1:]
	}
	for _, marker := range pathMarkers {
		if strings.HasPrefix(file, marker[1:]) {
			return file
		}
	}
	return strings.TrimPrefix(file, "./")
}

func isLibraryPath(file string) bool {
	for _, marker := range libraryMarkers {
		if strings.Contains(file, marker) {
			return true
		}
	}
	return false
}

// parseBacktrace accepts a list of strings, a list of frame objects
// ({"line": "...", "pre_context": [...], ...}) or one newline-joined string.
func parseBacktrace(v any) []StackFrame {
	var frames []StackFrame
	add := func(line string, sc *SourceContext) {
		if strings.TrimSpace(line) == "" {
			return
		}
		f := ParseFrame(line)
		f.SourceContext = sc
		frames = append(frames, f)
	}

	switch t := v.(type) {
	case string:
		for _, line := range strings.Split(t, "\n") {
			add(line, nil)
		}
	case []string:
		for _, line := range t {
			add(line, nil)
		}
	case []any:
		for _, item := range t {
			switch it := item.(type) {
			case string:
				add(it, nil)
			case map[string]any:
				add(frameObjectLine(it), sourceContext(it))
			}
		}
	}
	return frames
}

func frameObjectLine(m map[string]any) string {
	if s, ok := str(m, "line"); ok {
		if _, err := strconv.Atoi(s); err != nil {
			return s
		}
	}
	file, _ := str(m, "file")
	if file == "" {
		file, _ = str(m, "filename")
	}
	if file == "" {
		return ""
	}
	line, _ := str(m, "lineno")
	if line == "" {
		line, _ = str(m, "line")
	}
	s := file + ":" + line
	if method, ok := str(m, "method"); ok {
		s += ":in `" + method + "'"
	}
	return s
}

func sourceContext(m map[string]any) *SourceContext {
	sc := &SourceContext{
		Pre:  stringList(m, "pre_context"),
		Post: stringList(m, "post_context"),
	}
	if v, ok := get(m, "context_line"); ok {
		sc.Line, _ = v.(string)
	}
	if len(sc.Pre) == 0 && len(sc.Post) == 0 && sc.Line == "" {
		return nil
	}
	return sc
}

func stringList(m map[string]any, key string) []string {
	v, ok := get(m, key)
	if !ok {
		return nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func culprit(frames []StackFrame) *StackFrame {
	for i := range frames {
		if frames[i].InApp {
			f := frames[i]
			return &f
		}
	}
	return nil
}
