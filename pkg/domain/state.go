package domain

import "time"

type State int

const (
	StateActive State = iota
	StateExpired
	StateBurned
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateExpired:
		return "expired"
	case StateBurned:
		return "burned"
	}
	return "unknown"
}

// StateAt derives the visibility state of p at now. A burned paste stays
// burned even after its expiry passes.
func StateAt(p *Paste, now time.Time) State {
	if p.IsBurned {
		return StateBurned
	}
	if p.ExpiresAt != nil && !now.Before(*p.ExpiresAt) {
		return StateExpired
	}
	return StateActive
}

var extensions = map[string]string{
	"javascript": "js",
	"typescript": "ts",
	"python":     "py",
	"java":       "java",
	"cpp":        "cpp",
	"html":       "html",
	"css":        "css",
	"json":       "json",
	"xml":        "xml",
	"sql":        "sql",
	"bash":       "sh",
	"php":        "php",
	"ruby":       "rb",
	"go":         "go",
}

func FileExtension(language string) string {
	if ext, ok := extensions[language]; ok {
		return ext
	}
	return "txt"
}

func DownloadFilename(p *Paste) string {
	return p.ShortID + "." + FileExtension(p.Language)
}
