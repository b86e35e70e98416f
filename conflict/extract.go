package conflict

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/taskmux/taskmux/task"
)

// Claims is the set of resources a task declares, merged from its description
// heuristics and its explicit parameters.
type Claims struct {
	Files       []string
	Ports       []int
	Services    []string
	WriteIntent bool
}

// serviceVocabulary is the fixed set of service tokens recognized in task
// descriptions.
var serviceVocabulary = []string{
	"redis", "postgres", "mysql", "mongodb", "elasticsearch", "rabbitmq", "kafka",
}

var (
	// fileTokenRegex matches file-like tokens carrying an extension.
	fileTokenRegex = regexp.MustCompile(`[\w./~-]+\.[A-Za-z][A-Za-z0-9]{0,7}\b`)
	// portRegex matches port numbers following port/listen/bind.
	portRegex = regexp.MustCompile(`(?i)\b(?:port|listen|bind)\b\D{0,12}?(\d{2,5})`)
	// writeIntentRegex matches keywords indicating the task mutates files.
	writeIntentRegex = regexp.MustCompile(`(?i)\b(write|modify|update|create|delete|save|edit|append)\b`)
)

// ExtractClaims derives the claim set for a task.
func ExtractClaims(t task.Task) Claims {
	c := Claims{
		WriteIntent: writeIntentRegex.MatchString(t.Description),
	}

	fileSet := make(map[string]struct{})
	for _, f := range t.Parameters.Files {
		fileSet[NormalizePath(f)] = struct{}{}
	}
	for _, tok := range fileTokenRegex.FindAllString(t.Description, -1) {
		if looksLikeFile(tok) {
			fileSet[NormalizePath(tok)] = struct{}{}
		}
	}
	for f := range fileSet {
		c.Files = append(c.Files, f)
	}

	portSet := make(map[int]struct{})
	for _, p := range t.Parameters.Ports {
		portSet[p] = struct{}{}
	}
	for _, m := range portRegex.FindAllStringSubmatch(t.Description, -1) {
		if p, err := strconv.Atoi(m[1]); err == nil && p > 0 && p < 65536 {
			portSet[p] = struct{}{}
		}
	}
	for p := range portSet {
		c.Ports = append(c.Ports, p)
	}

	svcSet := make(map[string]struct{})
	for _, s := range t.Parameters.Services {
		svcSet[strings.ToLower(s)] = struct{}{}
	}
	lower := strings.ToLower(t.Description)
	for _, svc := range serviceVocabulary {
		if containsWord(lower, svc) {
			svcSet[svc] = struct{}{}
		}
	}
	for s := range svcSet {
		c.Services = append(c.Services, s)
	}

	return c
}

// NormalizePath cleans a file path claim so equivalent spellings collide.
func NormalizePath(p string) string {
	p = strings.TrimSpace(p)
	p = strings.TrimPrefix(p, "./")
	return filepath.Clean(p)
}

// looksLikeFile filters out tokens the file regex matches that are clearly not
// paths, like version numbers ("v1.2") or bare domains.
func looksLikeFile(tok string) bool {
	ext := filepath.Ext(tok)
	if ext == "" {
		return false
	}
	// Numeric "extensions" are version fragments, not files.
	if _, err := strconv.Atoi(strings.TrimPrefix(ext, ".")); err == nil {
		return false
	}
	return true
}

func containsWord(s, word string) bool {
	idx := 0
	for {
		i := strings.Index(s[idx:], word)
		if i < 0 {
			return false
		}
		i += idx
		before := i == 0 || !isWordByte(s[i-1])
		after := i+len(word) >= len(s) || !isWordByte(s[i+len(word)])
		if before && after {
			return true
		}
		idx = i + len(word)
	}
}

func isWordByte(b byte) bool {
	return b == '_' || ('a' <= b && b <= 'z') || ('A' <= b && b <= 'Z') || ('0' <= b && b <= '9')
}
