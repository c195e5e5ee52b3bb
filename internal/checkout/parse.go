package checkout

import (
	"strconv"
	"strings"

	"github.com/paseo-sh/paseo/pkg/protocol"
)

// porcelainEntry is one line of `git status --porcelain`.
type porcelainEntry struct {
	Path      string
	Untracked bool
	Deleted   bool
	Added     bool
	Renamed   bool
	// OldPath is set for renames (the pre-rename path).
	OldPath string
}

// parsePorcelain decodes `git status --porcelain` output. Rename
// entries carry "old -> new"; quoted paths are unescaped by git itself
// when we pass -z, but the plain format is kept for log readability so
// we strip the simple quote form here.
func parsePorcelain(out string) []porcelainEntry {
	var entries []porcelainEntry
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		x, y := line[0], line[1]
		path := strings.TrimSpace(line[3:])

		e := porcelainEntry{Path: unquotePath(path)}
		switch {
		case x == '?' && y == '?':
			e.Untracked = true
		case x == 'D' || y == 'D':
			e.Deleted = true
		case x == 'A' || y == 'A':
			e.Added = true
		case x == 'R':
			e.Renamed = true
			if old, newer, ok := strings.Cut(e.Path, " -> "); ok {
				e.OldPath = unquotePath(old)
				e.Path = unquotePath(newer)
			}
		}
		entries = append(entries, e)
	}
	return entries
}

func unquotePath(p string) string {
	if len(p) >= 2 && p[0] == '"' && p[len(p)-1] == '"' {
		if unq, err := strconv.Unquote(p); err == nil {
			return unq
		}
	}
	return p
}

// numstat holds the per-file counters from `git diff --numstat`.
type numstat struct {
	Additions int
	Deletions int
	Binary    bool
}

// parseNumstat decodes `git diff --numstat` output into a path-keyed
// map. Binary files report "-" counters.
func parseNumstat(out string) map[string]numstat {
	stats := map[string]numstat{}
	for _, line := range strings.Split(out, "\n") {
		fields := strings.SplitN(line, "\t", 3)
		if len(fields) != 3 {
			continue
		}
		path := unquotePath(fields[2])
		// Renames show as "old => new" or "{a => b}/rest".
		if idx := strings.LastIndex(path, " => "); idx >= 0 {
			path = expandRenamePath(path)
		}

		var st numstat
		if fields[0] == "-" || fields[1] == "-" {
			st.Binary = true
		} else {
			st.Additions, _ = strconv.Atoi(fields[0])
			st.Deletions, _ = strconv.Atoi(fields[1])
		}
		stats[path] = st
	}
	return stats
}

// expandRenamePath resolves git's rename shorthand to the new path.
// "{old => new}/x" becomes "new/x", "a => b" becomes "b".
func expandRenamePath(p string) string {
	open := strings.Index(p, "{")
	arrow := strings.Index(p, " => ")
	if open >= 0 {
		closeIdx := strings.Index(p[open:], "}")
		if closeIdx >= 0 && arrow > open && arrow < open+closeIdx {
			inner := p[open+1 : open+closeIdx]
			_, newer, _ := strings.Cut(inner, " => ")
			return p[:open] + newer + p[open+closeIdx+1:]
		}
	}
	if arrow >= 0 {
		return p[arrow+4:]
	}
	return p
}

// parseUnifiedDiff extracts hunks from one file's unified diff output.
// Header lines before the first @@ are skipped.
func parseUnifiedDiff(out string) []protocol.Hunk {
	var hunks []protocol.Hunk
	var cur *protocol.Hunk

	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "@@") {
			if cur != nil {
				hunks = append(hunks, *cur)
			}
			h := parseHunkHeader(line)
			cur = &h
			continue
		}
		if cur == nil {
			continue
		}
		if line == "" || (line[0] != '+' && line[0] != '-' && line[0] != ' ' && line[0] != '\\') {
			continue
		}
		cur.Lines = append(cur.Lines, line)
	}
	if cur != nil {
		hunks = append(hunks, *cur)
	}
	return hunks
}

// parseHunkHeader decodes "@@ -oldStart,oldLines +newStart,newLines @@".
// A missing count means 1.
func parseHunkHeader(line string) protocol.Hunk {
	var h protocol.Hunk
	h.OldLines, h.NewLines = 1, 1

	body := strings.TrimPrefix(line, "@@")
	if idx := strings.Index(body, "@@"); idx >= 0 {
		body = body[:idx]
	}
	for _, field := range strings.Fields(body) {
		switch {
		case strings.HasPrefix(field, "-"):
			h.OldStart, h.OldLines = parseRange(field[1:])
		case strings.HasPrefix(field, "+"):
			h.NewStart, h.NewLines = parseRange(field[1:])
		}
	}
	return h
}

func parseRange(s string) (start, count int) {
	count = 1
	if a, b, ok := strings.Cut(s, ","); ok {
		start, _ = strconv.Atoi(a)
		count, _ = strconv.Atoi(b)
		return start, count
	}
	start, _ = strconv.Atoi(s)
	return start, count
}
