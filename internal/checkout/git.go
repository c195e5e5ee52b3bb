package checkout

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/paseo-sh/paseo/internal/common/apperr"
	"github.com/paseo-sh/paseo/pkg/protocol"
)

// runGit executes one git command in cwd and returns its stdout.
func runGit(ctx context.Context, cwd string, args ...string) (string, error) {
	full := append([]string{"-C", cwd}, args...)
	cmd := exec.CommandContext(ctx, "git", full...)
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && len(exitErr.Stderr) > 0 {
			return "", apperr.Wrap(apperr.Validation, err, "git %s: %s",
				args[0], strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", apperr.Wrap(apperr.Validation, err, "git %s failed", args[0])
	}
	return string(out), nil
}

// headRev returns the current HEAD commit, or "" before the first
// commit.
func headRev(ctx context.Context, cwd string) string {
	out, err := runGit(ctx, cwd, "rev-parse", "HEAD")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(out)
}

// baseRef picks the comparison base for committed_vs_base: the
// upstream if one is set, otherwise the remote default branch.
func baseRef(ctx context.Context, cwd string) (string, error) {
	if out, err := runGit(ctx, cwd, "rev-parse", "--abbrev-ref", "--symbolic-full-name", "@{u}"); err == nil {
		return strings.TrimSpace(out), nil
	}
	if out, err := runGit(ctx, cwd, "symbolic-ref", "--short", "refs/remotes/origin/HEAD"); err == nil {
		return strings.TrimSpace(out), nil
	}
	return "", apperr.Validationf("no upstream or origin default branch to compare against")
}

// ComputeDiff builds the sorted dirty-file list for a working copy.
func ComputeDiff(ctx context.Context, cwd string, mode protocol.DiffMode) ([]protocol.FileDiff, error) {
	if !filepath.IsAbs(cwd) {
		return nil, apperr.Validationf("cwd must be an absolute path")
	}
	switch mode {
	case protocol.DiffUncommitted, "":
		return uncommittedDiff(ctx, cwd)
	case protocol.DiffCommittedVsBase:
		return committedDiff(ctx, cwd)
	default:
		return nil, apperr.Validationf("unknown diff mode %q", mode)
	}
}

func uncommittedDiff(ctx context.Context, cwd string) ([]protocol.FileDiff, error) {
	statusOut, err := runGit(ctx, cwd, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	entries := parsePorcelain(statusOut)
	if len(entries) == 0 {
		return []protocol.FileDiff{}, nil
	}

	head := headRev(ctx, cwd)
	stats := map[string]numstat{}
	if head != "" {
		if out, err := runGit(ctx, cwd, "diff", "HEAD", "--numstat"); err == nil {
			stats = parseNumstat(out)
		}
	}

	files := make([]protocol.FileDiff, 0, len(entries))
	for _, e := range entries {
		fd := protocol.FileDiff{
			Path:      e.Path,
			IsNew:     e.Untracked || e.Added,
			IsDeleted: e.Deleted,
		}
		if e.Untracked {
			fd.Additions, fd.Hunks = untrackedHunks(filepath.Join(cwd, e.Path))
		} else {
			st := stats[e.Path]
			fd.Additions, fd.Deletions = st.Additions, st.Deletions
			if head != "" && !st.Binary {
				if out, err := runGit(ctx, cwd, "diff", "HEAD", "--", e.Path); err == nil {
					fd.Hunks = parseUnifiedDiff(out)
				}
			}
		}
		files = append(files, fd)
	}

	sortFiles(files)
	return files, nil
}

func committedDiff(ctx context.Context, cwd string) ([]protocol.FileDiff, error) {
	base, err := baseRef(ctx, cwd)
	if err != nil {
		return nil, err
	}
	mergeBase, err := runGit(ctx, cwd, "merge-base", base, "HEAD")
	if err != nil {
		return nil, err
	}
	ref := strings.TrimSpace(mergeBase)

	nameOut, err := runGit(ctx, cwd, "diff", ref, "HEAD", "--name-status")
	if err != nil {
		return nil, err
	}
	numOut, err := runGit(ctx, cwd, "diff", ref, "HEAD", "--numstat")
	if err != nil {
		return nil, err
	}
	stats := parseNumstat(numOut)

	var files []protocol.FileDiff
	for _, line := range strings.Split(nameOut, "\n") {
		fields := strings.Split(line, "\t")
		if len(fields) < 2 {
			continue
		}
		status := fields[0]
		path := unquotePath(fields[len(fields)-1])

		fd := protocol.FileDiff{
			Path:      path,
			IsNew:     strings.HasPrefix(status, "A"),
			IsDeleted: strings.HasPrefix(status, "D"),
		}
		st := stats[path]
		fd.Additions, fd.Deletions = st.Additions, st.Deletions
		if !st.Binary {
			if out, err := runGit(ctx, cwd, "diff", ref, "HEAD", "--", path); err == nil {
				fd.Hunks = parseUnifiedDiff(out)
			}
		}
		files = append(files, fd)
	}
	if files == nil {
		files = []protocol.FileDiff{}
	}

	sortFiles(files)
	return files, nil
}

func sortFiles(files []protocol.FileDiff) {
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
}

// untrackedHunks synthesizes an all-added diff for a file git has never
// seen.
func untrackedHunks(path string) (int, []protocol.Hunk) {
	content, err := os.ReadFile(path)
	if err != nil || len(content) == 0 {
		return 0, nil
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain("", string(content), false)

	var lines []string
	for _, d := range diffs {
		if d.Type != diffmatchpatch.DiffInsert {
			continue
		}
		text := strings.TrimSuffix(d.Text, "\n")
		for _, line := range strings.Split(text, "\n") {
			lines = append(lines, "+"+line)
		}
	}
	if len(lines) == 0 {
		return 0, nil
	}

	hunk := protocol.Hunk{
		OldStart: 0,
		OldLines: 0,
		NewStart: 1,
		NewLines: len(lines),
		Lines:    lines,
	}
	return len(lines), []protocol.Hunk{hunk}
}

// Status summarizes a working copy: branch, divergence from upstream,
// and dirtiness.
func Status(ctx context.Context, cwd string) (protocol.CheckoutStatus, error) {
	if !filepath.IsAbs(cwd) {
		return protocol.CheckoutStatus{}, apperr.Validationf("cwd must be an absolute path")
	}

	branchOut, err := runGit(ctx, cwd, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return protocol.CheckoutStatus{}, err
	}
	status := protocol.CheckoutStatus{Branch: strings.TrimSpace(branchOut)}

	if out, err := runGit(ctx, cwd, "rev-list", "--left-right", "--count", "@{u}...HEAD"); err == nil {
		fields := strings.Fields(out)
		if len(fields) == 2 {
			status.Behind, _ = strconv.Atoi(fields[0])
			status.Ahead, _ = strconv.Atoi(fields[1])
		}
	}

	if out, err := runGit(ctx, cwd, "status", "--porcelain"); err == nil {
		status.DirtyFiles = len(parsePorcelain(out))
		status.Dirty = status.DirtyFiles > 0
	}
	return status, nil
}

// PRStatus asks the gh CLI for the pull request of the current branch.
// A missing gh binary or no open PR reports Exists false rather than an
// error.
func PRStatus(ctx context.Context, cwd string) (protocol.PRStatus, error) {
	if !filepath.IsAbs(cwd) {
		return protocol.PRStatus{}, apperr.Validationf("cwd must be an absolute path")
	}
	if _, err := exec.LookPath("gh"); err != nil {
		return protocol.PRStatus{}, nil
	}

	cmd := exec.CommandContext(ctx, "gh", "pr", "view",
		"--json", "number,title,state,url,isDraft,mergeable")
	cmd.Dir = cwd
	out, err := cmd.Output()
	if err != nil {
		return protocol.PRStatus{}, nil
	}

	var view struct {
		Number    int    `json:"number"`
		Title     string `json:"title"`
		State     string `json:"state"`
		URL       string `json:"url"`
		IsDraft   bool   `json:"isDraft"`
		Mergeable string `json:"mergeable"`
	}
	if err := json.Unmarshal(out, &view); err != nil {
		return protocol.PRStatus{}, apperr.Wrap(apperr.Validation, err, "unexpected gh pr view output")
	}
	return protocol.PRStatus{
		Exists:    true,
		Number:    view.Number,
		Title:     view.Title,
		State:     view.State,
		URL:       view.URL,
		IsDraft:   view.IsDraft,
		Mergeable: view.Mergeable,
	}, nil
}
