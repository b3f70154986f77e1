package pathsec

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Dangerous patterns, translated verbatim from original_source's
// PATH_TRAVERSAL_PATTERNS / NULL_BYTE_PATTERNS (case-insensitive where the
// source uses re.IGNORECASE).
var (
	traversalPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\.\.[\\/]`),
		regexp.MustCompile(`[\\/]\.\.`),
		regexp.MustCompile(`^\.\.`),
		regexp.MustCompile(`(?i)%2e%2e`),
		regexp.MustCompile(`(?i)%252e%252e`),
		regexp.MustCompile(`(?i)\.%2e`),
		regexp.MustCompile(`(?i)%2e\.`),
	}

	nullBytePatterns = []*regexp.Regexp{
		regexp.MustCompile(`\x00`),
		regexp.MustCompile(`%00`),
		regexp.MustCompile(`\\0`),
	}

	// unicodeDangerous mirrors UNICODE_DANGEROUS: lookalike separators that
	// NFKC normalisation would reveal as real traversal characters.
	unicodeDangerous = []rune{
		'․', // ONE DOT LEADER
		'‥', // TWO DOT LEADER
		'…', // HORIZONTAL ELLIPSIS
		'．', // FULLWIDTH FULL STOP
		'／', // FULLWIDTH SOLIDUS
		'＼', // FULLWIDTH REVERSE SOLIDUS
	}
)

// Validator validates paths for security before filesystem operations.
type Validator struct {
	allowedDirs     []string // realpath-resolved
	workspace       string   // realpath-resolved
	followSymlinks  bool
	maxSymlinkDepth int
	audit           *AuditSink
}

// NewValidator mirrors original_source's PathValidator.__init__: every
// allowed dir and the workspace are fully resolved (os.path.realpath) up
// front so later comparisons are against canonical forms.
func NewValidator(allowedDirs []string, workspace string, maxSymlinkDepth int, audit *AuditSink) *Validator {
	resolved := make([]string, 0, len(allowedDirs))
	for _, d := range allowedDirs {
		if r, err := filepath.EvalSymlinks(d); err == nil {
			resolved = append(resolved, r)
		} else {
			resolved = append(resolved, filepath.Clean(d))
		}
	}
	ws := workspace
	if r, err := filepath.EvalSymlinks(workspace); err == nil {
		ws = r
	}
	if maxSymlinkDepth <= 0 {
		maxSymlinkDepth = 10
	}
	return &Validator{
		allowedDirs:     resolved,
		workspace:       ws,
		followSymlinks:  true,
		maxSymlinkDepth: maxSymlinkDepth,
		audit:           audit,
	}
}

// Validate mirrors PathValidator.validate_path's exact check ordering:
// null bytes, unicode attacks, raw traversal patterns, expand+resolve,
// allowed-dir containment (if required), then a final escape check.
func (v *Validator) Validate(pathStr string, op Operation, requireAllowedDir bool, agentID, sessionID string) (string, *Violation) {
	if viol := v.checkNullBytes(pathStr, agentID, sessionID); viol != nil {
		return "", viol
	}
	if viol := v.checkUnicodeAttacks(pathStr, agentID, sessionID); viol != nil {
		return "", viol
	}
	if viol := v.checkTraversalPatterns(pathStr, agentID, sessionID); viol != nil {
		return "", viol
	}

	raw := pathStr
	if !filepath.IsAbs(raw) {
		raw = filepath.Join(v.workspace, raw)
	}

	resolved, viol := v.safeResolve(raw, agentID, sessionID)
	if viol != nil {
		return "", viol
	}

	if requireAllowedDir && !v.isWithinAllowed(resolved) {
		return "", v.logViolation(ViolationOutsideAllowed, pathStr, resolved,
			"path "+resolved+" is outside allowed directories", agentID, sessionID)
	}

	if viol := v.verifyNoEscape(pathStr, resolved, requireAllowedDir, agentID, sessionID); viol != nil {
		return "", viol
	}

	return resolved, nil
}

func (v *Validator) checkNullBytes(pathStr, agentID, sessionID string) *Violation {
	for _, p := range nullBytePatterns {
		if p.MatchString(pathStr) {
			return v.logViolation(ViolationNullByte, pathStr, "", "null byte detected in path", agentID, sessionID)
		}
	}
	return nil
}

func (v *Validator) checkUnicodeAttacks(pathStr, agentID, sessionID string) *Violation {
	normalized := norm.NFKC.String(pathStr)
	if normalized == pathStr {
		return nil
	}
	for _, ch := range unicodeDangerous {
		if strings.ContainsRune(pathStr, ch) {
			return v.logViolation(ViolationUnicodeAttack, pathStr, "",
				"suspicious unicode character detected", agentID, sessionID)
		}
	}
	return nil
}

func (v *Validator) checkTraversalPatterns(pathStr, agentID, sessionID string) *Violation {
	for _, p := range traversalPatterns {
		if p.MatchString(pathStr) {
			return v.logViolation(ViolationPathTraversal, pathStr, "",
				"path traversal pattern detected: "+p.String(), agentID, sessionID)
		}
	}
	return nil
}

// safeResolve walks symlinks one hop at a time with a depth ceiling and
// loop detection via a visited set, mirroring _safe_resolve.
func (v *Validator) safeResolve(path, agentID, sessionID string) (string, *Violation) {
	if !v.followSymlinks {
		abs, err := filepath.Abs(path)
		if err != nil {
			return "", v.logViolation(ViolationInvalidPath, path, "", "could not resolve path: "+err.Error(), agentID, sessionID)
		}
		return abs, nil
	}

	current := path
	visited := map[string]bool{}

	for depth := 0; depth < v.maxSymlinkDepth; depth++ {
		abs, err := filepath.Abs(current)
		if err != nil {
			return "", v.logViolation(ViolationInvalidPath, path, current, "error resolving symlink: "+err.Error(), agentID, sessionID)
		}
		current = abs

		info, err := os.Lstat(current)
		if err != nil {
			// Non-existent path (e.g. a write target not yet created) is
			// not itself a violation — return the absolute form as-is.
			return current, nil
		}

		if info.Mode()&os.ModeSymlink == 0 {
			return current, nil
		}

		if visited[current] {
			return "", v.logViolation(ViolationSymlinkEscape, path, current, "symlink loop detected", agentID, sessionID)
		}
		visited[current] = true

		target, err := os.Readlink(current)
		if err != nil {
			return "", v.logViolation(ViolationInvalidPath, path, current, "error resolving symlink: "+err.Error(), agentID, sessionID)
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(current), target)
		}
		current = target
	}

	return "", v.logViolation(ViolationSymlinkEscape, path, current, "symlink depth exceeded", agentID, sessionID)
}

// isWithinAllowed is the separator-aware containment check spec §4.3
// insists on: equality, or prefix-plus-separator — never a bare prefix
// match (which would wrongly allow "/tmp/ws-evil" under "/tmp/ws").
func (v *Validator) isWithinAllowed(resolved string) bool {
	for _, allowed := range v.allowedDirs {
		if resolved == allowed {
			return true
		}
		if strings.HasPrefix(resolved, allowed+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func (v *Validator) verifyNoEscape(original, resolved string, requireAllowed bool, agentID, sessionID string) *Violation {
	if !filepath.IsAbs(original) && requireAllowed && !v.isWithinAllowed(resolved) {
		return v.logViolation(ViolationPathTraversal, original, resolved,
			"relative path escaped to outside allowed directories", agentID, sessionID)
	}
	return nil
}

func (v *Validator) logViolation(t ViolationType, original, resolved, message, agentID, sessionID string) *Violation {
	viol := &Violation{
		Type:         t,
		OriginalPath: original,
		ResolvedPath: resolved,
		Message:      message,
		Timestamp:    time.Now(),
		AgentID:      agentID,
		SessionID:    sessionID,
	}
	if v.audit != nil {
		v.audit.LogViolation(viol)
	}
	return viol
}

// IsInWorkspace computes the supplemental, independently-derived containment
// signal from original_source's _is_in_workspace (relative-to style check,
// distinct from isWithinAllowed's prefix comparison).
func (v *Validator) IsInWorkspace(path string) bool {
	if path == "" {
		return false
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(v.workspace, abs)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
