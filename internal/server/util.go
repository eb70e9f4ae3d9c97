package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loykin/procwatch/internal/manager"
	"github.com/loykin/procwatch/internal/supervisor"
)

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	return strings.TrimRight(bp, "/")
}

// isSafeAbsPath accepts "" or an absolute, already clean path.
func isSafeAbsPath(p string) bool {
	if p == "" {
		return true
	}
	if !filepath.IsAbs(p) {
		return false
	}
	clean := filepath.Clean(p)
	trimmed := strings.TrimRight(p, string(filepath.Separator))
	if trimmed == "" {
		trimmed = p
	}
	return clean == p || clean == trimmed
}

// checkPaths rejects relative or traversing paths in fields that end up on
// the filesystem. Path itself may be relative to WorkDir.
func checkPaths(cfg supervisor.TargetConfig) error {
	fields := []struct{ name, val string }{
		{"work_dir", cfg.WorkDir},
		{"log.dir", cfg.Log.Dir},
		{"log.stdout", cfg.Log.StdoutPath},
		{"log.stderr", cfg.Log.StderrPath},
	}
	for _, f := range fields {
		if !isSafeAbsPath(f.val) {
			return errors.New("invalid " + f.name + ": must be an absolute path without traversal")
		}
	}
	return nil
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}

func writeError(c *gin.Context, err error) {
	writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, manager.ErrUnknownTarget):
		return http.StatusNotFound
	case errors.Is(err, manager.ErrAlreadyRegistered),
		errors.Is(err, manager.ErrAlreadySupervised),
		errors.Is(err, manager.ErrTargetRunning),
		errors.Is(err, manager.ErrUnregistering):
		return http.StatusConflict
	case errors.Is(err, manager.ErrNotifierNotEnabled):
		return http.StatusPreconditionFailed
	case errors.Is(err, supervisor.ErrInvalidTarget):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
