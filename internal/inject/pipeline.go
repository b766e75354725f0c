// Package inject applies matched injection scripts to proxied requests and
// responses. Scripts run in registry load order and each one sees the output
// of the previous, under a per-script cooperative deadline.
package inject

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/RowanDark/Seidr/internal/config"
	"github.com/RowanDark/Seidr/internal/logging"
	"github.com/RowanDark/Seidr/internal/scripts"
)

// Pipeline applies script transformations for both flow phases.
type Pipeline struct {
	enabled       bool
	scriptTimeout time.Duration
	logger        *slog.Logger
	audit         *logging.AuditLogger
}

// NewPipeline builds a pipeline from the scripts section of the configuration.
func NewPipeline(cfg config.ScriptConfig, logger *slog.Logger, audit *logging.AuditLogger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		enabled:       cfg.Enabled,
		scriptTimeout: time.Duration(cfg.MaxExecutionTime) * time.Millisecond,
		logger:        logger,
		audit:         audit,
	}
}

// ApplyRequest runs the request-phase scripts over the outgoing headers and
// body. The header map is mutated in place; the (possibly grown) body is
// returned.
func (p *Pipeline) ApplyRequest(ctx context.Context, header http.Header, body []byte, matched []*scripts.InjectionScript) []byte {
	if !p.enabled {
		return body
	}
	for _, script := range matched {
		if !script.InjectType.RequestPhase() {
			continue
		}
		body = p.runScript(ctx, script, header, body, func(sctx context.Context, h http.Header, b []byte) ([]byte, error) {
			switch script.InjectType {
			case scripts.InjectHeader:
				mergeHeaders(h, script.Headers)
			case scripts.InjectBody:
				b = append(b, script.ScriptContent...)
			}
			return b, nil
		})
	}
	return body
}

// ApplyResponse runs the response-phase scripts over the upstream response
// headers and body.
func (p *Pipeline) ApplyResponse(ctx context.Context, header http.Header, body []byte, matched []*scripts.InjectionScript) []byte {
	if !p.enabled {
		return body
	}
	htmlDoc := IsHTML(header.Get("Content-Type"))
	for _, script := range matched {
		if !script.InjectType.ResponsePhase() {
			continue
		}
		body = p.runScript(ctx, script, header, body, func(sctx context.Context, h http.Header, b []byte) ([]byte, error) {
			switch script.InjectType {
			case scripts.InjectResponseHeader:
				mergeHeaders(h, script.Headers)
			case scripts.InjectResponseBody:
				b = append(b, script.ScriptContent...)
			case scripts.InjectJavaScript:
				if htmlDoc {
					if injected, ok, err := insertBeforeClosingTag(sctx, b, "body", "<script>"+script.ScriptContent+"</script>"); err != nil {
						return nil, err
					} else if ok {
						b = injected
					}
				}
			case scripts.InjectCSS:
				if htmlDoc {
					if injected, ok, err := insertBeforeClosingTag(sctx, b, "head", "<style>"+script.ScriptContent+"</style>"); err != nil {
						return nil, err
					} else if ok {
						b = injected
					}
				}
			}
			return b, nil
		})
	}
	return body
}

type transform func(ctx context.Context, header http.Header, body []byte) ([]byte, error)

// runScript executes one script's transformation on scratch copies under the
// per-script deadline. The effect is committed only when the script finishes
// in time; a timed-out script's partial work is discarded and the pipeline
// carries on with the untouched input.
func (p *Pipeline) runScript(ctx context.Context, script *scripts.InjectionScript, header http.Header, body []byte, apply transform) []byte {
	sctx, cancel := context.WithTimeout(ctx, p.scriptTimeout)
	defer cancel()

	scratchHeader := header.Clone()
	scratchBody := append([]byte(nil), body...)

	newBody, err := apply(sctx, scratchHeader, scratchBody)
	if err == nil {
		err = sctx.Err()
	}
	if err != nil {
		p.logger.Warn("script execution aborted", "script", script.Name, "error", err)
		if p.audit != nil {
			_ = p.audit.Emit(logging.AuditEvent{
				EventType: logging.EventScriptTimeout,
				Decision:  logging.DecisionDeny,
				Reason:    err.Error(),
				Metadata:  map[string]any{"script": script.Name},
			})
		}
		return body
	}

	replaceHeaders(header, scratchHeader)
	return newBody
}

func mergeHeaders(h http.Header, additions map[string]string) {
	for k, v := range additions {
		if strings.TrimSpace(k) == "" {
			continue
		}
		h.Set(k, v)
	}
}

func replaceHeaders(dst, src http.Header) {
	for k := range dst {
		delete(dst, k)
	}
	for k, values := range src {
		dst[k] = values
	}
}

// IsHTML reports whether a Content-Type value denotes an HTML document.
func IsHTML(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "text/html")
}
