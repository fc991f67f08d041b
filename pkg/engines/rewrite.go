package engines

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/cameragenai/vlmgate/pkg/types/openai"
	"github.com/cameragenai/vlmgate/pkg/vlmgate"
	"github.com/expr-lang/expr"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"
)

// RewritePolicy edits a JSON document: RemoveKeys run first, then SetKeys, then SetKeysByExpr.
// Keys are sjson paths.
type RewritePolicy struct {
	SetKeys       map[string]any    `json:"set_keys" yaml:"set_keys"`
	SetKeysByExpr map[string]string `json:"set_keys_by_expr" yaml:"set_keys_by_expr"`
	RemoveKeys    []string          `json:"remove_keys" yaml:"remove_keys"`
}

// Merge returns p overlaid with other. Neither input is modified.
func (p *RewritePolicy) Merge(other *RewritePolicy) *RewritePolicy {
	if other == nil {
		return p
	}
	if p == nil {
		return other
	}

	merged := &RewritePolicy{
		SetKeys:       make(map[string]any, len(p.SetKeys)+len(other.SetKeys)),
		SetKeysByExpr: make(map[string]string, len(p.SetKeysByExpr)+len(other.SetKeysByExpr)),
		RemoveKeys:    append([]string{}, p.RemoveKeys...),
	}
	maps.Copy(merged.SetKeys, p.SetKeys)
	maps.Copy(merged.SetKeys, other.SetKeys)
	maps.Copy(merged.SetKeysByExpr, p.SetKeysByExpr)
	maps.Copy(merged.SetKeysByExpr, other.SetKeysByExpr)
	merged.RemoveKeys = append(merged.RemoveKeys, other.RemoveKeys...)
	return merged
}

// RewriteEnv is what SetKeysByExpr expressions can read.
type RewriteEnv struct {
	Model      string
	Stream     bool
	ImageCount int
	MaxTokens  int64
	Now        int64 // unix seconds
}

func newRewriteEnv(req *vlmgate.Request) *RewriteEnv {
	env := &RewriteEnv{Now: time.Now().Unix()}
	parsed, err := req.Body.Parsed()
	if err != nil {
		logrus.WithContext(req.Context()).Debugf("[rewrite] request body not parsed: %v", err)
		return env
	}
	if creq, ok := parsed.(*openai.ChatCompletionRequest); ok {
		env.Model = creq.Model
		env.Stream = creq.Stream
		env.ImageCount = creq.ImageCount()
		env.MaxTokens, _ = creq.MaxTokenLimit()
	}
	return env
}

type jsonRewriter struct {
	policy *RewritePolicy
	ctx    context.Context
	env    *RewriteEnv
}

func (r *jsonRewriter) RewriteJSON(body []byte) []byte {
	if r.policy == nil {
		return body
	}
	log := logrus.WithContext(r.ctx)

	var err error
	for _, k := range r.policy.RemoveKeys {
		body, err = sjson.DeleteBytes(body, k)
		if err != nil {
			log.Warnf("[rewrite] delete key (%s) error: %s", k, err)
		}
	}

	for k, v := range r.policy.SetKeys {
		body, err = sjson.SetBytes(body, k, v)
		if err != nil {
			log.Warnf("[rewrite] set key (%s) error: %s", k, err)
		}
	}

	for k, code := range r.policy.SetKeysByExpr {
		prog, err := expr.Compile(code, expr.Env(r.env))
		if err != nil {
			log.Warnf("[rewrite] compile expr (%s) error: %s", code, err)
			continue
		}
		v, err := expr.Run(prog, r.env)
		if err != nil {
			log.Warnf("[rewrite] run expr (%s) error: %s", code, err)
			continue
		}
		if v == nil {
			log.Debugf("[rewrite] skip key (%s), expr result is nil", k)
			continue
		}
		body, err = sjson.SetBytes(body, k, v)
		if err != nil {
			log.Warnf("[rewrite] set key (%s) error: %s", k, err)
			continue
		}
		log.Debugf("[rewrite] set key (%s) value (%v)", k, v)
	}

	return body
}

// RewriteEngine patches the request body, the non-stream response body and
// every stream chunk (except [DONE]) with its policies.
type RewriteEngine struct {
	RequestRewrite           *RewritePolicy
	NonstreamResponseRewrite *RewritePolicy
	StreamChunkRewrite       *RewritePolicy

	Next vlmgate.Engine
}

var _ vlmgate.Engine = (*RewriteEngine)(nil)

func NewRewriteEngine(next vlmgate.Engine, requestRewrite, nonstreamResponseRewrite, streamChunkRewrite *RewritePolicy) *RewriteEngine {
	return &RewriteEngine{
		RequestRewrite:           requestRewrite,
		NonstreamResponseRewrite: nonstreamResponseRewrite,
		StreamChunkRewrite:       streamChunkRewrite,
		Next:                     next,
	}
}

func (e *RewriteEngine) Process(req *vlmgate.Request) (*vlmgate.Response, error) {
	if e.Next == nil {
		return nil, fmt.Errorf("next engine is nil")
	}
	env := newRewriteEnv(req)

	if e.RequestRewrite != nil {
		rw := &jsonRewriter{policy: e.RequestRewrite, ctx: req.Context(), env: env}
		b, err := req.Body.Bytes()
		if err != nil {
			return nil, fmt.Errorf("get request body bytes error: %w", err)
		}
		req.Body.SetBytes(rw.RewriteJSON(b))
		logrus.WithContext(req.Context()).Debugf("[rewrite] request body rewritten")
	}

	resp, err := e.Next.Process(req)
	if err != nil {
		return nil, err
	}

	if resp.Stream != nil {
		if e.StreamChunkRewrite == nil {
			return resp, nil
		}
		rw := &jsonRewriter{policy: e.StreamChunkRewrite, ctx: req.Context(), env: env}
		rewritten := make(chan *vlmgate.StreamChunk)
		original := resp.Stream
		ctx, cancel := context.WithCancel(req.Context())
		go func() {
			defer close(rewritten)
			for chunk := range original.Chan() {
				b, err := chunk.Body.Bytes()
				if err != nil {
					logrus.WithContext(ctx).Warnf("[rewrite] read stream chunk error: %s", err)
					continue
				}
				if !vlmgate.IsDone(b) {
					chunk.Body.SetBytes(rw.RewriteJSON(b))
				}
				select {
				case rewritten <- chunk:
				case <-ctx.Done():
					logrus.WithContext(ctx).Debugf("[rewrite] stream context canceled")
					return
				}
			}
		}()
		resp.Stream = vlmgate.NewStreamChan(rewritten, func() {
			original.Close()
			cancel()
		})
		return resp, nil
	}

	if e.NonstreamResponseRewrite == nil || resp.Body == nil {
		return resp, nil
	}
	rw := &jsonRewriter{policy: e.NonstreamResponseRewrite, ctx: req.Context(), env: env}
	b, err := resp.Body.Bytes()
	if err != nil {
		return nil, fmt.Errorf("read response body error: %w", err)
	}
	resp.Body.SetBytes(rw.RewriteJSON(b))
	logrus.WithContext(req.Context()).Debugf("[rewrite] non-stream response body rewritten")
	return resp, nil
}
