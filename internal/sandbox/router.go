package sandbox

import (
	"context"
	"fmt"
	"path"
	"strings"
)

// Router выбирает исполнитель по расширению entrypoint: .wasm исполняется
// локально, остальное уходит на удаленный хост, если он настроен.
type Router struct {
	wasm   Runtime
	remote Runtime
}

func NewRouter(wasm, remote Runtime) *Router {
	return &Router{wasm: wasm, remote: remote}
}

func (r *Router) Run(ctx context.Context, ex Execution) (Outcome, error) {
	rt := r.pick(ex.Entrypoint)
	if rt == nil {
		return Outcome{}, fmt.Errorf("%w: %s", ErrUnsupportedEntrypoint, ex.Entrypoint)
	}
	return rt.Run(ctx, ex)
}

func (r *Router) pick(entrypoint string) Runtime {
	if strings.EqualFold(path.Ext(entrypoint), ".wasm") && r.wasm != nil {
		return r.wasm
	}
	return r.remote
}
