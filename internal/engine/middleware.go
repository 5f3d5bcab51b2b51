package engine

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/skillgate/internal/audit"
)

const TraceHeader = "X-Trace-ID"

// TracingMiddleware инициализирует Trace-ID для каждого запроса
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 1. Пытаемся достать ID из заголовка (если пришел от клиента/прокси)
		traceID := r.Header.Get(TraceHeader)

		// 2. Если его нет, генерируем новый
		if traceID == "" {
			traceID = uuid.New().String()
		}

		// 3. Добавляем в ответ, чтобы клиент тоже знал ID своего запроса
		w.Header().Set(TraceHeader, traceID)

		// 4. Кладем в контекст: события аудита подхватят его сами
		next.ServeHTTP(w, r.WithContext(audit.WithTraceID(r.Context(), traceID)))
	})
}

// RequestLogger пишет одну строку на запрос. Тела запросов не логируются: в них бывает PIN.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("trace_id", audit.TraceID(r.Context())))
		})
	}
}
