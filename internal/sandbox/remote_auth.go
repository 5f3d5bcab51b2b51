package sandbox

import (
	"context"
	"crypto/subtle"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// UnaryAuthInterceptor проверяет общий токен в метаданных вызова исполнителя.
func UnaryAuthInterceptor(token string) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		// 1. Извлекаем метаданные из контекста
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Errorf(codes.Unauthenticated, "missing metadata")
		}

		// 2. Ищем токен (в gRPC заголовки в нижнем регистре)
		tokens := md.Get(TokenHeader)
		if len(tokens) == 0 {
			return nil, status.Errorf(codes.Unauthenticated, "missing access token")
		}
		if subtle.ConstantTimeCompare([]byte(tokens[0]), []byte(token)) != 1 {
			return nil, status.Errorf(codes.PermissionDenied, "invalid access token")
		}

		return handler(ctx, req)
	}
}
