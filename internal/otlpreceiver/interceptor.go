package otlpreceiver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// KeyRecorder records API key fingerprints seen on incoming calls.
type KeyRecorder interface {
	RecordKey(fingerprint string)
}

// APIKeyInterceptor records the fingerprint of the key carried in the
// "x-api-key" or "authorization" metadata of each unary call. Calls are
// never rejected; authentication is left to the host.
func APIKeyInterceptor(keys KeyRecorder) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if key := apiKeyFromContext(ctx); key != "" {
			keys.RecordKey(Fingerprint(key))
		}
		return handler(ctx, req)
	}
}

func apiKeyFromContext(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if v := md.Get("x-api-key"); len(v) > 0 && v[0] != "" {
		return v[0]
	}
	if v := md.Get("authorization"); len(v) > 0 {
		auth := strings.TrimSpace(v[0])
		if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
			auth = strings.TrimSpace(auth[7:])
		}
		return auth
	}
	return ""
}

// Fingerprint returns a short, stable digest of key so raw keys are never
// cached.
func Fingerprint(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:8])
}
