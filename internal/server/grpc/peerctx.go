package grpcserver

import (
	"context"

	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"

	"github.com/and161185/goph-relay/internal/clientip"
)

type ctxKey string

const clientIPKey ctxKey = "gr.clientIP"

// WithClientIP stores the resolved client IP in context.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey, ip)
}

// ClientIPFromCtx fetches the client IP stored by WithClientIP.
func ClientIPFromCtx(ctx context.Context) (string, bool) {
	ip, ok := ctx.Value(clientIPKey).(string)
	return ip, ok
}

// resolveClientIP picks the caller address behind trustedHops proxies.
func resolveClientIP(ctx context.Context, trustedHops int) string {
	var forwarded []string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		forwarded = md.Get("x-forwarded-for")
	}
	return clientip.Resolve(forwarded, remoteIP(ctx), trustedHops)
}

func remoteIP(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	return clientip.Host(p.Addr.String())
}
