package server

import (
	"context"
	"net"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/apparentlymart/oci-distribution-artifact-plugins/internal/logging"
)

type contextKey string

const remoteAddrContextKey = contextKey("remoteAddr")

// connContext gives each connection its own logger, tagged with the
// client's address.
func connContext(ctx context.Context, c net.Conn) context.Context {
	ctx = context.WithValue(ctx, remoteAddrContextKey, c.RemoteAddr())
	return logging.ContextWithFields(ctx, logrus.Fields{"remote": c.RemoteAddr().String()})
}

func contextRemoteAddr(ctx context.Context) net.Addr {
	addr, _ := ctx.Value(remoteAddrContextKey).(net.Addr)
	return addr
}

// withPlugin adds the plugin name to the request's logger and logs the
// start and end of each request.
func withPlugin(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ctx := req.Context()
		if contextRemoteAddr(ctx) == nil {
			ctx = logging.ContextWithFields(ctx, logrus.Fields{"remote": req.RemoteAddr})
		}
		ctx = logging.ContextWithFields(ctx, logrus.Fields{"plugin": name})
		_, done := logging.ContextLoggerRequest(ctx, "%s %s", req.Method, req.URL.EscapedPath())
		defer done()
		next.ServeHTTP(w, req.WithContext(ctx))
	})
}
