package audit

import (
	"context"

	"github.com/hazyhaar/leadscout/kit"
)

// Middleware audits every call of a kit.Endpoint under action. The
// decoded request is stored as the parameters.
func Middleware(l *SQLiteLogger, action string) kit.Middleware {
	return func(next kit.Endpoint) kit.Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			start := l.now()
			resp, err := next(ctx, req)
			l.Record(ctx, action, "", req, err, start)
			return resp, err
		}
	}
}
