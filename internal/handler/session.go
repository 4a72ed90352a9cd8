package handler

import (
	"context"
	"net/http"
	"strings"

	"google.golang.org/grpc/metadata"

	"github.com/pesio-ai/be-lo-verification/internal/errors"
	"github.com/pesio-ai/be-lo-verification/internal/service"
	"github.com/pesio-ai/be-lo-verification/internal/workflow"
)

// Headers set by the upstream auth gateway. gRPC metadata uses the same
// names in lower case.
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"
	HeaderTenantID = "X-Tenant-ID"
	HeaderUserName = "X-User-Name"
)

type sessionKey struct{}

func withSession(ctx context.Context, s service.Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

func sessionFrom(ctx context.Context) (service.Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(service.Session)
	return s, ok
}

func buildSession(userID, role, tenantID, name string) (service.Session, error) {
	r, err := workflow.ParseRole(role)
	if err != nil {
		return service.Session{}, errors.Wrap(err, errors.ErrCodeUnauthorized, "caller is not a reviewer")
	}
	s := service.Session{
		UserID:      strings.TrimSpace(userID),
		Role:        r,
		TenantID:    strings.TrimSpace(tenantID),
		DisplayName: strings.TrimSpace(name),
	}
	if err := s.Validate(); err != nil {
		return service.Session{}, err
	}
	return s, nil
}

// sessionFromHeaders reads the reviewer session from gateway headers.
func sessionFromHeaders(r *http.Request) (service.Session, error) {
	return buildSession(
		r.Header.Get(HeaderUserID),
		r.Header.Get(HeaderUserRole),
		r.Header.Get(HeaderTenantID),
		r.Header.Get(HeaderUserName),
	)
}

// sessionFromMetadata reads the reviewer session from incoming gRPC metadata.
func sessionFromMetadata(ctx context.Context) (service.Session, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	get := func(key string) string {
		if vals := md.Get(strings.ToLower(key)); len(vals) > 0 {
			return vals[0]
		}
		return ""
	}
	return buildSession(get(HeaderUserID), get(HeaderUserRole), get(HeaderTenantID), get(HeaderUserName))
}
