package handler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-lo-verification/internal/errors"
	"github.com/pesio-ai/be-lo-verification/internal/service"
)

// VerificationServiceName is the fully qualified gRPC service name.
const VerificationServiceName = "lending.verification.v1.VerificationService"

// VerificationServer is the server API of VerificationService. Messages are
// google.protobuf.Struct documents shaped like the HTTP JSON bodies.
type VerificationServer interface {
	LoadForReview(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SaveDraft(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Submit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	BuildTrail(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// VerificationServiceDesc registers a VerificationServer with grpc.Server.RegisterService.
var VerificationServiceDesc = grpc.ServiceDesc{
	ServiceName: VerificationServiceName,
	HandlerType: (*VerificationServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "LoadForReview", Handler: unaryHandler("LoadForReview", VerificationServer.LoadForReview)},
		{MethodName: "SaveDraft", Handler: unaryHandler("SaveDraft", VerificationServer.SaveDraft)},
		{MethodName: "Submit", Handler: unaryHandler("Submit", VerificationServer.Submit)},
		{MethodName: "BuildTrail", Handler: unaryHandler("BuildTrail", VerificationServer.BuildTrail)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "lending/verification/v1/verification.proto",
}

func unaryHandler(method string, call func(VerificationServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	fullMethod := "/" + VerificationServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(VerificationServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(VerificationServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// GRPCHandler implements VerificationServer over the pipeline controller.
type GRPCHandler struct {
	pipeline *service.PipelineController
	validate *validator.Validate
	logger   zerolog.Logger
}

// NewGRPCHandler creates a new gRPC handler
func NewGRPCHandler(pipeline *service.PipelineController, logger zerolog.Logger) *GRPCHandler {
	return &GRPCHandler{
		pipeline: pipeline,
		validate: newValidator(),
		logger:   logger.With().Str("handler", "grpc").Logger(),
	}
}

var _ VerificationServer = (*GRPCHandler)(nil)

type applicationRequest struct {
	ApplicationID string `json:"application_id" validate:"required"`
}

type draftEnvelope struct {
	ApplicationID string       `json:"application_id" validate:"required"`
	Draft         draftRequest `json:"draft"`
}

// LoadForReview loads the caller's review context.
func (h *GRPCHandler) LoadForReview(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	session, err := sessionFromMetadata(ctx)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	var req applicationRequest
	if err := h.decode(in, &req); err != nil {
		return nil, err
	}

	rc, err := h.pipeline.LoadForReview(ctx, req.ApplicationID, session)
	if err != nil {
		return nil, h.fail("LoadForReview", req.ApplicationID, err)
	}
	return toStruct(toReviewContextResponse(rc))
}

// SaveDraft stores the caller's draft.
func (h *GRPCHandler) SaveDraft(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	session, err := sessionFromMetadata(ctx)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	var req draftEnvelope
	if err := h.decode(in, &req); err != nil {
		return nil, err
	}

	saved, err := h.pipeline.SaveDraft(ctx, req.ApplicationID, session, req.Draft.toDraft())
	if err != nil {
		return nil, h.fail("SaveDraft", req.ApplicationID, err)
	}
	return toStruct(toDraftResponse(saved))
}

// Submit finalizes the caller's review.
func (h *GRPCHandler) Submit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	session, err := sessionFromMetadata(ctx)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	var req draftEnvelope
	if err := h.decode(in, &req); err != nil {
		return nil, err
	}

	h.logger.Info().
		Str("application_id", req.ApplicationID).
		Str("role", string(session.Role)).
		Msg("gRPC Submit called")

	rec, err := h.pipeline.Submit(ctx, req.ApplicationID, session, req.Draft.toDraft())
	if err != nil {
		return nil, h.fail("Submit", req.ApplicationID, err)
	}
	return toStruct(toRecordResponse(rec))
}

// BuildTrail returns the application's audit trail.
func (h *GRPCHandler) BuildTrail(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	session, err := sessionFromMetadata(ctx)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	var req applicationRequest
	if err := h.decode(in, &req); err != nil {
		return nil, err
	}

	entries, err := h.pipeline.BuildTrail(ctx, req.ApplicationID, session)
	if err != nil {
		return nil, h.fail("BuildTrail", req.ApplicationID, err)
	}
	return toStruct(map[string]any{"entries": entries})
}

// decode maps a Struct onto a request type through its JSON form.
func (h *GRPCHandler) decode(in *structpb.Struct, out any) error {
	raw, err := protojson.Marshal(in)
	if err != nil {
		return status.Error(codes.InvalidArgument, "invalid request")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return status.Error(codes.InvalidArgument, "invalid request: "+err.Error())
	}
	if err := h.validate.Struct(out); err != nil {
		return status.Error(codes.InvalidArgument, "invalid request: "+err.Error())
	}
	return nil
}

func (h *GRPCHandler) fail(method, applicationID string, err error) error {
	if errors.CodeOf(err) == errors.ErrCodeInternal {
		h.logger.Error().Err(err).
			Str("method", method).
			Str("application_id", applicationID).
			Msg("gRPC call failed")
	}
	return mapErrorToGRPC(err)
}

func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, "internal error")
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Error(codes.Internal, "internal error")
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, "internal error")
	}
	return s, nil
}

// mapErrorToGRPC converts a coded application error to a gRPC status.
func mapErrorToGRPC(err error) error {
	if err == nil {
		return nil
	}

	switch errors.CodeOf(err) {
	case errors.ErrCodeInvalidInput:
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.ErrCodeNotFound:
		return status.Error(codes.NotFound, err.Error())
	case errors.ErrCodeConflict:
		return status.Error(codes.Aborted, err.Error())
	case errors.ErrCodeUnauthorized:
		return status.Error(codes.Unauthenticated, err.Error())
	default:
		return status.Error(codes.Internal, "internal error")
	}
}

// UnaryLoggingInterceptor logs every unary call with its status code.
func UnaryLoggingInterceptor(log zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		log.Info().
			Str("method", info.FullMethod).
			Str("code", status.Code(err).String()).
			Dur("duration", time.Since(start)).
			Msg("gRPC request")
		return resp, err
	}
}
