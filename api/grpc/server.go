// Package grpc exposes the reminder engine over gRPC. Messages are
// google.protobuf.Struct values carrying the same JSON documents as the REST
// API, so no generated stubs are needed.
package grpc

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/alexnthnz/contract-reminders/internal/monitoring"
	"github.com/alexnthnz/contract-reminders/internal/notification"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "reminders.v1.ReminderService"

// ReminderServiceServer is the server API for the reminder service
type ReminderServiceServer interface {
	CreateRule(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetRule(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UpdateRule(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeactivateRule(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListRules(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListNotifications(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetNotification(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Acknowledge(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// Server implements ReminderServiceServer on top of the engine service
type Server struct {
	service *notification.Service
	metrics *monitoring.Metrics
	logger  *zap.Logger
}

// NewServer creates a new gRPC server
func NewServer(
	service *notification.Service,
	metrics *monitoring.Metrics,
	logger *zap.Logger,
) *Server {
	return &Server{
		service: service,
		metrics: metrics,
		logger:  logger,
	}
}

// Register registers the service on a grpc.Server
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&ServiceDesc, s)
}

// CreateRule creates a new rule
func (s *Server) CreateRule(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in notification.CreateRuleRequest
	if err := fromStruct(req, &in); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	rule, err := s.service.CreateRule(ctx, in)
	if err != nil {
		return nil, s.toStatus("failed to create rule", err)
	}
	s.logger.Info("Rule created via gRPC", zap.String("rule_id", rule.ID))
	return s.reply(rule)
}

// GetRule retrieves a rule by ID
func (s *Server) GetRule(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := requireID(req)
	if err != nil {
		return nil, err
	}
	rule, err := s.service.GetRule(ctx, id)
	if err != nil {
		return nil, s.toStatus("failed to retrieve rule", err)
	}
	return s.reply(rule)
}

// UpdateRule replaces the mutable fields of a rule
func (s *Server) UpdateRule(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in UpdateRuleRequest
	if err := fromStruct(req, &in); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if in.ID == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}

	rule, err := s.service.UpdateRule(ctx, in.ID, in.UpdateRuleRequest)
	if err != nil {
		return nil, s.toStatus("failed to update rule", err)
	}
	return s.reply(rule)
}

// DeactivateRule deactivates a rule and cancels its pending occurrences
func (s *Server) DeactivateRule(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := requireID(req)
	if err != nil {
		return nil, err
	}
	rule, err := s.service.DeactivateRule(ctx, id)
	if err != nil {
		return nil, s.toStatus("failed to deactivate rule", err)
	}
	return s.reply(rule)
}

// ListRules lists rules matching the request filter
func (s *Server) ListRules(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in struct {
		ContractID string             `json:"contract_id"`
		Scope      notification.Scope `json:"scope"`
		TargetID   string             `json:"target_id"`
		ActiveOnly bool               `json:"active_only"`
	}
	if err := fromStruct(req, &in); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	rules, err := s.service.ListRules(ctx, notification.RuleFilter{
		ContractID: in.ContractID,
		Scope:      in.Scope,
		TargetID:   in.TargetID,
		ActiveOnly: in.ActiveOnly,
	})
	if err != nil {
		return nil, s.toStatus("failed to list rules", err)
	}
	if rules == nil {
		rules = []notification.Rule{}
	}
	return s.reply(RuleList{Rules: rules})
}

// ListNotifications lists scheduled notifications matching the request filter
func (s *Server) ListNotifications(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in NotificationFilter
	if err := fromStruct(req, &in); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	list, err := s.service.ListScheduledNotifications(ctx, in.filter())
	if err != nil {
		return nil, s.toStatus("failed to list notifications", err)
	}
	out := NotificationList{Notifications: make([]Notification, 0, len(list))}
	for _, n := range list {
		out.Notifications = append(out.Notifications, notificationMessage(n, nil))
	}
	return s.reply(out)
}

// GetNotification retrieves a notification and its delivery attempts
func (s *Server) GetNotification(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := requireID(req)
	if err != nil {
		return nil, err
	}
	n, attempts, err := s.service.GetScheduledNotification(ctx, id)
	if err != nil {
		return nil, s.toStatus("failed to retrieve notification", err)
	}
	return s.reply(notificationMessage(*n, attempts))
}

// Acknowledge acknowledges a sent notification
func (s *Server) Acknowledge(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := requireID(req)
	if err != nil {
		return nil, err
	}
	n, err := s.service.Acknowledge(ctx, id)
	if err != nil {
		return nil, s.toStatus("failed to acknowledge notification", err)
	}
	return s.reply(notificationMessage(*n, nil))
}

func requireID(req *structpb.Struct) (string, error) {
	var in IDRequest
	if err := fromStruct(req, &in); err != nil {
		return "", status.Error(codes.InvalidArgument, err.Error())
	}
	if in.ID == "" {
		return "", status.Error(codes.InvalidArgument, "id is required")
	}
	return in.ID, nil
}

func (s *Server) reply(v interface{}) (*structpb.Struct, error) {
	out, err := toStruct(v)
	if err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
		return nil, status.Error(codes.Internal, "failed to encode response")
	}
	return out, nil
}

// toStatus maps engine errors to gRPC status codes
func (s *Server) toStatus(message string, err error) error {
	var verr *notification.ValidationError
	switch {
	case errors.As(err, &verr):
		return status.Error(codes.InvalidArgument, verr.Error())
	case errors.Is(err, notification.ErrNotFound), errors.Is(err, notification.ErrTargetNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, notification.ErrInvalidState), errors.Is(err, notification.ErrClaimConflict):
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		s.logger.Error(message, zap.Error(err))
		return status.Error(codes.Internal, message)
	}
}

// UnaryMetricsInterceptor records request durations and logs failed calls
func (s *Server) UnaryMetricsInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	s.metrics.IncrementActiveConnections()
	defer s.metrics.DecrementActiveConnections()

	resp, err := handler(ctx, req)

	code := status.Code(err)
	s.metrics.RecordRequest("grpc", info.FullMethod, code.String(), time.Since(start).Seconds())
	if err != nil {
		s.logger.Warn("gRPC request failed",
			zap.String("method", info.FullMethod),
			zap.String("code", code.String()),
			zap.Error(err),
		)
	}
	return resp, err
}

func unaryHandler(method string, call func(ReminderServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ReminderServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + ServiceName + "/" + method,
			}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(ReminderServiceServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ServiceDesc describes the reminder service for grpc.Server.RegisterService
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ReminderServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("CreateRule", ReminderServiceServer.CreateRule),
		unaryHandler("GetRule", ReminderServiceServer.GetRule),
		unaryHandler("UpdateRule", ReminderServiceServer.UpdateRule),
		unaryHandler("DeactivateRule", ReminderServiceServer.DeactivateRule),
		unaryHandler("ListRules", ReminderServiceServer.ListRules),
		unaryHandler("ListNotifications", ReminderServiceServer.ListNotifications),
		unaryHandler("GetNotification", ReminderServiceServer.GetNotification),
		unaryHandler("Acknowledge", ReminderServiceServer.Acknowledge),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "reminders/v1/reminders.proto",
}
