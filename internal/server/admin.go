package server

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const adminServiceName = "invoiceledger.admin.v1.AdminService"

// adminServer is the admin gRPC surface. Messages are structpb.Struct so
// grpcurl and the gateway JSON share one shape.
type adminServer interface {
	InvoiceStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	VerifyIntegrity(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListUnresolved(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	RetryUnresolved(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	InjectEvent(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var adminServiceDesc = grpc.ServiceDesc{
	ServiceName: adminServiceName,
	HandlerType: (*adminServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("InvoiceStatus", adminServer.InvoiceStatus),
		unary("VerifyIntegrity", adminServer.VerifyIntegrity),
		unary("ListUnresolved", adminServer.ListUnresolved),
		unary("RetryUnresolved", adminServer.RetryUnresolved),
		unary("InjectEvent", adminServer.InjectEvent),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "invoiceledger/admin/v1/admin.proto",
}

type structMethod func(adminServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call structMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(adminServer), ctx, req.(*structpb.Struct))
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + adminServiceName + "/" + name}
			return interceptor(ctx, in, info, handler)
		},
	}
}

type adminService struct {
	deps *ServerDeps
}

var _ adminServer = (*adminService)(nil)

func (a *adminService) InvoiceStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := uuid.Parse(stringField(req, "invoice_id"))
	if err != nil {
		return nil, toStatus(fmt.Errorf("invoice_id: %v: %w", err, errInvalidArgument))
	}
	resp, err := a.deps.Queries.InvoiceStatus(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(resp)
}

func (a *adminService) VerifyIntegrity(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	report, err := a.deps.Queries.VerifyIntegrity(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(report)
}

func (a *adminService) ListUnresolved(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return toStruct(map[string]interface{}{"events": unresolvedViews(a.deps.Commands.ListUnresolved())})
}

func (a *adminService) RetryUnresolved(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	txHash := stringField(req, "tx_hash")
	if txHash == "" {
		return nil, toStatus(fmt.Errorf("tx_hash is required: %w", errInvalidArgument))
	}
	outcome, err := a.deps.Commands.RetryUnresolved(ctx, txHash)
	if outcome == 0 && err != nil {
		return nil, toStatus(err)
	}
	return toStruct(newOutcomeView(txHash, outcome, err))
}

// InjectEvent takes {"event_type": "...", "payload": {...}}; payload may
// also be a JSON string.
func (a *adminService) InjectEvent(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if a.deps.Injector == nil {
		return nil, toStatus(fmt.Errorf("manual ingestion: %w", errUnimplemented))
	}
	v, ok := req.GetFields()["payload"]
	if !ok {
		return nil, toStatus(fmt.Errorf("payload is required: %w", errInvalidArgument))
	}
	var payload []byte
	if s, isString := v.GetKind().(*structpb.Value_StringValue); isString {
		payload = []byte(s.StringValue)
	} else {
		var err error
		if payload, err = json.Marshal(v.AsInterface()); err != nil {
			return nil, toStatus(fmt.Errorf("payload: %v: %w", err, errInvalidArgument))
		}
	}

	res, err := a.deps.Injector.Inject(ctx, stringField(req, "event_type"), payload)
	if err != nil {
		return nil, toStatus(err)
	}
	if res.Outcome == 0 {
		return nil, toStatus(res.Err)
	}
	return toStruct(newOutcomeView(res.TxHash, res.Outcome, res.Err))
}

func stringField(s *structpb.Struct, name string) string {
	return s.GetFields()[name].GetStringValue()
}

// toStruct round-trips v through its JSON form.
func toStruct(v interface{}) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, toStatus(err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, toStatus(err)
	}
	st, err := structpb.NewStruct(m)
	if err != nil {
		return nil, toStatus(err)
	}
	return st, nil
}
