package walletrpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "consult.wallet.v1.WalletService"

const (
	methodGetBalance  = "GetBalance"
	methodCredit      = "Credit"
	methodDebit       = "Debit"
	methodListEntries = "ListEntries"
)

// WalletService is the server side of the wallet API. Requests and responses are
// protobuf Structs keyed by snake_case field names.
type WalletService interface {
	GetBalance(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	Credit(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	Debit(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	ListEntries(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(service WalletService, ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)

func unaryMethod(name string, call unaryCall) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, decode func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			request := new(structpb.Struct)
			if err := decode(request); err != nil {
				return nil, err
			}
			service := srv.(WalletService)
			if interceptor == nil {
				return call(service, ctx, request)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, request, info, func(ctx context.Context, request any) (any, error) {
				return call(service, ctx, request.(*structpb.Struct))
			})
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*WalletService)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(methodGetBalance, WalletService.GetBalance),
		unaryMethod(methodCredit, WalletService.Credit),
		unaryMethod(methodDebit, WalletService.Debit),
		unaryMethod(methodListEntries, WalletService.ListEntries),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "consult/wallet/v1/wallet.proto",
}

// RegisterWalletService registers service on registrar.
func RegisterWalletService(registrar grpc.ServiceRegistrar, service WalletService) {
	registrar.RegisterService(&serviceDesc, service)
}

// Client calls a remote WalletService.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func (client *Client) invoke(ctx context.Context, method string, request map[string]any, options ...grpc.CallOption) (*structpb.Struct, error) {
	message, err := structpb.NewStruct(request)
	if err != nil {
		return nil, err
	}
	response := new(structpb.Struct)
	if err := client.conn.Invoke(ctx, "/"+ServiceName+"/"+method, message, response, options...); err != nil {
		return nil, err
	}
	return response, nil
}

// GetBalance returns the balance fields of one account.
func (client *Client) GetBalance(ctx context.Context, request map[string]any, options ...grpc.CallOption) (*structpb.Struct, error) {
	return client.invoke(ctx, methodGetBalance, request, options...)
}

// Credit adds coins to an account.
func (client *Client) Credit(ctx context.Context, request map[string]any, options ...grpc.CallOption) (*structpb.Struct, error) {
	return client.invoke(ctx, methodCredit, request, options...)
}

// Debit removes coins from a consumer account.
func (client *Client) Debit(ctx context.Context, request map[string]any, options ...grpc.CallOption) (*structpb.Struct, error) {
	return client.invoke(ctx, methodDebit, request, options...)
}

// ListEntries returns an account's newest ledger entries.
func (client *Client) ListEntries(ctx context.Context, request map[string]any, options ...grpc.CallOption) (*structpb.Struct, error) {
	return client.invoke(ctx, methodListEntries, request, options...)
}
