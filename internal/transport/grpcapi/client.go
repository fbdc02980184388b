package grpcapi

import (
	"context"

	"google.golang.org/grpc"
)

// Client calls LootService with the JSON codec.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client { return &Client{cc: cc} }

func (c *Client) invoke(ctx context.Context, method string, req, resp interface{}, opts []grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
	return c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, req, resp, opts...)
}

func (c *Client) OpenPack(ctx context.Context, req *OpenPackRequest, opts ...grpc.CallOption) (*OpenPackResponse, error) {
	out := new(OpenPackResponse)
	if err := c.invoke(ctx, "OpenPack", req, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Credit(ctx context.Context, req *CreditRequest, opts ...grpc.CallOption) (*CreditResponse, error) {
	out := new(CreditResponse)
	if err := c.invoke(ctx, "Credit", req, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) PityStatus(ctx context.Context, req *UserRequest, opts ...grpc.CallOption) (*PityStatusResponse, error) {
	out := new(PityStatusResponse)
	if err := c.invoke(ctx, "PityStatus", req, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CollectionProgress(ctx context.Context, req *UserRequest, opts ...grpc.CallOption) (*CollectionResponse, error) {
	out := new(CollectionResponse)
	if err := c.invoke(ctx, "CollectionProgress", req, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Quote(ctx context.Context, req *QuoteRequest, opts ...grpc.CallOption) (*QuoteResponse, error) {
	out := new(QuoteResponse)
	if err := c.invoke(ctx, "Quote", req, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}
