package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	logger "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/TEENet-io/liquidsend/agreement"
)

const (
	requestIdKey   = "x-request-id"
	DefaultTimeout = 30 * time.Second
)

// ErrTransport wraps every failure for which the coordinator's answer is
// unknown.
var ErrTransport = errors.New("coordinator transport error")

// Client talks to a remote coordinator over grpc.
type Client struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

// Dial connects to target. Without options the connection is plaintext.
func Dial(target string, timeout time.Duration, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return NewClient(conn, timeout), nil
}

func NewClient(conn *grpc.ClientConn, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{conn: conn, timeout: timeout}
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// invoke returns the definite rejection reason, if the server refused the
// call with a status that cannot be retried, or a transport error.
func (c *Client) invoke(ctx context.Context, method string, req, reply interface{}) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	reqId := uuid.NewString()
	ctx = metadata.AppendToOutgoingContext(ctx, requestIdKey, reqId)

	err := c.conn.Invoke(ctx, fullMethod(method), req, reply, grpc.CallContentSubtype(codecName))
	if err == nil {
		return "", nil
	}

	st := status.Convert(err)
	logger.WithFields(logger.Fields{
		"method":     method,
		"request_id": reqId,
		"code":       st.Code().String(),
	}).Debugf("coordinator call failed: %s", st.Message())

	switch st.Code() {
	case codes.InvalidArgument, codes.FailedPrecondition, codes.PermissionDenied, codes.AlreadyExists, codes.NotFound:
		return st.Message(), nil
	}
	return "", fmt.Errorf("%w: %s: %v", ErrTransport, method, err)
}

func (c *Client) GetInfo(ctx context.Context) (*agreement.CoordinatorInfo, error) {
	reply := &agreement.CoordinatorInfo{}
	reason, err := c.invoke(ctx, MethodGetInfo, &getInfoRequest{}, reply)
	if err != nil {
		return nil, err
	}
	if reason != "" {
		return nil, fmt.Errorf("coordinator refused info: %s", reason)
	}
	return reply, nil
}

func (c *Client) RequestHtlcCosign(ctx context.Context, req *agreement.HtlcCosignRequest) (agreement.CosignResponse, error) {
	reply := &cosignReply{}
	reason, err := c.invoke(ctx, MethodRequestHtlcCosign, req, reply)
	if err != nil {
		return nil, err
	}
	if reason != "" {
		return &agreement.CosignRejected{Reason: reason}, nil
	}
	resp, err := reply.variant()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return resp, nil
}

func (c *Client) InitiatePayment(ctx context.Context, req *agreement.InitiatePaymentRequest) (agreement.InitiateResponse, error) {
	reply := &initiateReply{}
	reason, err := c.invoke(ctx, MethodInitiatePayment, req, reply)
	if err != nil {
		return nil, err
	}
	if reason != "" {
		return &agreement.InitiateRejected{Reason: reason}, nil
	}
	resp, err := reply.variant()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return resp, nil
}

func (c *Client) CheckPayment(ctx context.Context, req *agreement.CheckPaymentRequest) (agreement.CheckResponse, error) {
	reply := &checkReply{}
	reason, err := c.invoke(ctx, MethodCheckPayment, req, reply)
	if err != nil {
		return nil, err
	}
	if reason != "" {
		// a refused status query says nothing about the payment itself
		return nil, fmt.Errorf("%w: check refused: %s", ErrTransport, reason)
	}
	resp, err := reply.variant()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return resp, nil
}

func (c *Client) RequestHtlcRevocation(ctx context.Context, req *agreement.HtlcRevocationRequest) (agreement.RevocationResponse, error) {
	reply := &revocationReply{}
	reason, err := c.invoke(ctx, MethodRequestHtlcRevocation, req, reply)
	if err != nil {
		return nil, err
	}
	if reason != "" {
		return &agreement.RevocationRejected{Reason: reason}, nil
	}
	resp, err := reply.variant()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return resp, nil
}
