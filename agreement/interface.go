package agreement

import (
	"context"
)

// CoordinatorClient is the wallet's view of the coordinator.
//
// A returned error means the outcome of the call is unknown (transport
// failure, timeout). A definite answer is always one of the response
// variants.
type CoordinatorClient interface {
	GetInfo(ctx context.Context) (*CoordinatorInfo, error)
	RequestHtlcCosign(ctx context.Context, req *HtlcCosignRequest) (CosignResponse, error)
	InitiatePayment(ctx context.Context, req *InitiatePaymentRequest) (InitiateResponse, error)
	CheckPayment(ctx context.Context, req *CheckPaymentRequest) (CheckResponse, error)
	RequestHtlcRevocation(ctx context.Context, req *HtlcRevocationRequest) (RevocationResponse, error)
}

// ChainTip reports the current Liquid block height.
type ChainTip interface {
	GetLatestBlockHeight() (int64, error)
}
