package coordinator

import (
	"errors"

	"github.com/TEENet-io/liquidsend/agreement"
)

const (
	serviceName = "liquidsend.Coordinator"

	MethodGetInfo               = "GetInfo"
	MethodRequestHtlcCosign     = "RequestHtlcCosign"
	MethodInitiatePayment       = "InitiatePayment"
	MethodCheckPayment          = "CheckPayment"
	MethodRequestHtlcRevocation = "RequestHtlcRevocation"
)

func fullMethod(m string) string {
	return "/" + serviceName + "/" + m
}

var errEmptyReply = errors.New("coordinator reply carries no variant")

type getInfoRequest struct{}

type cosignReply struct {
	Accepted *agreement.CosignAccepted `json:"accepted,omitempty"`
	Rejected *agreement.CosignRejected `json:"rejected,omitempty"`
}

func newCosignReply(resp agreement.CosignResponse) *cosignReply {
	switch r := resp.(type) {
	case *agreement.CosignAccepted:
		return &cosignReply{Accepted: r}
	case *agreement.CosignRejected:
		return &cosignReply{Rejected: r}
	}
	return &cosignReply{}
}

func (r *cosignReply) variant() (agreement.CosignResponse, error) {
	switch {
	case r.Accepted != nil:
		return r.Accepted, nil
	case r.Rejected != nil:
		return r.Rejected, nil
	}
	return nil, errEmptyReply
}

type initiateReply struct {
	Accepted *agreement.InitiateAccepted `json:"accepted,omitempty"`
	Rejected *agreement.InitiateRejected `json:"rejected,omitempty"`
}

func newInitiateReply(resp agreement.InitiateResponse) *initiateReply {
	switch r := resp.(type) {
	case *agreement.InitiateAccepted:
		return &initiateReply{Accepted: r}
	case *agreement.InitiateRejected:
		return &initiateReply{Rejected: r}
	}
	return &initiateReply{}
}

func (r *initiateReply) variant() (agreement.InitiateResponse, error) {
	switch {
	case r.Accepted != nil:
		return r.Accepted, nil
	case r.Rejected != nil:
		return r.Rejected, nil
	}
	return nil, errEmptyReply
}

type checkReply struct {
	Completed *agreement.PaymentCompleted `json:"completed,omitempty"`
	Pending   *agreement.PaymentPending   `json:"pending,omitempty"`
	Failed    *agreement.PaymentFailed    `json:"failed,omitempty"`
}

func newCheckReply(resp agreement.CheckResponse) *checkReply {
	switch r := resp.(type) {
	case *agreement.PaymentCompleted:
		return &checkReply{Completed: r}
	case *agreement.PaymentPending:
		return &checkReply{Pending: r}
	case *agreement.PaymentFailed:
		return &checkReply{Failed: r}
	}
	return &checkReply{}
}

func (r *checkReply) variant() (agreement.CheckResponse, error) {
	switch {
	case r.Completed != nil:
		return r.Completed, nil
	case r.Pending != nil:
		return r.Pending, nil
	case r.Failed != nil:
		return r.Failed, nil
	}
	return nil, errEmptyReply
}

type revocationReply struct {
	Accepted *agreement.RevocationAccepted `json:"accepted,omitempty"`
	Rejected *agreement.RevocationRejected `json:"rejected,omitempty"`
}

func newRevocationReply(resp agreement.RevocationResponse) *revocationReply {
	switch r := resp.(type) {
	case *agreement.RevocationAccepted:
		return &revocationReply{Accepted: r}
	case *agreement.RevocationRejected:
		return &revocationReply{Rejected: r}
	}
	return &revocationReply{}
}

func (r *revocationReply) variant() (agreement.RevocationResponse, error) {
	switch {
	case r.Accepted != nil:
		return r.Accepted, nil
	case r.Rejected != nil:
		return r.Rejected, nil
	}
	return nil, errEmptyReply
}
