package pool

import "errors"

var (
	ErrAllocationFailed = errors.New("resource allocation failed")
	ErrWaitTimeout      = errors.New("resource not available, timed out waiting (try increasing connection_timeout?)")
	ErrPoolDisabled     = errors.New("pool is not accepting requests")
	ErrIllegalState     = errors.New("illegal wrapper state")
	ErrStale            = errors.New("resource is stale")
	ErrVetoed           = errors.New("change vetoed, requests are active in the pool")
	ErrWorkerLimit      = errors.New("worker exceeded the number of resources it may hold")
)
