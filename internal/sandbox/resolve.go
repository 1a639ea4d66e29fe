package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// resolver looks up the pod backing a claim. It returns nil when its
// strategy does not apply yet; it never mutates anything.
type resolver struct {
	name    string
	resolve func(ctx context.Context, cp ControlPlane, claim *Claim) (*Pod, error)
}

var resolvers = []resolver{
	{name: "annotation", resolve: byAnnotation},
	{name: "selector", resolve: bySelector},
	{name: "claim-name", resolve: byClaimName},
}

func byAnnotation(ctx context.Context, cp ControlPlane, claim *Claim) (*Pod, error) {
	name := claim.Annotations[PodNameAnnotation]
	if name == "" {
		return nil, nil
	}
	return getPod(ctx, cp, claim.Namespace, name)
}

func bySelector(ctx context.Context, cp ControlPlane, claim *Claim) (*Pod, error) {
	if claim.Selector == "" {
		return nil, nil
	}
	pods, err := cp.ListPods(ctx, claim.Namespace, claim.Selector)
	if err != nil {
		return nil, err
	}
	for i := range pods {
		if pods[i].Running() {
			return &pods[i], nil
		}
	}
	if len(pods) > 0 {
		return &pods[0], nil
	}
	return nil, nil
}

func byClaimName(ctx context.Context, cp ControlPlane, claim *Claim) (*Pod, error) {
	return getPod(ctx, cp, claim.Namespace, claim.Name)
}

func getPod(ctx context.Context, cp ControlPlane, namespace, name string) (*Pod, error) {
	pod, err := cp.GetPod(ctx, namespace, name)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return pod, err
}

var errNotReady = errors.New("claim not resolved yet")

type resolution struct {
	pod      *Pod
	strategy string
}

// resolveClaim polls the claim until one resolver yields a running pod. The
// first resolver that finds any pod is authoritative for that tick.
func resolveClaim(ctx context.Context, cp ControlPlane, namespace, name string, interval, timeout time.Duration) (*resolution, error) {
	return poll(ctx, interval, timeout, func(ctx context.Context) (*resolution, error) {
		claim, err := cp.GetClaim(ctx, namespace, name)
		if errors.Is(err, ErrNotFound) {
			return nil, errNotReady
		}
		if err != nil {
			return nil, err
		}
		if failed, reason := claim.Failed(); failed {
			return nil, stopPolling(fmt.Errorf("%w: %s", ErrClaimFailed, reason))
		}

		for _, r := range resolvers {
			pod, err := r.resolve(ctx, cp, claim)
			if err != nil {
				return nil, err
			}
			if pod == nil {
				continue
			}
			if !pod.Running() {
				return nil, errNotReady
			}
			return &resolution{pod: pod, strategy: r.name}, nil
		}
		return nil, errNotReady
	})
}

type pollStop struct{ err error }

func (p *pollStop) Error() string { return p.err.Error() }
func (p *pollStop) Unwrap() error { return p.err }

// stopPolling ends a poll immediately with err.
func stopPolling(err error) error { return &pollStop{err: err} }

// poll retries fn on a fixed interval until it succeeds, stops, or timeout
// elapses, in which case the error wraps ErrProvisioningTimeout.
func poll[T any](ctx context.Context, interval, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stopped error
	res, err := backoff.Retry(pollCtx, func() (T, error) {
		v, err := fn(pollCtx)
		var stop *pollStop
		if errors.As(err, &stop) {
			stopped = stop.err
			return v, backoff.Permanent(stop.err)
		}
		return v, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(interval)),
		backoff.WithMaxElapsedTime(timeout),
	)
	switch {
	case err == nil:
		return res, nil
	case stopped != nil:
		return res, stopped
	case ctx.Err() != nil:
		return res, ctx.Err()
	case errors.Is(err, errNotReady), errors.Is(err, context.DeadlineExceeded):
		return res, ErrProvisioningTimeout
	}
	return res, fmt.Errorf("%w: %v", ErrProvisioningTimeout, err)
}
