package processor

import (
	"github.com/Layr-Labs/avalon-enclave-kms/pkg/workload"
	"github.com/Layr-Labs/avalon-enclave-kms/pkg/workorder"
)

// SingletonVariant is the self-contained deployment shape (§4.1): it holds
// both the RSA key the requester encrypted against and the workload
// registry to run, so key-unwrap and dispatch are both local.
type SingletonVariant struct {
	Workloads *workload.Registry
}

func (SingletonVariant) Name() string { return "singleton" }

func (SingletonVariant) UnwrapKeys(req *workorder.Request, _ []byte) (*UnwrappedKeys, error) {
	return unwrapViaIdentity(req)
}

func (v SingletonVariant) Dispatch(req *workorder.Request, _ *UnwrappedKeys, in []workload.Item) ([]workload.Item, error) {
	return runWorkload(v.Workloads, req, in)
}

// runWorkload is the shared "look the workload up and run it" step used by
// both Singleton and WPE — the only two variants that ever execute a
// workload body directly.
func runWorkload(registry *workload.Registry, req *workorder.Request, in []workload.Item) ([]workload.Item, error) {
	name, err := req.WorkloadName()
	if err != nil {
		return nil, err
	}
	wl, err := registry.Create(name)
	if err != nil {
		return nil, err
	}

	out := make([]workload.Item, 0, len(req.Params.OutData))
	if err := wl.Process(req.Params.RequesterID, req.Params.WorkerID, req.Params.WorkOrderID, in, &out); err != nil {
		return nil, err
	}
	return out, nil
}
