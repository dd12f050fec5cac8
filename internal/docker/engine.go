package docker

import "context"

// Engine is the container engine surface the lifecycle pipelines, proxy
// manager, and reconciler drive. *Client implements it against a live
// daemon; tests substitute fakes.
type Engine interface {
	Ping(ctx context.Context) error
	EnsureNetwork(ctx context.Context, name string) error

	BuildImage(ctx context.Context, dir, dockerfile, tag string, onOutput BuildOutputCallback) (string, error)
	ImageExists(ctx context.Context, tag string) (bool, error)
	RemoveImage(ctx context.Context, tag string) error
	PruneImages(ctx context.Context) (uint64, error)

	StartAppContainer(ctx context.Context, spec ContainerSpec) (string, error)
	StopContainer(ctx context.Context, nameOrID string, timeoutSeconds int) error
	RemoveContainer(ctx context.Context, nameOrID string) error
	InspectContainer(ctx context.Context, nameOrID string) (State, error)
	WaitHealthy(ctx context.Context, nameOrID string) error
	ContainerLogs(ctx context.Context, nameOrID string, tail int) ([]string, error)
	ListAppContainers(ctx context.Context) ([]Summary, error)
	CleanupOrphans(ctx context.Context, activeIDs []int64) ([]string, error)
	ExecContainer(ctx context.Context, nameOrID string, cmd []string) (int, string, error)
	KillContainer(ctx context.Context, nameOrID, signal string) error

	Status(ctx context.Context) (EngineStatus, error)
}

// ensure the SDK-backed client satisfies the full engine surface.
var _ Engine = (*Client)(nil)
