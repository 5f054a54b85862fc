package hub

// State is the lifecycle of a single service.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateError    State = "error"
)

// Service is one independently startable relay.
// Start binds sockets and spawns loops; it must not block.
// Stop closes the sockets, which every loop treats as its exit signal,
// and waits for background tasks to drain.
type Service interface {
	Name() string
	Start() error
	Stop()
}
