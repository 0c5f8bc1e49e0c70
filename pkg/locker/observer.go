package locker

// Op names the operation an Event belongs to.
type Op string

// Operations
const (
	OpLock   Op = "lock"
	OpUnlock Op = "unlock"
)

// Step names a stage of an operation.
type Step string

// Steps, in the order Lock and Unlock reach them.
const (
	StepPrompt         Step = "prompt"
	StepHash           Step = "hash"
	StepConceal        Step = "conceal"
	StepWriteMetadata  Step = "write_metadata"
	StepProtect        Step = "protect"
	StepRelax          Step = "relax"
	StepVerify         Step = "verify"
	StepRemoveMetadata Step = "remove_metadata"
	StepReveal         Step = "reveal"
	StepSkipped        Step = "skipped"
	StepDone           Step = "done"
)

// Event is a progress notification. Err is set when a step failed without
// failing the operation.
type Event struct {
	Op      Op
	Step    Step
	Path    string
	Message string
	Err     error
}

// Observer receives progress events. Implementations must not block.
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// OnEvent calls f(e).
func (f ObserverFunc) OnEvent(e Event) { f(e) }

// NopObserver discards events.
type NopObserver struct{}

// OnEvent does nothing.
func (NopObserver) OnEvent(Event) {}
