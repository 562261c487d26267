package controlplane

import "time"

// These are the plain Go message types for the five control-plane RPCs.
// They are carried over the wire with the JSON codec registered in
// codec.go rather than generated protobuf stubs, since marshaling plain
// structs is sufficient for a stable client/server pair and no .pb.go
// generation exists anywhere in this codebase's lineage to model a
// generated client after.

// InputEnvelope mirrors the specification's InputEnvelope: exactly one of
// InlineBytes or BlobID is set, unless KillSwitch is true.
type InputEnvelope struct {
	InputID     string `json:"input_id"`
	InlineBytes []byte `json:"inline_bytes,omitempty"`
	BlobID      string `json:"blob_id,omitempty"`
	FinalInput  bool   `json:"final_input,omitempty"`
	KillSwitch  bool   `json:"kill_switch,omitempty"`
}

// Result is the status payload embedded in an OutputRecord or a TaskResult.
type Result struct {
	Status string `json:"status"` // SUCCESS | FAILURE

	Data       []byte `json:"data,omitempty"`
	DataBlobID string `json:"data_blob_id,omitempty"`

	GenStatus string `json:"gen_status,omitempty"` // NOT_GENERATOR | INCOMPLETE | COMPLETE

	ExceptionRepr        string            `json:"exception_repr,omitempty"`
	TracebackText        string            `json:"traceback_text,omitempty"`
	SerializedTraceback  []byte            `json:"serialized_traceback,omitempty"`
	TracebackLineCache   map[string]string `json:"traceback_line_cache,omitempty"`
}

// OutputRecord mirrors the specification's OutputRecord.
type OutputRecord struct {
	InputID         string    `json:"input_id"`
	InputStartedAt  time.Time `json:"input_started_at"`
	OutputCreatedAt time.Time `json:"output_created_at"`
	GenIndex        int       `json:"gen_index"`
	Result          Result    `json:"result"`
}

type ContainerHeartbeatRequest struct {
	TaskID                string     `json:"task_id"`
	CurrentInputID        string     `json:"current_input_id,omitempty"`
	CurrentInputStartedAt *time.Time `json:"current_input_started_at,omitempty"`
}

type ContainerHeartbeatResponse struct{}

type FunctionGetInputsRequest struct {
	FunctionID      string  `json:"function_id"`
	AverageCallTime float64 `json:"average_call_time"`
	MaxValues       int     `json:"max_values"`
}

type FunctionGetInputsResponse struct {
	Inputs                 []InputEnvelope `json:"inputs"`
	RateLimitSleepDuration float64         `json:"rate_limit_sleep_duration,omitempty"`
}

type FunctionGetSerializedRequest struct {
	FunctionID string `json:"function_id"`
}

type FunctionGetSerializedResponse struct {
	FunctionSerialized []byte `json:"function_serialized"`
	ClassSerialized    []byte `json:"class_serialized,omitempty"`
}

type FunctionPutOutputsRequest struct {
	Outputs []OutputRecord `json:"outputs"`
}

type FunctionPutOutputsResponse struct{}

type TaskResultRequest struct {
	TaskID string `json:"task_id"`
	Result Result `json:"result"`
}

type TaskResultResponse struct{}

// Method paths, in the conventional gRPC "/package.Service/Method" shape,
// used both by the hand-written client (Invoke) and by the fake server
// wired up in tests.
const (
	MethodContainerHeartbeat    = "/containerrt.ControlPlane/ContainerHeartbeat"
	MethodFunctionGetInputs     = "/containerrt.ControlPlane/FunctionGetInputs"
	MethodFunctionGetSerialized = "/containerrt.ControlPlane/FunctionGetSerialized"
	MethodFunctionPutOutputs    = "/containerrt.ControlPlane/FunctionPutOutputs"
	MethodTaskResult            = "/containerrt.ControlPlane/TaskResult"
)
