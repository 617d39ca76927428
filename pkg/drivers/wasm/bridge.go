package wasm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/hoistpaas/hoist/pkg/engine"
)

// exportPrefix prefixes the name of every operation a plugin exports. An
// operation export has the signature (input_ptr, input_len i32) -> i64, the
// result packing the output pointer and length.
const exportPrefix = "hoist_"

// Plugin operations.
const (
	opInitialize        = "initialize"
	opCreateApplication = "create_application"
	opDeleteApplication = "delete_application"
	opCreateCertificate = "create_certificate"
	opCheckDNS          = "check_dns"
	opDeleteCertificate = "delete_certificate"
	opCreateDatabase    = "create_database"
	opDeleteDatabase    = "delete_database"
	opBuild             = "build"
	opRelease           = "release"
	opStop              = "stop"
)

// request is the JSON input of an operation.
type request struct {
	Driver      string                 `json:"driver"`
	Settings    map[string]interface{} `json:"settings,omitempty"`
	Application *engine.Application    `json:"application,omitempty"`
	Deployment  *engine.Deployment     `json:"deployment,omitempty"`
	Database    *engine.Database       `json:"database,omitempty"`
	Hostname    string                 `json:"hostname,omitempty"`
	Ref         *engine.ExternalRef    `json:"ref,omitempty"`
}

// response is the JSON output of an operation.
type response struct {
	ExternalID string           `json:"external_id,omitempty"`
	DNSStatus  engine.DNSStatus `json:"dns_status,omitempty"`
	Done       *doneRecord      `json:"done,omitempty"`
	Error      *pluginError     `json:"error,omitempty"`
}

// doneRecord ends a phase.
type doneRecord struct {
	Succeeded bool   `json:"succeeded"`
	Detail    string `json:"detail,omitempty"`
}

type pluginError struct {
	Code      string `json:"code,omitempty"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

var errUnsupported = errors.New("operation not exported by plugin")

// bridge calls plugin operations. Every call runs in a fresh instance of the
// compiled module, so calls do not share memory and may run concurrently.
type bridge struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
}

func (b *bridge) exports(op string) bool {
	_, ok := b.compiled.ExportedFunctions()[exportPrefix+op]
	return ok
}

// call runs op with req as input and decodes the output into a response.
func (b *bridge) call(ctx context.Context, op string, req *request) (*response, error) {
	if !b.exports(op) {
		return nil, errUnsupported
	}

	input, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	mod, err := b.runtime.InstantiateModule(ctx, b.compiled, wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions("_initialize"))
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate plugin: %w", err)
	}
	defer mod.Close(context.WithoutCancel(ctx))

	output, err := invoke(ctx, mod, exportPrefix+op, input)
	if err != nil {
		return nil, err
	}

	var resp response
	if err := json.Unmarshal(output, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s response: %w", op, err)
	}
	return &resp, nil
}

// invoke writes input into plugin memory, calls name and copies the output out.
func invoke(ctx context.Context, mod api.Module, name string, input []byte) ([]byte, error) {
	malloc := mod.ExportedFunction("malloc")
	if malloc == nil {
		return nil, fmt.Errorf("WASM module does not export malloc function")
	}
	fn := mod.ExportedFunction(name)
	if fn == nil {
		return nil, errUnsupported
	}
	memory := mod.Memory()
	if memory == nil {
		return nil, fmt.Errorf("WASM module does not export memory")
	}

	results, err := malloc.Call(ctx, uint64(len(input)))
	if err != nil {
		return nil, fmt.Errorf("malloc failed: %w", err)
	}
	if len(results) == 0 || results[0] == 0 {
		return nil, fmt.Errorf("malloc returned null pointer")
	}
	inputPtr := uint32(results[0])
	if !memory.Write(inputPtr, input) {
		return nil, fmt.Errorf("failed to write input to WASM memory")
	}

	results, err = fn.Call(ctx, uint64(inputPtr), uint64(len(input)))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("%s returned no results", name)
	}

	outputPtr, outputLen := unpack(results[0])
	if outputLen == 0 {
		return []byte("{}"), nil
	}
	output, ok := memory.Read(outputPtr, outputLen)
	if !ok {
		return nil, fmt.Errorf("failed to read output from WASM memory")
	}
	// The view dies with the instance.
	return append([]byte(nil), output...), nil
}

// asError converts a plugin-reported error to an engine error.
func (e *pluginError) asError(op string) error {
	var err *engine.EngineError
	switch e.Code {
	case engine.ErrCodeNotFound:
		err = engine.NewPermanentError(e.Message, nil).WithCode(engine.ErrCodeNotFound)
	case engine.ErrCodeResourceConflict:
		err = engine.NewResourceConflictError(e.Message, nil)
	case engine.ErrCodeValidation:
		err = engine.NewValidationError(e.Message)
	default:
		if e.Retryable {
			err = engine.NewDriverUnavailableError(e.Message, nil)
		} else {
			err = engine.NewPermanentError(e.Message, nil).WithCode(engine.ErrCodeInternal)
		}
	}
	return err.WithOperation(op)
}
